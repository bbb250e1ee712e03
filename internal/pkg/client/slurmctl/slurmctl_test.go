package slurmctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"gpuquota/internal/pkg/model"
)

const samplePartitions = `PartitionName=p1
   AllowGroups=root,group1,group2 AllowAccounts=root,acct1,acct2 AllowQos=ALL
   AllocNodes=ALL Default=NO QoS=N/A
   MaxNodes=UNLIMITED MaxTime=UNLIMITED MinNodes=0 LLN=NO MaxCPUsPerNode=UNLIMITED
   Nodes=node44
   State=UP TotalCPUs=36 TotalNodes=1 SelectTypeParameters=NONE
   TRES=cpu=36,mem=190000M,node=1,billing=36
   DefMemPerNode=UNLIMITED MaxMemPerNode=UNLIMITED

PartitionName=p2
   AllowGroups=root,group1,group2,group3 AllowAccounts=root,acct1,acct2 AllowQos=ALL
   Nodes=node[01-02]
   State=UP TotalCPUs=72 TotalNodes=2 SelectTypeParameters=NONE
   TRES=cpu=72,mem=1000G,node=2,billing=72,gres/gpu=16,gres/gpu:a100=16
   DefMemPerNode=UNLIMITED MaxMemPerNode=UNLIMITED`

const sampleSacct = `{"jobs":[
 {"job_id":101,"name":"train","user":"alice","account":"lab","qos":"normal","partition":"gpu",
  "state":{"current":["RUNNING"],"reason":"None"},
  "time":{"submission":{"set":true,"infinite":false,"number":1751270400},
          "start":{"set":true,"infinite":false,"number":1751274000},
          "end":{"set":true,"infinite":false,"number":1751360400},
          "elapsed":3600,"total":{"seconds":0,"microseconds":0}},
  "tres":{"allocated":[{"type":"cpu","name":"","id":1,"count":8},
                       {"type":"gres","name":"gpu","id":1001,"count":4},
                       {"type":"gres","name":"gpu:a100","id":1002,"count":4}],
          "requested":[]},
  "required":{"CPUs":8,"memory_per_node":{"set":true,"infinite":false,"number":32768}},
  "allocation_nodes":1,"steps":[]},
 {"job_id":102,"name":"eval","user":"bob","account":"lab","qos":"normal","partition":"gpu",
  "state":{"current":"CANCELLED by 1001"},
  "time":{"submission":1751155200,"start":1751191200,"end":1751200200,"elapsed":9000,
          "total":{"seconds":7200,"microseconds":500000}},
  "tres":{"allocated":[{"type":"cpu","count":2},{"type":"gres","name":"gpu","count":2}]},
  "required":{"CPUs":2,"memory_per_cpu":{"set":true,"infinite":false,"number":4096}},
  "steps":[{"tres":{"requested":{"max":[{"type":"mem","count":1073741824}]}}},
           {"tres":{"requested":{"max":[{"type":"mem","count":2147483648}]}}}]},
 {"job_id":103,"name":"queued","user":"alice","account":"lab","qos":"normal","partition":"gpu",
  "state":{"current":["PD"]},
  "time":{"submission":1751270400,"start":1751300000,"end":0},
  "tres":{"allocated":[],"requested":[{"type":"gres","name":"gpu","count":1}]}}
]}`

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// helper: build fake exec that returns output based on args
func fakeExec(outputFn func(name string, args ...string) string) ExecCommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		// Use sh -c to emit prebuilt content
		script := fmt.Sprintf("cat <<'EOF'\n%s\nEOF\n", outputFn(name, args...))
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

// helper: fake exec that prints msg to stderr and exits non-zero
func failExec(msg string) ExecCommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("echo %q >&2; exit 1", msg))
	}
}

// helper: fake exec that writes warn to stderr before succeeding with out
func warnExec(warn, out string) ExecCommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		script := fmt.Sprintf("echo %q >&2\ncat <<'EOF'\n%s\nEOF\n", warn, out)
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestParsePartitions_MultiplePartitions(t *testing.T) {
	parts := parsePartitions(samplePartitions)

	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if parts[0]["PartitionName"] != "p1" || parts[0]["Nodes"] != "node44" {
		t.Errorf("unexpected first partition: %+v", parts[0])
	}
	if parts[1]["PartitionName"] != "p2" || parts[1]["State"] != "UP" {
		t.Errorf("unexpected second partition: %+v", parts[1])
	}
	if parts[1]["TRES"] != "cpu=72,mem=1000G,node=2,billing=72,gres/gpu=16,gres/gpu:a100=16" {
		t.Errorf("TRES not kept intact: %q", parts[1]["TRES"])
	}
}

func TestParsePartitions_NoBlankLineBetweenRecords(t *testing.T) {
	parts := parsePartitions("PartitionName=a State=UP\nPartitionName=b State=DOWN")
	if len(parts) != 2 || parts[1]["State"] != "DOWN" {
		t.Fatalf("unexpected partitions: %+v", parts)
	}
}

func TestGPUCapacity(t *testing.T) {
	c := (&Client{}).Set(fakeExec(func(name string, args ...string) string {
		if name == "scontrol" && len(args) == 2 {
			return samplePartitions
		}
		return ""
	}), quietLogger())

	capacity, err := c.GPUCapacity(context.Background())
	if err != nil {
		t.Fatalf("GPUCapacity error: %v", err)
	}
	if capacity["p1"] != 0 || capacity["p2"] != 16 {
		t.Errorf("unexpected capacity: %+v", capacity)
	}
}

func TestTresGPUsTypedOnly(t *testing.T) {
	if got := tresGPUs("cpu=8,gres/gpu:a100=2,gres/gpu:v100=4"); got != 6 {
		t.Errorf("expected 6 typed GPUs, got %d", got)
	}
}

func TestFetchJobs_ParsesSacctJSON(t *testing.T) {
	var gotArgs []string
	c := (&Client{}).Set(fakeExec(func(name string, args ...string) string {
		gotArgs = append([]string{name}, args...)
		return sampleSacct
	}), quietLogger())

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)
	jobs, err := c.FetchJobs(context.Background(), model.JobFilter{QoS: "normal", Start: start, End: start.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("FetchJobs error: %v", err)
	}
	cmdline := strings.Join(gotArgs, " ")
	for _, want := range []string{"sacct -X --json", "-S 2025-06-01T00:00:00", "--qos=normal", "--allusers"} {
		if !strings.Contains(cmdline, want) {
			t.Errorf("command %q missing %q", cmdline, want)
		}
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}

	running := jobs[0]
	if running.ID != "101" || running.State != model.JobRunning || running.GPUs != 4 || running.CPUs != 8 {
		t.Errorf("unexpected running job: %+v", running)
	}
	if running.Start == nil || !running.Start.Equal(time.Date(2025, 6, 30, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start: %v", running.Start)
	}
	if running.End != nil {
		t.Errorf("running job must have no end, got %v", running.End)
	}
	if running.ReqMemBytes != 32<<30 {
		t.Errorf("expected 32GiB requested, got %d", running.ReqMemBytes)
	}

	done := jobs[1]
	if done.State != model.JobCancelled || done.GPUs != 2 || done.End == nil {
		t.Errorf("unexpected finished job: %+v", done)
	}
	if done.CPUTime != 7200*time.Second+500*time.Millisecond {
		t.Errorf("unexpected cpu time %v", done.CPUTime)
	}
	if done.ReqMemBytes != 8<<30 || done.PeakMemBytes != 2<<30 {
		t.Errorf("unexpected memory req=%d peak=%d", done.ReqMemBytes, done.PeakMemBytes)
	}

	pending := jobs[2]
	if pending.State != model.JobPending || pending.Start != nil || pending.GPUs != 1 {
		t.Errorf("unexpected pending job: %+v", pending)
	}
}

func TestFetchJobs_UserFilter(t *testing.T) {
	var gotArgs []string
	c := (&Client{}).Set(fakeExec(func(name string, args ...string) string {
		gotArgs = args
		return `{"jobs":[]}`
	}), quietLogger())

	jobs, err := c.FetchJobs(context.Background(), model.JobFilter{User: "alice"})
	if err != nil {
		t.Fatalf("FetchJobs error: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(jobs))
	}
	cmdline := strings.Join(gotArgs, " ")
	if !strings.Contains(cmdline, "-u alice") || strings.Contains(cmdline, "--allusers") {
		t.Errorf("unexpected args %q", cmdline)
	}
}

func TestFetchJobs_MalformedData(t *testing.T) {
	cases := map[string]string{
		"not json":      `sacct: error: slurmdbd unreachable`,
		"unknown state": `{"jobs":[{"job_id":1,"state":{"current":["WEIRD"]}}]}`,
		"end before start": `{"jobs":[{"job_id":1,"state":{"current":["COMPLETED"]},
			"time":{"submission":100,"start":200,"end":150}}]}`,
		"missing id": `{"jobs":[{"state":{"current":["RUNNING"]}}]}`,
	}
	for name, out := range cases {
		out := out
		t.Run(name, func(t *testing.T) {
			c := (&Client{}).Set(fakeExec(func(string, ...string) string { return out }), quietLogger())
			_, err := c.FetchJobs(context.Background(), model.JobFilter{})
			if !errors.Is(err, model.ErrMalformedData) {
				t.Fatalf("expected ErrMalformedData, got %v", err)
			}
			var se *model.SourceError
			if !errors.As(err, &se) || se.Source != "sacct" {
				t.Errorf("expected sacct SourceError, got %T", err)
			}
		})
	}
}

func TestFetchJobs_CommandFailed(t *testing.T) {
	c := (&Client{}).Set(failExec("sacct: command not found"), quietLogger())
	_, err := c.FetchJobs(context.Background(), model.JobFilter{})
	if !errors.Is(err, model.ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "command not found") {
		t.Errorf("error should carry command output: %v", err)
	}
}

func TestFetchJobs_StderrWarningIgnored(t *testing.T) {
	c := (&Client{}).Set(warnExec("sacct: warning: Conversion of 'allocated' failed", sampleSacct), quietLogger())
	jobs, err := c.FetchJobs(context.Background(), model.JobFilter{})
	if err != nil {
		t.Fatalf("FetchJobs error: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("expected 3 jobs, got %d", len(jobs))
	}
}

func TestFetchJobs_CommandFailedUsesStdoutWithoutStderr(t *testing.T) {
	c := (&Client{}).Set(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo slurmdbd down; exit 1")
	}, quietLogger())
	_, err := c.FetchJobs(context.Background(), model.JobFilter{})
	if !errors.Is(err, model.ErrCommandFailed) || !strings.Contains(err.Error(), "slurmdbd down") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCancelJob(t *testing.T) {
	var gotName string
	var gotArgs []string
	c := (&Client{}).Set(fakeExec(func(name string, args ...string) string {
		gotName, gotArgs = name, args
		return ""
	}), quietLogger())

	if err := c.CancelJob(context.Background(), "4242"); err != nil {
		t.Fatalf("CancelJob error: %v", err)
	}
	if gotName != "scancel" || strings.Join(gotArgs, " ") != "-Q 4242" {
		t.Errorf("unexpected command %s %v", gotName, gotArgs)
	}
	if err := c.CancelJob(context.Background(), "--all"); err == nil {
		t.Error("expected flag-like job id to be rejected")
	}
}

func TestCancelJob_Failure(t *testing.T) {
	c := (&Client{}).Set(failExec("scancel: error: Kill job error on job id 4242: Access/permission denied"), quietLogger())
	err := c.CancelJob(context.Background(), "4242")
	if !errors.Is(err, model.ErrCommandFailed) || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFetchJob(t *testing.T) {
	out := strings.Join([]string{
		"12345|train_model|testuser|lab|gpu|normal|COMPLETED|8|02:30:00|32G||billing=8,cpu=8,gres/gpu=1,mem=32G,node=1|2025-06-30T08:00:00|2025-06-30T08:10:00|2025-06-30T09:10:00",
		"12345.batch|batch||lab|||COMPLETED|8|02:29:00||4096M|cpu=8,mem=32G,node=1|2025-06-30T08:10:00|2025-06-30T08:10:00|2025-06-30T09:10:00",
		"12345.extern|extern||lab|||COMPLETED|8|00:00:00||1024K|billing=8,cpu=8,node=1|2025-06-30T08:10:00|2025-06-30T08:10:00|2025-06-30T09:10:00",
	}, "\n")
	c := (&Client{}).Set(fakeExec(func(name string, args ...string) string { return out }), quietLogger())

	j, err := c.FetchJob(context.Background(), "12345")
	if err != nil {
		t.Fatalf("FetchJob error: %v", err)
	}
	if j.CPUs != 8 || j.GPUs != 1 || j.CPUTime != 150*time.Minute {
		t.Errorf("unexpected job: %+v", j)
	}
	if j.ReqMemBytes != 32<<30 || j.PeakMemBytes != 4<<30 {
		t.Errorf("unexpected memory req=%d peak=%d", j.ReqMemBytes, j.PeakMemBytes)
	}
	if j.Elapsed(time.Now()) != time.Hour {
		t.Errorf("unexpected elapsed %v", j.Elapsed(time.Now()))
	}
}

func TestFetchJob_NotFound(t *testing.T) {
	c := (&Client{}).Set(fakeExec(func(string, ...string) string { return "" }), quietLogger())
	_, err := c.FetchJob(context.Background(), "99999")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestParseSlurmDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":           0,
		"00:14:24":   14*time.Minute + 24*time.Second,
		"02:30:00":   150 * time.Minute,
		"05:01.500":  5*time.Minute + 1500*time.Millisecond,
		"1-02:00:00": 26 * time.Hour,
	}
	for in, want := range cases {
		got, err := parseSlurmDuration(in)
		if err != nil || got != want {
			t.Errorf("parseSlurmDuration(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseSlurmDuration("bogus"); !errors.Is(err, model.ErrMalformedData) {
		t.Errorf("expected malformed error, got %v", err)
	}
}

func TestParseMem(t *testing.T) {
	cases := []struct {
		in   string
		unit byte
		want int64
	}{
		{"", 'M', 0},
		{"32G", 'M', 32 << 30},
		{"4000Mn", 'M', 4000 << 20},
		{"2048", 'M', 2048 << 20},
		{"512K", 'K', 512 << 10},
		{"1.5G", 'M', 3 << 29},
	}
	for _, tc := range cases {
		got, err := parseMem(tc.in, tc.unit)
		if err != nil || got != tc.want {
			t.Errorf("parseMem(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
}
