package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuquota/internal/pkg/client/slurmctl"
	"gpuquota/internal/pkg/model"
)

const testConfig = `default_cluster: test
clusters:
  test:
    name: test
    qos: [normal]
    quota_limit: 100
state:
  driver: memory
`

// sacctOutput has alice running 4 GPUs for 30h (over quota) and bob with a
// finished 2 GPU, 10h job.
func sacctOutput(now time.Time) string {
	ts := func(d time.Duration) int64 { return now.Add(-d).Unix() }
	return fmt.Sprintf(`{"jobs":[
 {"job_id":201,"name":"train","user":"alice","account":"lab","qos":"normal","partition":"gpu",
  "state":{"current":["RUNNING"]},
  "time":{"submission":%d,"start":%d,"end":0,"elapsed":0,"total":{"seconds":0,"microseconds":0}},
  "tres":{"allocated":[{"type":"cpu","count":8},{"type":"gres","name":"gpu","count":4}]}},
 {"job_id":202,"name":"eval","user":"bob","account":"lab","qos":"normal","partition":"gpu",
  "state":{"current":["COMPLETED"]},
  "time":{"submission":%d,"start":%d,"end":%d,"elapsed":36000,"total":{"seconds":3600,"microseconds":0}},
  "tres":{"allocated":[{"type":"cpu","count":2},{"type":"gres","name":"gpu","count":2}]}}
]}`, ts(31*time.Hour), ts(30*time.Hour), ts(13*time.Hour), ts(12*time.Hour), ts(2*time.Hour))
}

type harness struct {
	t       *testing.T
	dir     string
	env     map[string]string
	calls   []string
	scancel []string
}

func newHarness(t *testing.T, cfg string) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir()}
	path := filepath.Join(h.dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	h.env = map[string]string{
		"HOME":            h.dir,
		"GPUQUOTA_CONFIG": path,
		"USER":            "alice",
		"XDG_STATE_HOME":  filepath.Join(h.dir, "state"),
		"XDG_CONFIG_HOME": filepath.Join(h.dir, "config"),
	}

	prev := newSlurmClient
	t.Cleanup(func() { newSlurmClient = prev })
	newSlurmClient = func(logger *slog.Logger) *slurmctl.Client {
		return (&slurmctl.Client{}).Set(h.exec, logger)
	}
	return h
}

func (h *harness) exec(ctx context.Context, name string, args ...string) *exec.Cmd {
	h.calls = append(h.calls, name+" "+strings.Join(args, " "))
	var out string
	switch {
	case name == "scancel":
		h.scancel = append(h.scancel, args[len(args)-1])
	case name == "sacct" && len(args) > 0 && args[0] == "-j":
		out = ""
	case name == "sacct":
		out = sacctOutput(time.Now())
	}
	script := fmt.Sprintf("cat <<'EOF'\n%s\nEOF\n", out)
	return exec.CommandContext(ctx, "sh", "-c", script)
}

func (h *harness) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr, func(k string) string { return h.env[k] })
	return code, stdout.String(), stderr.String()
}

func TestCheckJSON(t *testing.T) {
	h := newHarness(t, testConfig)
	code, out, errOut := h.run("--json", "check", "alice")
	require.Equal(t, 0, code, errOut)

	var got struct {
		Cluster      string       `json:"cluster"`
		User         string       `json:"user"`
		UsedGPUHours float64      `json:"used_gpu_hours"`
		Status       model.Status `json:"status"`
		ActiveJobs   int          `json:"active_jobs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "test", got.Cluster)
	assert.Equal(t, "alice", got.User)
	assert.Equal(t, model.StatusExceeded, got.Status)
	assert.Equal(t, 1, got.ActiveJobs)
	assert.InDelta(t, 120, got.UsedGPUHours, 0.5)

	require.NotEmpty(t, h.calls)
	assert.Contains(t, h.calls[0], "-u alice")
	assert.Contains(t, h.calls[0], "--qos=normal")
}

func TestCheckDefaultsToCurrentUser(t *testing.T) {
	h := newHarness(t, testConfig)
	h.env["USER"] = "bob"
	code, out, errOut := h.run()
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "OK")
}

func TestCheckQuietExitCode(t *testing.T) {
	h := newHarness(t, testConfig)

	code, out, _ := h.run("-q", "check", "alice")
	assert.Equal(t, 2, code)
	assert.Empty(t, out)

	code, out, _ = h.run("-q", "check", "bob")
	assert.Equal(t, 0, code)
	assert.Empty(t, out)
}

func TestCheckForecast(t *testing.T) {
	h := newHarness(t, testConfig)
	code, out, errOut := h.run("check", "alice", "--forecast")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Forecast")
	assert.Contains(t, out, "24h0m0s")
}

func TestReportCSV(t *testing.T) {
	h := newHarness(t, testConfig)
	code, out, errOut := h.run("report", "--format", "csv")
	require.Equal(t, 0, code, errOut)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "user,used_gpu_hours,quota_limit,remaining_gpu_hours,usage_percentage,status,active_jobs,total_jobs", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "alice,"), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], ",exceeded,1,1"), lines[1])
	assert.Equal(t, "bob,20,100,80,20,ok,0,1", lines[2])
	assert.Contains(t, h.calls[0], "--allusers")
}

func TestReportJSONToFile(t *testing.T) {
	h := newHarness(t, testConfig)
	path := filepath.Join(h.dir, "report.json")
	code, out, errOut := h.run("--json", "report", "-o", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Report written to "+path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Cluster string      `json:"cluster"`
		QoS     *string     `json:"qos"`
		Users   []reportRow `json:"users"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "test", doc.Cluster)
	require.NotNil(t, doc.QoS)
	assert.Equal(t, "normal", *doc.QoS)
	require.Len(t, doc.Users, 2)
	assert.Equal(t, 20.0, doc.Users[1].UsagePercent)
}

func TestMonitorOnce(t *testing.T) {
	h := newHarness(t, testConfig)
	code, out, errOut := h.run("monitor", "--once")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "alice")
	// bob has no running jobs
	assert.NotContains(t, out, "bob")
}

func TestMonitorOnceEnforceDryRun(t *testing.T) {
	h := newHarness(t, testConfig)
	code, out, errOut := h.run("--enforcement", "--grace-period-hours=0", "monitor", "--once", "--enforce")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "grace-pending")
	assert.Empty(t, h.scancel)
}

func TestMonitorEnforceDisabledInConfig(t *testing.T) {
	h := newHarness(t, testConfig)
	code, out, errOut := h.run("--json", "monitor", "--once", "--enforce")
	require.Equal(t, 0, code, errOut)
	assert.NotContains(t, out, `"enforcement"`)
	assert.Contains(t, errOut, "enforcement requested but disabled")
}

func TestEfficiencyJobNotFound(t *testing.T) {
	h := newHarness(t, testConfig)
	code, _, errOut := h.run("eff", "999")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "job 999 not found")
}

func TestConfigValidate(t *testing.T) {
	h := newHarness(t, testConfig)
	code, out, _ := h.run("config", "validate")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Configuration is valid")

	bad := newHarness(t, testConfig+"monitoring:\n  warning_threshold: 2\n")
	code, out, _ = bad.run("config", "validate")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Configuration is invalid:")
	assert.Contains(t, out, "  - ")
}

func TestConfigPathAndShow(t *testing.T) {
	h := newHarness(t, testConfig+"email:\n  password: hunter2\n")
	code, out, _ := h.run("config", "path")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, h.env["GPUQUOTA_CONFIG"]+" (exists)")

	code, out, errOut := h.run("config", "show")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "default_cluster: test")
	assert.NotContains(t, out, "hunter2")
}

func TestUnknownCluster(t *testing.T) {
	h := newHarness(t, testConfig)
	code, _, errOut := h.run("--cluster", "nope", "check", "alice")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "nope")
}

func TestJSONAndYAMLConflict(t *testing.T) {
	h := newHarness(t, testConfig)
	code, _, errOut := h.run("--json", "--yaml", "check", "alice")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "cannot use both")
}

func TestRenderReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	cl := model.ClusterConfig{Name: "test", QoS: "normal"}
	require.NoError(t, renderReport(&buf, formatTable, cl, nil))
	assert.Contains(t, buf.String(), "GPU usage on test (QoS normal)")
	assert.Contains(t, buf.String(), "No GPU usage in the window.")

	buf.Reset()
	require.NoError(t, renderReport(&buf, formatJSON, model.ClusterConfig{Name: "test"}, nil))
	assert.JSONEq(t, `{"cluster":"test","qos":null,"users":[]}`, buf.String())
}

func TestRowOfRounds(t *testing.T) {
	r := rowOf(model.UsageReport{User: "u", UsedGPUHours: 12.3456, RemainingHours: 87.6544, QuotaLimit: 100, UsagePercent: 0.123456})
	assert.Equal(t, 12.35, r.UsedGPUHours)
	assert.Equal(t, 87.65, r.RemainingHours)
	assert.Equal(t, 12.3, r.UsagePercent)
}

func TestNewLoggerRejectsFileWithoutPath(t *testing.T) {
	_, _, err := newLogger("file", "text", "", slog.LevelInfo, nil, nil)
	assert.Error(t, err)
}
