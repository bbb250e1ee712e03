package slurmctl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gpuquota/internal/pkg/model"
)

// ErrJobNotFound is returned by FetchJob when sacct knows no such job.
var ErrJobNotFound = errors.New("job not found")

// sacct -P field order used by FetchJob.
const jobFields = "JobID,JobName,User,Account,Partition,QoS,State,AllocCPUS,TotalCPU,ReqMem,MaxRSS,AllocTRES,Submit,Start,End"

const numJobFields = 15

// FetchJob returns one job with its CPU time and peak memory, which sacct
// only reports on the job's steps. The allocation line provides the
// record, step lines contribute their MaxRSS.
func (c *Client) FetchJob(ctx context.Context, jobID string) (*model.JobRecord, error) {
	if jobID == "" || strings.HasPrefix(jobID, "-") {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	out, err := c.run(ctx, "sacct", "-j", jobID, "-n", "-P", "-o", jobFields)
	if err != nil {
		return nil, err
	}
	j, err := parseJobLines(out, jobID)
	if err != nil {
		var se *model.SourceError
		if errors.Is(err, ErrJobNotFound) || errors.As(err, &se) {
			return nil, err
		}
		return nil, &model.SourceError{Source: "sacct", Err: err}
	}
	return j, nil
}

func parseJobLines(out []byte, jobID string) (*model.JobRecord, error) {
	var job *model.JobRecord
	var peak int64
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != numJobFields {
			return nil, fmt.Errorf("%w: sacct line has %d fields, want %d", model.ErrMalformedData, len(fields), numJobFields)
		}
		if rss, err := parseMem(fields[10], 'K'); err == nil && rss > peak {
			peak = rss
		}
		if fields[0] != jobID {
			continue
		}
		j, err := jobFromFields(fields)
		if err != nil {
			return nil, err
		}
		job = j
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if peak > job.PeakMemBytes {
		job.PeakMemBytes = peak
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

func jobFromFields(f []string) (*model.JobRecord, error) {
	state, err := model.ParseJobState(f[6])
	if err != nil {
		return nil, err
	}
	cpus, _ := strconv.Atoi(f[7])
	cpuTime, err := parseSlurmDuration(f[8])
	if err != nil {
		return nil, err
	}
	reqMem, err := parseMem(f[9], 'M')
	if err != nil {
		return nil, err
	}
	j := &model.JobRecord{
		ID:          f[0],
		Name:        f[1],
		User:        f[2],
		Account:     f[3],
		Partition:   f[4],
		QoS:         f[5],
		State:       state,
		CPUs:        cpus,
		CPUTime:     cpuTime,
		ReqMemBytes: reqMem,
		GPUs:        tresGPUs(f[11]),
	}
	if t := parseSlurmTime(f[12]); t != nil {
		j.Submit = *t
	}
	if state != model.JobPending {
		j.Start = parseSlurmTime(f[13])
	}
	if state != model.JobPending && state != model.JobRunning {
		j.End = parseSlurmTime(f[14])
	}
	return j, nil
}

// parseSlurmTime parses sacct's local-time timestamps. "Unknown", "None"
// and empty values yield nil.
func parseSlurmTime(s string) *time.Time {
	t, err := time.ParseInLocation(sacctTimeLayout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return nil
	}
	return &t
}

// parseSlurmDuration parses [DD-][HH:]MM:SS[.mmm].
func parseSlurmDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var days int
	if d, rest, ok := strings.Cut(s, "-"); ok {
		n, err := strconv.Atoi(d)
		if err != nil {
			return 0, fmt.Errorf("%w: duration %q", model.ErrMalformedData, s)
		}
		days, s = n, rest
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: duration %q", model.ErrMalformedData, s)
	}
	var total time.Duration
	for i, p := range parts {
		if i == len(parts)-1 {
			sec, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: duration %q", model.ErrMalformedData, s)
			}
			total = total*60 + time.Duration(sec*float64(time.Second))
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("%w: duration %q", model.ErrMalformedData, s)
		}
		total = total*60 + time.Duration(n)*time.Second
	}
	return time.Duration(days)*24*time.Hour + total, nil
}

// parseMem parses Slurm memory sizes such as "32G", "4096M", "512000K" or
// "4000Mn". Bare numbers use defaultUnit. Empty values are 0.
func parseMem(s string, defaultUnit byte) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	// legacy per-node/per-cpu suffix
	s = strings.TrimRight(s, "nc")
	if s == "" {
		return 0, fmt.Errorf("%w: memory size without value", model.ErrMalformedData)
	}
	unit := defaultUnit
	if last := s[len(s)-1]; last < '0' || last > '9' {
		unit = last
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: memory size %q", model.ErrMalformedData, s)
	}
	var mult float64
	switch unit {
	case 'K', 'k':
		mult = 1 << 10
	case 'M', 'm':
		mult = 1 << 20
	case 'G', 'g':
		mult = 1 << 30
	case 'T', 't':
		mult = 1 << 40
	default:
		return 0, fmt.Errorf("%w: memory unit %q", model.ErrMalformedData, string(unit))
	}
	return int64(v * mult), nil
}
