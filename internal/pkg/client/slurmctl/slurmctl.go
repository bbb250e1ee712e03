package slurmctl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"gpuquota/internal/pkg/model"
)

// Package-level default Client for convenience wiring.
var defaultClient *Client

// SetDefault sets the package-level default Slurm command Client.
func SetDefault(c *Client) { defaultClient = c }

// Default returns the package-level default Slurm command Client.
func Default() *Client { return defaultClient }

// ExecCommandFunc matches exec.CommandContext so tests can replace it.
type ExecCommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Client talks to Slurm through its command line tools (sacct, scancel,
// scontrol).
type Client struct {
	execCommand ExecCommandFunc
	logger      *slog.Logger
}

// New returns a Client that runs the real Slurm binaries.
func New(logger *slog.Logger) *Client {
	return (&Client{}).Set(exec.CommandContext, logger)
}

func (c *Client) Set(exec ExecCommandFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c.execCommand = exec
	c.logger = logger
	return c
}

// run executes a command and returns its stdout. A non-zero exit becomes a
// SourceError wrapping model.ErrCommandFailed with the command's stderr.
// Stderr of a successful command is logged and otherwise ignored.
func (c *Client) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := c.execCommand(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	c.logger.Debug("exec slurm command", "cmd", cmd.String())
	out, err := cmd.Output()
	msg := strings.TrimSpace(stderr.String())
	if err != nil {
		if msg == "" {
			msg = strings.TrimSpace(string(out))
		}
		c.logger.Error("failed to exec slurm command", "stderr", msg, "cmd", cmd.String(), "err", err)
		return nil, &model.SourceError{
			Source: name,
			Err:    fmt.Errorf("%w: %v: %s", model.ErrCommandFailed, err, msg),
		}
	}
	if msg != "" {
		c.logger.Warn("slurm command wrote to stderr", "cmd", cmd.String(), "stderr", msg)
	}
	return out, nil
}

// CancelJob cancels a job quietly with scancel -Q.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	if jobID == "" || strings.HasPrefix(jobID, "-") {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	if _, err := c.run(ctx, "scancel", "-Q", jobID); err != nil {
		return err
	}
	c.logger.Info("job cancelled", "job_id", jobID)
	return nil
}

// Partition holds the key=value fields of one scontrol partition record.
type Partition map[string]string

// GPUs returns the partition's configured GPU count.
func (p Partition) GPUs() int { return tresGPUs(p["TRES"]) }

// Partitions returns every partition, or only the named ones.
func (c *Client) Partitions(ctx context.Context, names ...string) ([]Partition, error) {
	if len(names) == 0 {
		out, err := c.run(ctx, "scontrol", "show", "partition")
		if err != nil {
			return nil, err
		}
		return parsePartitions(string(out)), nil
	}
	parts := make([]Partition, 0, len(names))
	for _, name := range names {
		out, err := c.run(ctx, "scontrol", "show", "partition", name)
		if err != nil {
			return nil, err
		}
		parts = append(parts, parsePartitions(string(out))...)
	}
	return parts, nil
}

// GPUCapacity returns the number of GPUs configured per partition, read
// from the gres/gpu entry of each partition's TRES.
func (c *Client) GPUCapacity(ctx context.Context, names ...string) (map[string]int, error) {
	parts, err := c.Partitions(ctx, names...)
	if err != nil {
		return nil, err
	}
	capacity := make(map[string]int, len(parts))
	for _, p := range parts {
		name := p["PartitionName"]
		if name == "" {
			continue
		}
		capacity[name] = p.GPUs()
	}
	return capacity, nil
}

// tresGPUs sums the gres/gpu entries of a TRES string such as
// "cpu=72,mem=500G,node=2,billing=72,gres/gpu=8".
func tresGPUs(tres string) int {
	total := 0
	for _, kv := range strings.Split(tres, ",") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || (key != "gres/gpu" && !strings.HasPrefix(key, "gres/gpu:")) {
			continue
		}
		if strings.HasPrefix(key, "gres/gpu:") && strings.Contains(tres, "gres/gpu=") {
			// typed entries are already counted in the untyped total
			continue
		}
		n, err := strconv.Atoi(val)
		if err == nil {
			total += n
		}
	}
	return total
}

// parsePartitions parses scontrol show partition output into one or more
// partitions. Records are separated by blank lines and each line may hold
// several whitespace separated key=value pairs.
func parsePartitions(content string) []Partition {
	parts := make([]Partition, 0)
	current := make(Partition)

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" {
			if len(current) > 0 {
				parts = append(parts, current)
				current = make(Partition)
			}
			continue
		}

		for _, tok := range strings.Fields(trimmed) {
			key, val, ok := strings.Cut(tok, "=")
			if !ok {
				continue
			}
			// a second PartitionName without a blank line starts a new record
			if key == "PartitionName" && current["PartitionName"] != "" {
				parts = append(parts, current)
				current = make(Partition)
			}
			current[key] = val
		}
	}
	if len(current) > 0 {
		parts = append(parts, current)
	}
	return parts
}
