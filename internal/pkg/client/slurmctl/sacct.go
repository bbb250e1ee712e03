package slurmctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gpuquota/internal/pkg/model"
)

// sacctTimeLayout is the timestamp format accepted by sacct -S/-E.
const sacctTimeLayout = "2006-01-02T15:04:05"

// number decodes the sacct JSON numeric encodings: a bare number or an
// object {"set": bool, "infinite": bool, "number": n}.
type number struct {
	Set      bool
	Infinite bool
	Value    int64
}

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = number{}
		return nil
	}
	if b[0] == '{' {
		var obj struct {
			Set      bool    `json:"set"`
			Infinite bool    `json:"infinite"`
			Number   float64 `json:"number"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*n = number{Set: obj.Set, Infinite: obj.Infinite, Value: int64(obj.Number)}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number{Set: true, Value: int64(f)}
	return nil
}

// timestamp returns nil for unset, infinite or zero epoch values.
func (n number) timestamp() *time.Time {
	if !n.Set || n.Infinite || n.Value <= 0 {
		return nil
	}
	t := time.Unix(n.Value, 0).UTC()
	return &t
}

// stateList accepts both "RUNNING" and ["RUNNING"].
type stateList []string

func (s *stateList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = stateList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type tresEntry struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	ID    int    `json:"id"`
	Count number `json:"count"`
}

type sacctJob struct {
	JobID     int64  `json:"job_id"`
	Name      string `json:"name"`
	User      string `json:"user"`
	Account   string `json:"account"`
	QoS       string `json:"qos"`
	Partition string `json:"partition"`
	Nodes     number `json:"allocation_nodes"`
	State     struct {
		Current stateList `json:"current"`
	} `json:"state"`
	Time struct {
		Submission number `json:"submission"`
		Start      number `json:"start"`
		End        number `json:"end"`
		Elapsed    number `json:"elapsed"`
		Total      struct {
			Seconds      int64 `json:"seconds"`
			Microseconds int64 `json:"microseconds"`
		} `json:"total"`
	} `json:"time"`
	Tres struct {
		Allocated []tresEntry `json:"allocated"`
		Requested []tresEntry `json:"requested"`
	} `json:"tres"`
	Required struct {
		CPUs          number `json:"CPUs"`
		MemoryPerCPU  number `json:"memory_per_cpu"`
		MemoryPerNode number `json:"memory_per_node"`
	} `json:"required"`
	Steps []struct {
		Tres struct {
			Requested struct {
				Max []tresEntry `json:"max"`
			} `json:"requested"`
		} `json:"tres"`
	} `json:"steps"`
}

type sacctResponse struct {
	Jobs []sacctJob `json:"jobs"`
}

// FetchJobs returns allocation records overlapping the filter's time range,
// one per job, in the order sacct reports them.
func (c *Client) FetchJobs(ctx context.Context, f model.JobFilter) (model.Jobs, error) {
	out, err := c.run(ctx, "sacct", sacctArgs(f)...)
	if err != nil {
		return nil, err
	}
	jobs, err := parseSacctJSON(out)
	if err != nil {
		return nil, &model.SourceError{Source: "sacct", Err: err}
	}
	c.logger.Debug("fetched job records", "count", len(jobs), "user", f.User, "qos", f.QoS)
	return jobs, nil
}

func sacctArgs(f model.JobFilter) []string {
	args := []string{"-X", "--json"}
	if !f.Start.IsZero() {
		args = append(args, "-S", f.Start.Local().Format(sacctTimeLayout))
	}
	if !f.End.IsZero() {
		args = append(args, "-E", f.End.Local().Format(sacctTimeLayout))
	}
	if f.QoS != "" {
		args = append(args, "--qos="+f.QoS)
	}
	if f.Account != "" {
		args = append(args, "--account="+f.Account)
	}
	if f.Partition != "" {
		args = append(args, "--partition="+f.Partition)
	}
	if f.User != "" {
		args = append(args, "-u", f.User)
	} else {
		args = append(args, "--allusers")
	}
	return args
}

// parseSacctJSON validates sacct --json output into job records. Any
// record that cannot be represented fails the whole batch with
// model.ErrMalformedData.
func parseSacctJSON(data []byte) (model.Jobs, error) {
	var resp sacctResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode sacct json: %v", model.ErrMalformedData, err)
	}
	jobs := make(model.Jobs, 0, len(resp.Jobs))
	for _, sj := range resp.Jobs {
		j, err := sj.record()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (sj sacctJob) record() (model.JobRecord, error) {
	if sj.JobID <= 0 {
		return model.JobRecord{}, fmt.Errorf("%w: job without id", model.ErrMalformedData)
	}
	id := strconv.FormatInt(sj.JobID, 10)
	if len(sj.State.Current) == 0 {
		return model.JobRecord{}, fmt.Errorf("%w: job %s has no state", model.ErrMalformedData, id)
	}
	state, err := model.ParseJobState(sj.State.Current[0])
	if err != nil {
		return model.JobRecord{}, fmt.Errorf("job %s: %w", id, err)
	}

	j := model.JobRecord{
		ID:        id,
		Name:      sj.Name,
		User:      sj.User,
		Account:   sj.Account,
		QoS:       sj.QoS,
		Partition: sj.Partition,
		State:     state,
		CPUTime:   time.Duration(sj.Time.Total.Seconds)*time.Second + time.Duration(sj.Time.Total.Microseconds)*time.Microsecond,
	}
	if t := sj.Time.Submission.timestamp(); t != nil {
		j.Submit = *t
	}
	if state != model.JobPending {
		j.Start = sj.Time.Start.timestamp()
	}
	if state != model.JobPending && state != model.JobRunning {
		j.End = sj.Time.End.timestamp()
	}

	tres := sj.Tres.Allocated
	if len(tres) == 0 {
		tres = sj.Tres.Requested
	}
	for _, t := range tres {
		switch {
		case t.Type == "gres" && (t.Name == "gpu" || strings.HasPrefix(t.Name, "gpu:")):
			if t.Name == "gpu" || !hasUntypedGPU(tres) {
				j.GPUs += int(t.Count.Value)
			}
		case t.Type == "cpu":
			j.CPUs = int(t.Count.Value)
		case t.Type == "mem" && j.ReqMemBytes == 0:
			j.ReqMemBytes = t.Count.Value << 20
		}
	}
	if j.CPUs == 0 && sj.Required.CPUs.Set {
		j.CPUs = int(sj.Required.CPUs.Value)
	}
	if mem := requiredMemMB(sj); mem > 0 {
		j.ReqMemBytes = mem << 20
	}
	for _, step := range sj.Steps {
		for _, t := range step.Tres.Requested.Max {
			if t.Type == "mem" && t.Count.Value > j.PeakMemBytes {
				j.PeakMemBytes = t.Count.Value
			}
		}
	}

	if err := j.Validate(); err != nil {
		return model.JobRecord{}, err
	}
	return j, nil
}

func hasUntypedGPU(tres []tresEntry) bool {
	for _, t := range tres {
		if t.Type == "gres" && t.Name == "gpu" {
			return true
		}
	}
	return false
}

// requiredMemMB returns the requested memory in MiB from memory_per_node
// or memory_per_cpu, whichever is set.
func requiredMemMB(sj sacctJob) int64 {
	r := sj.Required
	switch {
	case r.MemoryPerNode.Set && !r.MemoryPerNode.Infinite && r.MemoryPerNode.Value > 0:
		nodes := sj.Nodes.Value
		if nodes <= 0 {
			nodes = 1
		}
		return r.MemoryPerNode.Value * nodes
	case r.MemoryPerCPU.Set && !r.MemoryPerCPU.Infinite && r.MemoryPerCPU.Value > 0:
		cpus := r.CPUs.Value
		if cpus <= 0 {
			cpus = 1
		}
		return r.MemoryPerCPU.Value * cpus
	}
	return 0
}
