package slurmdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gpuquota/internal/pkg/model"
)

// jobRow is the subset of <cluster>_job_table read for quota accounting,
// joined with the owning association and QoS name.
type jobRow struct {
	IDJob      uint32 `gorm:"column:id_job"`
	JobName    string `gorm:"column:job_name"`
	Account    string `gorm:"column:account"`
	Partition  string `gorm:"column:partition"`
	State      uint64 `gorm:"column:state"`
	TimeSubmit int64  `gorm:"column:time_submit"`
	TimeStart  int64  `gorm:"column:time_start"`
	TimeEnd    int64  `gorm:"column:time_end"`
	TresAlloc  string `gorm:"column:tres_alloc"`
	TresReq    string `gorm:"column:tres_req"`
	CPUsReq    uint32 `gorm:"column:cpus_req"`
	MemReq     uint64 `gorm:"column:mem_req"`
	NodesAlloc uint32 `gorm:"column:nodes_alloc"`
	User       string `gorm:"column:user"`
	QoS        string `gorm:"column:qos"`
}

// Base job states as stored by slurmdbd (state & jobStateBase).
const jobStateBase = 0xff

var baseStates = []model.JobState{
	0:  model.JobPending,
	1:  model.JobRunning,
	2:  model.JobPending, // suspended
	3:  model.JobCompleted,
	4:  model.JobCancelled,
	5:  model.JobFailed,
	6:  model.JobTimeout,
	7:  model.JobFailed,    // node fail
	8:  model.JobCancelled, // preempted
	9:  model.JobFailed,    // boot fail
	10: model.JobFailed,    // deadline
	11: model.JobOutOfMemory,
}

// memPerCPU flags mem_req values that are per CPU rather than per node.
const memPerCPU = uint64(1) << 63

// TRES ids fixed by Slurm.
const (
	tresCPU = 1
	tresMem = 2
)

func baseState(state uint64) (model.JobState, error) {
	base := state & jobStateBase
	if base >= uint64(len(baseStates)) {
		return "", fmt.Errorf("%w: unknown job state %d", model.ErrMalformedData, state)
	}
	return baseStates[base], nil
}

// parseTres parses "1=8,2=32000,4=1,1001=4" into id -> count.
func parseTres(s string) map[int]int64 {
	out := make(map[int]int64)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[id] = n
	}
	return out
}

func epoch(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func (r jobRow) record(gpuTres []int) (model.JobRecord, error) {
	state, err := baseState(r.State)
	if err != nil {
		return model.JobRecord{}, err
	}
	j := model.JobRecord{
		ID:        strconv.FormatUint(uint64(r.IDJob), 10),
		Name:      r.JobName,
		User:      r.User,
		Account:   r.Account,
		QoS:       r.QoS,
		Partition: r.Partition,
		State:     state,
		CPUs:      int(r.CPUsReq),
	}
	if t := epoch(r.TimeSubmit); t != nil {
		j.Submit = *t
	}
	if state != model.JobPending {
		j.Start = epoch(r.TimeStart)
	}
	if state != model.JobPending && state != model.JobRunning {
		j.End = epoch(r.TimeEnd)
	}

	tres := parseTres(r.TresAlloc)
	if len(tres) == 0 {
		tres = parseTres(r.TresReq)
	}
	for _, id := range gpuTres {
		j.GPUs += int(tres[id])
	}
	if n := tres[tresCPU]; n > 0 {
		j.CPUs = int(n)
	}
	switch {
	case r.MemReq&memPerCPU != 0:
		j.ReqMemBytes = int64(r.MemReq&^memPerCPU) * int64(max(j.CPUs, 1)) << 20
	case r.MemReq > 0:
		j.ReqMemBytes = int64(r.MemReq) * int64(max(r.NodesAlloc, 1)) << 20
	case tres[tresMem] > 0:
		j.ReqMemBytes = tres[tresMem] << 20
	}

	if err := j.Validate(); err != nil {
		return model.JobRecord{}, err
	}
	return j, nil
}

// gpuTresIDs returns the tres_table ids of gres/gpu, typed or not. The
// untyped id alone is used when present so typed entries are not counted
// twice.
func (c *Client) gpuTresIDs(ctx context.Context) ([]int, error) {
	type tresRow struct {
		ID   int    `gorm:"column:id"`
		Name string `gorm:"column:name"`
	}
	var rows []tresRow
	if err := c.DB.WithContext(ctx).
		Table("tres_table").
		Select("id", "name").
		Where("type = ? AND deleted = 0 AND (name = ? OR name LIKE ?)", "gres", "gpu", "gpu:%").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	var typed []int
	for _, r := range rows {
		if r.Name == "gpu" {
			return []int{r.ID}, nil
		}
		typed = append(typed, r.ID)
	}
	return typed, nil
}

// FetchJobs reads job records overlapping the filter's time range from
// <ClusterName>_job_table, oldest submission first.
func (c *Client) FetchJobs(ctx context.Context, f model.JobFilter) (model.Jobs, error) {
	if c == nil || c.DB == nil {
		return nil, fmt.Errorf("nil slurmdb Client")
	}
	if strings.TrimSpace(c.ClusterName) == "" {
		return nil, fmt.Errorf("%w: cluster name is empty in slurmdb Client", model.ErrInvalidConfig)
	}
	gpuTres, err := c.gpuTresIDs(ctx)
	if err != nil {
		return nil, &model.SourceError{Source: "slurmdbd", Err: fmt.Errorf("%w: %v", model.ErrCommandFailed, err)}
	}

	jobTable := c.ClusterName + "_job_table"
	assocTable := c.ClusterName + "_assoc_table"
	tx := c.DB.WithContext(ctx).
		Table(jobTable+" AS j").
		Select("j.id_job, j.job_name, j.account, j.`partition`, j.state, j.time_submit, j.time_start, "+
			"j.time_end, j.tres_alloc, j.tres_req, j.cpus_req, j.mem_req, j.nodes_alloc, a.`user` AS `user`, q.name AS qos").
		Joins("LEFT JOIN " + assocTable + " AS a ON a.id_assoc = j.id_assoc").
		Joins("LEFT JOIN qos_table AS q ON q.id = j.id_qos").
		Where("j.deleted = 0")
	if !f.End.IsZero() {
		tx = tx.Where("j.time_submit <= ?", f.End.Unix())
	}
	if !f.Start.IsZero() {
		tx = tx.Where("(j.time_end = 0 OR j.time_end >= ?)", f.Start.Unix())
	}
	if f.User != "" {
		tx = tx.Where("a.`user` = ?", f.User)
	}
	if f.QoS != "" {
		tx = tx.Where("q.name IN ?", splitList(f.QoS))
	}
	if f.Account != "" {
		tx = tx.Where("j.account IN ?", splitList(f.Account))
	}
	if f.Partition != "" {
		tx = tx.Where("j.`partition` IN ?", splitList(f.Partition))
	}

	var rows []jobRow
	if err := tx.Order("j.time_submit").Scan(&rows).Error; err != nil {
		return nil, &model.SourceError{Source: "slurmdbd", Err: fmt.Errorf("%w: %v", model.ErrCommandFailed, err)}
	}

	jobs := make(model.Jobs, 0, len(rows))
	for _, r := range rows {
		j, err := r.record(gpuTres)
		if err != nil {
			return nil, &model.SourceError{Source: "slurmdbd", Err: err}
		}
		jobs = append(jobs, j)
	}
	c.logger.Debug("fetched job records", "count", len(jobs), "cluster", c.ClusterName)
	return jobs, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
