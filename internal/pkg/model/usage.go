package model

import "time"

// Status classifies a user's usage against quota.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusExceeded Status = "exceeded"
)

// UsageReport is one user's usage for one evaluation. It is computed fresh
// on every evaluation and never persisted.
type UsageReport struct {
	User           string    `json:"user" yaml:"user"`
	UsedGPUHours   float64   `json:"used_gpu_hours" yaml:"used_gpu_hours"`
	QuotaLimit     float64   `json:"quota_limit" yaml:"quota_limit"`
	RemainingHours float64   `json:"remaining_gpu_hours" yaml:"remaining_gpu_hours"`
	UsagePercent   float64   `json:"usage_percentage" yaml:"usage_percentage"` // fraction, 1.0 == limit
	Status         Status    `json:"status" yaml:"status"`
	ActiveJobs     int       `json:"active_jobs" yaml:"active_jobs"`
	TotalJobs      int       `json:"total_jobs" yaml:"total_jobs"`
	WindowStart    time.Time `json:"window_start" yaml:"window_start"`
	WindowEnd      time.Time `json:"window_end" yaml:"window_end"`
}

// ForecastPoint is the simulated quota headroom at Offset from now.
type ForecastPoint struct {
	Offset         time.Duration `json:"offset" yaml:"offset"`
	At             time.Time     `json:"at" yaml:"at"`
	AvailableHours float64       `json:"available_gpu_hours" yaml:"available_gpu_hours"`
	AvailablePct   float64       `json:"available_percentage" yaml:"available_percentage"` // fraction
}
