package model

import (
	"strings"
	"time"
)

// CancelOrder picks which of a user's jobs is cancelled first.
type CancelOrder string

const (
	CancelLIFO CancelOrder = "lifo"
	CancelFIFO CancelOrder = "fifo"
)

// ClusterConfig is the validated, read-only view of one cluster's quota and
// enforcement policy.
type ClusterConfig struct {
	Name              string
	Account           string
	QoS               string
	Partition         string
	QuotaLimit        float64
	RollingWindowDays int
	WarningThreshold  float64
	CriticalThreshold float64

	EnforcementEnabled bool
	DryRun             bool
	GracePeriodHours   float64
	CancelOrder        CancelOrder
	ExemptUsers        []string
	ExemptJobPrefixes  []string
}

// Window returns the rolling window length.
func (c ClusterConfig) Window() time.Duration {
	return time.Duration(c.RollingWindowDays) * 24 * time.Hour
}

// GracePeriod returns the grace period length.
func (c ClusterConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodHours * float64(time.Hour))
}

// IsExemptUser reports whether user never has jobs cancelled.
func (c ClusterConfig) IsExemptUser(user string) bool {
	for _, u := range c.ExemptUsers {
		if u == user {
			return true
		}
	}
	return false
}

// IsExemptJob reports whether the job's name or id starts with an exempt prefix.
func (c ClusterConfig) IsExemptJob(j JobRecord) bool {
	for _, p := range c.ExemptJobPrefixes {
		if p == "" {
			continue
		}
		if strings.HasPrefix(j.Name, p) || strings.HasPrefix(j.ID, p) {
			return true
		}
	}
	return false
}

// EnforcementState is the per-user state that survives process restarts.
type EnforcementState struct {
	Cluster       string     `json:"cluster"`
	User          string     `json:"user"`
	FirstExceeded *time.Time `json:"first_exceeded,omitempty"`
	LastStatus    Status     `json:"last_status"`
	LastEvaluated time.Time  `json:"last_evaluated"`
}
