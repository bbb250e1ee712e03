package config

import (
	"fmt"
	"strconv"

	"gpuquota/internal/pkg/model"
)

// Overrides is a sparse set of settings layered over the file
// configuration. Nil fields leave the current value untouched.
type Overrides struct {
	DefaultCluster     *string
	WarningThreshold   *float64
	CriticalThreshold  *float64
	EnforcementEnabled *bool
	DryRun             *bool
	GracePeriodHours   *float64
	CancelOrder        *string
}

// Apply writes every set field onto c.
func (o Overrides) Apply(c *Config) {
	if o.DefaultCluster != nil {
		c.DefaultCluster = *o.DefaultCluster
	}
	if o.WarningThreshold != nil {
		c.Monitoring.WarningThreshold = *o.WarningThreshold
	}
	if o.CriticalThreshold != nil {
		c.Monitoring.CriticalThreshold = *o.CriticalThreshold
	}
	if o.EnforcementEnabled != nil {
		c.Enforcement.Enabled = *o.EnforcementEnabled
	}
	if o.DryRun != nil {
		c.Enforcement.DryRun = *o.DryRun
	}
	if o.GracePeriodHours != nil {
		c.Enforcement.GracePeriodHours = *o.GracePeriodHours
	}
	if o.CancelOrder != nil {
		c.Enforcement.CancelOrder = *o.CancelOrder
	}
}

// Environment variables read by EnvOverrides.
const (
	EnvDefaultCluster     = "GPUQUOTA_DEFAULT_CLUSTER"
	EnvWarningThreshold   = "GPUQUOTA_WARNING_THRESHOLD"
	EnvCriticalThreshold  = "GPUQUOTA_CRITICAL_THRESHOLD"
	EnvEnforcementEnabled = "GPUQUOTA_ENFORCEMENT_ENABLED"
	EnvDryRun             = "GPUQUOTA_DRY_RUN"
	EnvGracePeriodHours   = "GPUQUOTA_GRACE_PERIOD_HOURS"
	EnvCancelOrder        = "GPUQUOTA_CANCEL_ORDER"
)

// EnvOverrides reads the GPUQUOTA_* variables. Unparseable values are a
// configuration error rather than being ignored.
func EnvOverrides(getenv Getenv) (Overrides, error) {
	var o Overrides
	if v := getenv(EnvDefaultCluster); v != "" {
		o.DefaultCluster = &v
	}
	if v := getenv(EnvCancelOrder); v != "" {
		o.CancelOrder = &v
	}
	floats := []struct {
		name string
		dst  **float64
	}{
		{EnvWarningThreshold, &o.WarningThreshold},
		{EnvCriticalThreshold, &o.CriticalThreshold},
		{EnvGracePeriodHours, &o.GracePeriodHours},
	}
	for _, f := range floats {
		v := getenv(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Overrides{}, fmt.Errorf("%w: %s=%q is not a number", model.ErrInvalidConfig, f.name, v)
		}
		*f.dst = &n
	}
	bools := []struct {
		name string
		dst  **bool
	}{
		{EnvEnforcementEnabled, &o.EnforcementEnabled},
		{EnvDryRun, &o.DryRun},
	}
	for _, b := range bools {
		v := getenv(b.name)
		if v == "" {
			continue
		}
		x, err := strconv.ParseBool(v)
		if err != nil {
			return Overrides{}, fmt.Errorf("%w: %s=%q is not a boolean", model.ErrInvalidConfig, b.name, v)
		}
		*b.dst = &x
	}
	return o, nil
}
