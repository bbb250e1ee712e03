package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xhit/go-str2duration/v2"

	"gpuquota/internal/pkg/model"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// durations accept day and week units, e.g. "1d12h"
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		d, err := str2duration.ParseDuration(s)
		return err == nil && d > 0
	})
	return v
}

// Validate checks the merged configuration and reports every problem at
// once. The returned error wraps model.ErrInvalidConfig.
func (c *Config) Validate() error {
	problems := c.Problems()
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", model.ErrInvalidConfig, strings.Join(problems, "; "))
}

// Problems lists human readable validation failures, empty when valid.
func (c *Config) Problems() []string {
	var out []string
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{err.Error()}
		}
		for _, fe := range verrs {
			out = append(out, describe(fe))
		}
	}
	if c.DefaultCluster != "" {
		if _, ok := c.Clusters[c.DefaultCluster]; !ok {
			out = append(out, fmt.Sprintf("default_cluster %q is not defined under clusters", c.DefaultCluster))
		}
	}
	for _, name := range c.ClusterNames() {
		if c.Clusters[name] == nil {
			out = append(out, fmt.Sprintf("clusters.%s is empty", name))
		}
	}
	if c.Source.Driver == "slurmdbd" && c.Slurmdb.Host == "" {
		out = append(out, "source.driver slurmdbd requires slurmdb.host")
	}
	return out
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s must be %s %s, got %v", field, opWords[fe.Tag()], fe.Param(), fe.Value())
	case "ltefield":
		return fmt.Sprintf("%s must not exceed %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, fe.Param())
	case "duration":
		return fmt.Sprintf("%s is not a valid duration: %q", field, fe.Value())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

var opWords = map[string]string{
	"gt":  "greater than",
	"gte": "at least",
	"lte": "at most",
}
