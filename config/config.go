package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"gpuquota/internal/pkg/model"
)

const (
	// EnvConfig names an explicit config file.
	EnvConfig = "GPUQUOTA_CONFIG"
	// SystemPath is loaded first when no explicit file is given.
	SystemPath = "/etc/gpuquota/config.yaml"
)

type Config struct {
	DefaultCluster string              `yaml:"default_cluster" toml:"default_cluster"`
	Clusters       map[string]*Cluster `yaml:"clusters" toml:"clusters" validate:"dive"`
	Monitoring     Monitoring          `yaml:"monitoring" toml:"monitoring"`
	Enforcement    Enforcement         `yaml:"enforcement" toml:"enforcement"`
	Email          Email               `yaml:"email" toml:"email"`
	State          State               `yaml:"state" toml:"state"`
	Source         Source              `yaml:"source" toml:"source"`
	Slurmdb        Slurmdb             `yaml:"slurmdb" toml:"slurmdb"`
	LDAP           LDAP                `yaml:"ldap" toml:"ldap"`
	Server         Server              `yaml:"server" toml:"server"`
}

// Cluster is one cluster's quota scope. QuotaLimit and RollingWindowDays
// are pointers so that an explicit zero can be told apart from an omitted
// value.
type Cluster struct {
	Name              string   `yaml:"name" toml:"name"`
	Account           string   `yaml:"account,omitempty" toml:"account,omitempty"`
	QoS               []string `yaml:"qos" toml:"qos"`
	Partitions        []string `yaml:"partitions,omitempty" toml:"partitions,omitempty"`
	QuotaLimit        *float64 `yaml:"quota_limit,omitempty" toml:"quota_limit,omitempty" validate:"omitempty,gt=0"`
	RollingWindowDays *int     `yaml:"rolling_window_days,omitempty" toml:"rolling_window_days,omitempty" validate:"omitempty,gt=0"`
}

type Monitoring struct {
	WarningThreshold  float64 `yaml:"warning_threshold" toml:"warning_threshold" validate:"gte=0,lte=1,ltefield=CriticalThreshold"`
	CriticalThreshold float64 `yaml:"critical_threshold" toml:"critical_threshold" validate:"gte=0,lte=1"`
	Interval          string  `yaml:"interval" toml:"interval" validate:"duration"`
}

type Enforcement struct {
	Enabled           bool     `yaml:"enabled" toml:"enabled"`
	DryRun            bool     `yaml:"dry_run" toml:"dry_run"`
	GracePeriodHours  float64  `yaml:"grace_period_hours" toml:"grace_period_hours" validate:"gte=0"`
	CancelOrder       string   `yaml:"cancel_order" toml:"cancel_order" validate:"oneof=lifo fifo"`
	ExemptUsers       []string `yaml:"exempt_users,omitempty" toml:"exempt_users,omitempty"`
	ExemptJobPrefixes []string `yaml:"exempt_job_prefixes,omitempty" toml:"exempt_job_prefixes,omitempty"`
}

type Email struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	SMTPHost string `yaml:"smtp_host,omitempty" toml:"smtp_host,omitempty" validate:"required_if=Enabled true"`
	SMTPPort int    `yaml:"smtp_port" toml:"smtp_port" validate:"gte=0,lte=65535"`
	From     string `yaml:"from,omitempty" toml:"from,omitempty" validate:"required_if=Enabled true"`
	Domain   string `yaml:"domain,omitempty" toml:"domain,omitempty"`
	Username string `yaml:"username,omitempty" toml:"username,omitempty"`
	Password string `yaml:"password,omitempty" toml:"password,omitempty"`
	StartTLS bool   `yaml:"starttls" toml:"starttls"`

	// LookupLDAP resolves recipient addresses through the ldap section.
	LookupLDAP bool `yaml:"lookup_ldap" toml:"lookup_ldap"`
}

type State struct {
	Driver string `yaml:"driver" toml:"driver" validate:"oneof=file memory mysql postgres"`
	Path   string `yaml:"path,omitempty" toml:"path,omitempty"`
	DSN    string `yaml:"dsn,omitempty" toml:"dsn,omitempty" validate:"required_if=Driver mysql,required_if=Driver postgres"`
}

type Source struct {
	Driver string `yaml:"driver" toml:"driver" validate:"oneof=sacct slurmdbd"`
}

type Server struct {
	Addr string `yaml:"addr" toml:"addr"`
}

type Slurmdb struct {
	ClusterName     string `yaml:"cluster_name" toml:"cluster_name"`
	Host            string `yaml:"host" toml:"host"`
	Port            int    `yaml:"port" toml:"port"`
	User            string `yaml:"user" toml:"user"`
	Password        string `yaml:"password,omitempty" toml:"password,omitempty"`
	Database        string `yaml:"database" toml:"database"`
	Charset         string `yaml:"charset,omitempty" toml:"charset,omitempty"`
	ParseTime       bool   `yaml:"parse_time" toml:"parse_time"`
	Loc             string `yaml:"loc,omitempty" toml:"loc,omitempty"`
	TLS             string `yaml:"tls,omitempty" toml:"tls,omitempty"`
	MaxOpenConns    int    `yaml:"max_open_conns,omitempty" toml:"max_open_conns,omitempty"`
	MaxIdleConns    int    `yaml:"max_idle_conns,omitempty" toml:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime,omitempty" toml:"conn_max_lifetime,omitempty"`
}

type LDAP struct {
	Host               string `yaml:"host" toml:"host"`
	Port               int    `yaml:"port" toml:"port"`
	UseTLS             bool   `yaml:"use_tls" toml:"use_tls"`
	StartTLS           bool   `yaml:"start_tls" toml:"start_tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name,omitempty" toml:"server_name,omitempty"`
	RootCAFile         string `yaml:"root_ca_file,omitempty" toml:"root_ca_file,omitempty"`
	ClientCertFile     string `yaml:"client_cert_file,omitempty" toml:"client_cert_file,omitempty"`
	ClientKeyFile      string `yaml:"client_key_file,omitempty" toml:"client_key_file,omitempty"`
	BindDN             string `yaml:"bind_dn,omitempty" toml:"bind_dn,omitempty"`
	BindPassword       string `yaml:"bind_password,omitempty" toml:"bind_password,omitempty"`
	BaseDN             string `yaml:"base_dn" toml:"base_dn"`
	MailAttribute      string `yaml:"mail_attribute,omitempty" toml:"mail_attribute,omitempty"`
	ConnectTimeout     string `yaml:"connect_timeout,omitempty" toml:"connect_timeout,omitempty"`
	ReadTimeout        string `yaml:"read_timeout,omitempty" toml:"read_timeout,omitempty"`
}

const (
	DefaultQuotaLimit        = 500.0
	DefaultRollingWindowDays = 30
)

// Default returns the configuration every file is overlaid on.
func Default() *Config {
	return &Config{
		Clusters: map[string]*Cluster{},
		Monitoring: Monitoring{
			WarningThreshold:  0.8,
			CriticalThreshold: 1.0,
			Interval:          "5m",
		},
		Enforcement: Enforcement{
			DryRun:           true,
			GracePeriodHours: 24,
			CancelOrder:      string(model.CancelLIFO),
		},
		Email:  Email{SMTPPort: 587, StartTLS: true},
		State:  State{Driver: "file"},
		Source: Source{Driver: "sacct"},
		Server: Server{Addr: ":8080"},
		LDAP:   LDAP{Port: 389, MailAttribute: "mail"},
	}
}

// Overlay decodes the file at path onto c. Keys missing from the file keep
// their current value. Files ending in .toml are decoded as TOML, anything
// else as YAML.
func (c *Config) Overlay(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(b, c)
	} else {
		err = yaml.Unmarshal(b, c)
	}
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", model.ErrInvalidConfig, path, err)
	}
	if c.Clusters == nil {
		c.Clusters = map[string]*Cluster{}
	}
	return nil
}

// Getenv matches os.Getenv.
type Getenv func(string) string

// Paths lists the files to overlay in load order. An explicit path (flag,
// then GPUQUOTA_CONFIG) is used alone; otherwise the system file is
// followed by the user file.
func Paths(explicit string, getenv Getenv) []string {
	if explicit != "" {
		return []string{explicit}
	}
	if p := getenv(EnvConfig); p != "" {
		return []string{p}
	}
	return []string{SystemPath, UserPath(getenv)}
}

// UserPath is $XDG_CONFIG_HOME/gpuquota/config.yaml, defaulting to
// ~/.config/gpuquota/config.yaml.
func UserPath(getenv Getenv) string {
	base := getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(homeDir(getenv), ".config")
	}
	return filepath.Join(base, "gpuquota", "config.yaml")
}

// DefaultStatePath is $XDG_STATE_HOME/gpuquota/state.json, defaulting to
// ~/.local/state/gpuquota/state.json.
func DefaultStatePath(getenv Getenv) string {
	base := getenv("XDG_STATE_HOME")
	if base == "" {
		base = filepath.Join(homeDir(getenv), ".local", "state")
	}
	return filepath.Join(base, "gpuquota", "state.json")
}

func homeDir(getenv Getenv) string {
	if h := getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

// Resolve returns the highest-priority config path, the one `config path`
// reports and `config init` style tooling would write.
func Resolve(explicit string, getenv Getenv) string {
	paths := Paths(explicit, getenv)
	return paths[len(paths)-1]
}

// LoadLayered builds the effective configuration: defaults, then each file
// from Paths, then environment overrides, then flag overrides. Missing
// files are skipped unless they were named explicitly. The result is
// validated only after the full merge.
func LoadLayered(explicit string, getenv Getenv, flags Overrides) (*Config, []string, error) {
	cfg := Default()
	paths := Paths(explicit, getenv)
	explicitMode := len(paths) == 1
	var loaded []string
	for _, p := range paths {
		err := cfg.Overlay(p)
		if errors.Is(err, fs.ErrNotExist) && !explicitMode {
			continue
		}
		if err != nil {
			return nil, loaded, err
		}
		loaded = append(loaded, p)
	}

	env, err := EnvOverrides(getenv)
	if err != nil {
		return nil, loaded, err
	}
	env.Apply(cfg)
	flags.Apply(cfg)

	if cfg.State.Driver == "file" && cfg.State.Path == "" {
		cfg.State.Path = DefaultStatePath(getenv)
	}
	if err := cfg.Validate(); err != nil {
		return nil, loaded, err
	}
	return cfg, loaded, nil
}

// ClusterNames returns the configured cluster keys in sorted order.
func (c *Config) ClusterNames() []string {
	names := make([]string, 0, len(c.Clusters))
	for k := range c.Clusters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Cluster resolves the named cluster (or the default one) into the
// read-only view the quota and enforcement code consume.
func (c *Config) Cluster(name string) (model.ClusterConfig, error) {
	if name == "" {
		name = c.DefaultCluster
	}
	if name == "" && len(c.Clusters) == 1 {
		name = c.ClusterNames()[0]
	}
	if name == "" {
		return model.ClusterConfig{}, fmt.Errorf("%w: no cluster selected and no default_cluster set", model.ErrInvalidConfig)
	}
	cl, ok := c.Clusters[name]
	if !ok || cl == nil {
		return model.ClusterConfig{}, fmt.Errorf("%w: unknown cluster %q", model.ErrInvalidConfig, name)
	}

	out := model.ClusterConfig{
		Name:               name,
		Account:            cl.Account,
		QoS:                strings.Join(cl.QoS, ","),
		Partition:          strings.Join(cl.Partitions, ","),
		QuotaLimit:         DefaultQuotaLimit,
		RollingWindowDays:  DefaultRollingWindowDays,
		WarningThreshold:   c.Monitoring.WarningThreshold,
		CriticalThreshold:  c.Monitoring.CriticalThreshold,
		EnforcementEnabled: c.Enforcement.Enabled,
		DryRun:             c.Enforcement.DryRun,
		GracePeriodHours:   c.Enforcement.GracePeriodHours,
		CancelOrder:        model.CancelOrder(c.Enforcement.CancelOrder),
		ExemptUsers:        c.Enforcement.ExemptUsers,
		ExemptJobPrefixes:  c.Enforcement.ExemptJobPrefixes,
	}
	if cl.QuotaLimit != nil {
		out.QuotaLimit = *cl.QuotaLimit
	}
	if cl.RollingWindowDays != nil {
		out.RollingWindowDays = *cl.RollingWindowDays
	}
	if cl.QoS == nil {
		out.QoS = "normal"
	}
	return out, nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	cp.Email.Password = mask(c.Email.Password)
	cp.Slurmdb.Password = mask(c.Slurmdb.Password)
	cp.LDAP.BindPassword = mask(c.LDAP.BindPassword)
	cp.State.DSN = mask(c.State.DSN)
	return &cp
}
