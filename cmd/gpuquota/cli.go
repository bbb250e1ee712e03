package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gpuquota/config"
	"gpuquota/internal/enforce"
	"gpuquota/internal/monitor"
	"gpuquota/internal/notify"
	"gpuquota/internal/pkg/client/ldap"
	"gpuquota/internal/pkg/client/slurmctl"
	"gpuquota/internal/pkg/client/slurmdb"
	"gpuquota/internal/pkg/model"
	"gpuquota/internal/quota"
)

// cli is the state shared by every command after configuration loading.
type cli struct {
	cfg     *config.Config
	cluster model.ClusterConfig
	logger  *slog.Logger
	stdout  io.Writer
	getenv  config.Getenv
	format  outputFormat
	quiet   bool
	slurm   *slurmctl.Client
	now     func() time.Time
}

// source returns the configured job record source and a function that
// releases it.
func (c *cli) source() (monitor.Source, func(), error) {
	switch c.cfg.Source.Driver {
	case "slurmdbd":
		dbcfg := c.cfg.Slurmdb
		if dbcfg.ClusterName == "" {
			dbcfg.ClusterName = c.cluster.Name
		}
		db, err := slurmdb.New(dbcfg, c.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect slurmdbd: %w", err)
		}
		slurmdb.SetDefault(db)
		return db, func() { _ = db.Close() }, nil
	default:
		return c.slurm, func() {}, nil
	}
}

func (c *cli) checker() (*quota.Checker, error) {
	return quota.NewChecker(c.cluster)
}

// stateStore opens the configured enforcement state store.
func (c *cli) stateStore() (enforce.StateStore, func(), error) {
	switch c.cfg.State.Driver {
	case "memory":
		return enforce.NewMemoryStore(), func() {}, nil
	case "mysql", "postgres":
		s, err := enforce.OpenGormStore(c.cfg.State.Driver, c.cfg.State.DSN, c.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open state store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := enforce.NewFileStore(c.cfg.State.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open state store: %w", err)
		}
		c.logger.Debug("state file", "path", s.Path())
		return s, func() {}, nil
	}
}

// notifier returns the mailer when email is enabled, a log-only notifier
// otherwise.
func (c *cli) notifier() (enforce.Notifier, func()) {
	if !c.cfg.Email.Enabled {
		return notify.NewLogNotifier(c.logger), func() {}
	}
	var resolver notify.AddressResolver
	cleanup := func() {}
	if c.cfg.Email.LookupLDAP {
		lc, err := ldap.New(c.cfg.LDAP)
		if err != nil {
			c.logger.Warn("ldap unavailable, falling back to mail domain", "err", err)
		} else {
			ldap.SetDefault(lc)
			resolver, cleanup = lc, lc.Close
		}
	}
	m, err := notify.NewMailer(c.cfg.Email, resolver, c.logger)
	if err != nil {
		c.logger.Warn("mail notifications disabled", "err", err)
		cleanup()
		return notify.NewLogNotifier(c.logger), func() {}
	}
	return m, cleanup
}

// directory connects the LDAP client used for address lookups when one is
// configured and none is connected yet.
func (c *cli) directory() func() {
	if ldap.Default() != nil || c.cfg.LDAP.Host == "" {
		return func() {}
	}
	lc, err := ldap.New(c.cfg.LDAP)
	if err != nil {
		c.logger.Warn("ldap unavailable", "err", err)
		return func() {}
	}
	ldap.SetDefault(lc)
	return lc.Close
}

// engine builds the enforcement engine, or nil when enforcement is not
// requested or disabled in the configuration.
func (c *cli) engine(requested bool) (*enforce.Engine, func(), error) {
	if !requested {
		return nil, func() {}, nil
	}
	if !c.cluster.EnforcementEnabled {
		c.logger.Warn("enforcement requested but disabled in configuration; reporting only")
		return nil, func() {}, nil
	}
	store, closeStore, err := c.stateStore()
	if err != nil {
		return nil, nil, err
	}
	n, closeNotifier := c.notifier()
	var canceller enforce.Canceller = c.slurm
	e := enforce.NewEngine(c.cluster, store, canceller, n, c.logger)
	if e.DryRun() {
		c.logger.Info("enforcement in dry-run mode; jobs will not be cancelled")
	}
	return e, func() { closeNotifier(); closeStore() }, nil
}

// fetch loads the records of the cluster's scope in the rolling window
// ending at now. An empty user fetches every user.
func (c *cli) fetch(ctx context.Context, src monitor.Source, checker *quota.Checker, user string, now time.Time) (model.Jobs, error) {
	start, end := checker.Window(now)
	jobs, err := src.FetchJobs(ctx, model.JobFilter{
		User:      user,
		QoS:       c.cluster.QoS,
		Account:   c.cluster.Account,
		Partition: c.cluster.Partition,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("fetched jobs", "count", len(jobs), "cluster", c.cluster.Name)
	return jobs, nil
}
