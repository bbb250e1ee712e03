package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	str2duration "github.com/xhit/go-str2duration/v2"

	"gpuquota/config"
	"gpuquota/internal/app/router"
	"gpuquota/internal/module/enforcement"
	ldapmod "gpuquota/internal/module/ldap"
	"gpuquota/internal/module/metrics"
	"gpuquota/internal/module/slurmctld"
	"gpuquota/internal/module/slurmdb"
	statsmod "gpuquota/internal/module/stats"
	"gpuquota/internal/module/usage"
	"gpuquota/internal/monitor"
	"gpuquota/internal/pkg/client/slurmctl"
	"gpuquota/internal/pkg/model"
	"gpuquota/internal/quota"
	"gpuquota/internal/stats"
)

type commands struct {
	check          *kingpin.CmdClause
	checkUser      *string
	checkForecast  *bool
	report         *kingpin.CmdClause
	reportFormat   *string
	reportOutput   *string
	reportQoS      *string
	reportAccount  *string
	reportPart     *string
	monitor        *kingpin.CmdClause
	monitorOnce    *bool
	monitorEnforce *bool
	monitorEvery   *string
	stats          *kingpin.CmdClause
	statsPeriod    *string
	statsGroup     *string
	statsSmall     *float64
	statsParts     *[]string
	statsQoS       *[]string
	statsNoCompare *bool
	efficiency     *kingpin.CmdClause
	efficiencyJob  *string
	configShow     *kingpin.CmdClause
	configPath     *kingpin.CmdClause
	configValidate *kingpin.CmdClause
	serve          *kingpin.CmdClause
	serveAddr      *string
	serveTimeout   *string
	serveEvery     *string
}

func registerCommands(app *kingpin.Application) *commands {
	c := &commands{}

	c.check = app.Command("check", "Show quota usage of one user (default command).").Default()
	c.checkUser = c.check.Arg("user", "User to check (defaults to $USER)").String()
	c.checkForecast = c.check.Flag("forecast", "Show when quota becomes available again").Short('f').Bool()

	c.report = app.Command("report", "Usage report for every user of the cluster.")
	c.reportFormat = c.report.Flag("format", "Output format").Default("table").Enum("table", "json", "csv", "yaml")
	c.reportOutput = c.report.Flag("output", "Write the report to this file").Short('o').String()
	c.reportQoS = c.report.Flag("qos", "QoS to report on (overrides config)").String()
	c.reportAccount = c.report.Flag("account", "Account to report on (overrides config)").String()
	c.reportPart = c.report.Flag("partition", "Partition to report on (overrides config)").String()

	c.monitor = app.Command("monitor", "Check every user periodically and optionally enforce quotas.")
	c.monitorOnce = c.monitor.Flag("once", "Run a single cycle and exit").Bool()
	c.monitorEnforce = c.monitor.Flag("enforce", "Enforce quotas (requires enforcement.enabled)").Bool()
	c.monitorEvery = c.monitor.Flag("interval", "Time between cycles, e.g. 30s, 5m, 1d (defaults to monitoring.interval)").String()

	c.stats = app.Command("stats", "Cluster-wide GPU usage and queue wait statistics.")
	c.statsPeriod = c.stats.Flag("period", "Length of each compared period").Default("30d").String()
	c.statsGroup = c.stats.Flag("group", "Group by").Default("partition").Enum("partition", "qos")
	c.statsSmall = c.stats.Flag("small-threshold", "GPU-hours at or below which a job is small").Default("50").Float64()
	c.statsParts = c.stats.Flag("partition", "Only these partitions (repeatable)").Short('p').Strings()
	c.statsQoS = c.stats.Flag("qos", "Only these QoS (repeatable)").Strings()
	c.statsNoCompare = c.stats.Flag("no-compare", "Skip the previous period").Bool()

	c.efficiency = app.Command("efficiency", "CPU and memory efficiency of a job.").Alias("eff")
	c.efficiencyJob = c.efficiency.Arg("jobid", "Job ID").Required().String()

	cfg := app.Command("config", "Inspect the configuration.")
	c.configShow = cfg.Command("show", "Print the effective configuration.")
	c.configPath = cfg.Command("path", "Print the configuration file path.")
	c.configValidate = cfg.Command("validate", "Validate the configuration and list every problem.")

	c.serve = app.Command("serve", "Run the monitor loop and serve the HTTP API.")
	c.serveAddr = c.serve.Flag("addr", "Server listen address (e.g. :8080 or 127.0.0.1:8080)").Envar("GPUQUOTA_ADDR").String()
	c.serveTimeout = c.serve.Flag("shutdown-timeout", "Graceful shutdown timeout (e.g. 10s)").Default("10s").Envar("GPUQUOTA_SHUTDOWN_TIMEOUT").String()
	c.serveEvery = c.serve.Flag("interval", "Time between monitor cycles (defaults to monitoring.interval)").String()

	return c
}

func (cmds *commands) dispatch(cmd string, c *cli) error {
	switch cmd {
	case cmds.check.FullCommand():
		return c.runCheck(*cmds.checkUser, *cmds.checkForecast)
	case cmds.report.FullCommand():
		return c.runReport(*cmds.reportFormat, *cmds.reportOutput, *cmds.reportQoS, *cmds.reportAccount, *cmds.reportPart)
	case cmds.monitor.FullCommand():
		return c.runMonitor(*cmds.monitorOnce, *cmds.monitorEnforce, *cmds.monitorEvery)
	case cmds.stats.FullCommand():
		return c.runStats(*cmds.statsPeriod, *cmds.statsGroup, *cmds.statsSmall, *cmds.statsParts, *cmds.statsQoS, !*cmds.statsNoCompare)
	case cmds.efficiency.FullCommand():
		return c.runEfficiency(*cmds.efficiencyJob)
	case cmds.serve.FullCommand():
		return c.runServe(*cmds.serveAddr, *cmds.serveTimeout, *cmds.serveEvery)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (c *cli) currentUser() string {
	if u := c.getenv("USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func (c *cli) runCheck(name string, forecast bool) error {
	if name == "" {
		name = c.currentUser()
	}
	if name == "" {
		return errors.New("cannot determine user, pass one explicitly")
	}
	checker, err := c.checker()
	if err != nil {
		return err
	}
	src, closeSrc, err := c.source()
	if err != nil {
		return err
	}
	defer closeSrc()

	now := c.now()
	jobs, err := c.fetch(context.Background(), src, checker, name, now)
	if err != nil {
		return err
	}

	out := checkOutput{Cluster: c.cluster.Name, UsageReport: checker.Report(jobs, name, now)}
	if forecast {
		out.Forecast, _ = checker.Forecast(jobs, name, now, quota.DefaultHorizons)
	}
	if c.quiet {
		if out.Status == model.StatusExceeded {
			return exitError{code: 2}
		}
		return nil
	}
	return c.renderCheck(out, forecast)
}

func (c *cli) runReport(format, output, qos, account, partition string) error {
	if qos != "" {
		c.cluster.QoS = qos
	}
	if account != "" {
		c.cluster.Account = account
	}
	if partition != "" {
		c.cluster.Partition = partition
	}
	switch {
	case c.format == formatJSON:
		format = string(formatJSON)
	case c.format == formatYAML:
		format = string(formatYAML)
	}

	checker, err := c.checker()
	if err != nil {
		return err
	}
	src, closeSrc, err := c.source()
	if err != nil {
		return err
	}
	defer closeSrc()

	now := c.now()
	jobs, err := c.fetch(context.Background(), src, checker, "", now)
	if err != nil {
		return err
	}
	reports := checker.ReportAll(jobs, now)

	w := c.stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := renderReport(w, outputFormat(format), c.cluster, reports); err != nil {
		return err
	}
	if output != "" && !c.quiet {
		fmt.Fprintf(c.stdout, "Report written to %s\n", output)
	}
	return nil
}

func (c *cli) interval(flag string) (time.Duration, error) {
	s := flag
	if s == "" {
		s = c.cfg.Monitoring.Interval
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: invalid interval %q", model.ErrInvalidConfig, s)
	}
	return d, nil
}

func (c *cli) newMonitor(enforceRequested bool) (*monitor.Monitor, func(), error) {
	checker, err := c.checker()
	if err != nil {
		return nil, nil, err
	}
	src, closeSrc, err := c.source()
	if err != nil {
		return nil, nil, err
	}
	engine, closeEngine, err := c.engine(enforceRequested)
	if err != nil {
		closeSrc()
		return nil, nil, err
	}
	return monitor.New(checker, src, engine, c.logger), func() { closeEngine(); closeSrc() }, nil
}

func (c *cli) runMonitor(once, enforceRequested bool, every string) error {
	m, cleanup, err := c.newMonitor(enforceRequested)
	if err != nil {
		return err
	}
	defer cleanup()

	if once {
		cycle, err := m.RunOnce(context.Background())
		if err != nil {
			return err
		}
		return c.renderCycle(cycle)
	}

	d, err := c.interval(every)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return m.Run(ctx, d, func(cycle *monitor.Cycle) {
		if cycle.Err != nil {
			return
		}
		if err := c.renderCycle(cycle); err != nil {
			c.logger.Error("render cycle", "err", err)
		}
	})
}

func (c *cli) runStats(period, group string, small float64, partitions, qos []string, compare bool) error {
	d, err := str2duration.ParseDuration(period)
	if err != nil || d <= 0 {
		return fmt.Errorf("%w: invalid period %q", model.ErrInvalidConfig, period)
	}
	opts := stats.DefaultOptions()
	opts.Period = d
	opts.GroupBy = stats.GroupBy(group)
	opts.SmallThreshold = small
	opts.Compare = compare

	var scope model.JobFilter
	switch opts.GroupBy {
	case stats.GroupQoS:
		opts.Groups = qos
		scope.Partition = strings.Join(partitions, ",")
	default:
		opts.Groups = partitions
		scope.QoS = strings.Join(qos, ",")
	}

	src, closeSrc, err := c.source()
	if err != nil {
		return err
	}
	defer closeSrc()

	rep, err := stats.Collect(context.Background(), src, c.slurm, scope, c.now(), opts)
	if err != nil {
		return err
	}
	return c.renderStats(rep)
}

func (c *cli) runEfficiency(jobID string) error {
	j, err := c.slurm.FetchJob(context.Background(), strings.TrimSpace(jobID))
	if errors.Is(err, slurmctl.ErrJobNotFound) {
		return fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return err
	}
	return c.renderEfficiency(stats.JobEfficiency(*j, c.now()))
}

func runConfigPath(w io.Writer, explicit string, getenv config.Getenv) error {
	p := config.Resolve(explicit, getenv)
	_, err := os.Stat(p)
	status := "exists"
	if err != nil {
		status = "not found"
	}
	fmt.Fprintf(w, "%s (%s)\n", p, status)
	return nil
}

func runConfigValidate(w io.Writer, loaded []string, err error) error {
	if err != nil {
		fmt.Fprintln(w, "Configuration is invalid:")
		msg := strings.TrimPrefix(err.Error(), model.ErrInvalidConfig.Error()+": ")
		for _, line := range strings.Split(msg, "; ") {
			if line = strings.TrimSpace(line); line != "" {
				fmt.Fprintf(w, "  - %s\n", line)
			}
		}
		return exitError{code: 1}
	}
	if len(loaded) == 0 {
		fmt.Fprintln(w, "No configuration file found; defaults are valid.")
		return nil
	}
	fmt.Fprintf(w, "Configuration is valid (%s).\n", strings.Join(loaded, ", "))
	return nil
}

func (c *cli) runConfigShow() error {
	red := c.cfg.Redacted()
	if c.format == formatJSON {
		return writeJSON(c.stdout, red)
	}
	return writeYAML(c.stdout, red)
}

func (c *cli) runServe(addr, shutdownTimeout, every string) error {
	if addr == "" {
		addr = c.cfg.Server.Addr
	}
	d, err := c.interval(every)
	if err != nil {
		return err
	}
	m, cleanup, err := c.newMonitor(c.cluster.EnforcementEnabled)
	if err != nil {
		return err
	}
	defer cleanup()
	defer c.directory()()
	m.SetMetrics(monitor.NewMetrics(prometheus.DefaultRegisterer))
	monitor.SetDefault(m)
	slurmctl.SetDefault(c.slurm)

	r := router.New(c.logger)
	router.Register(
		usage.Router{},
		enforcement.Router{},
		statsmod.Router{},
		slurmctld.Router{},
		slurmdb.Router{},
		ldapmod.Router{},
		metrics.Router{},
	)
	router.MountAll(r)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Monitor loop in background
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = m.Run(ctx, d, nil)
	}()

	serverErr := make(chan error, 1)
	go func() {
		c.logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		stop()
		<-loopDone
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	c.logger.Info("shutting down server...")

	to, err := time.ParseDuration(shutdownTimeout)
	if err != nil || to <= 0 {
		to = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), to)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		c.logger.Error("server forced to shutdown", "err", err)
	}
	<-loopDone
	c.logger.Info("server exiting")
	return nil
}
