package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"

	"gpuquota/config"
	"gpuquota/internal/pkg/client/slurmctl"
)

// exitError carries a non-zero exit status that is not a failure, such as
// a quiet check of an exceeded quota.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// newSlurmClient is replaced in tests.
var newSlurmClient = func(logger *slog.Logger) *slurmctl.Client { return slurmctl.New(logger) }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

func run(args []string, stdout, stderr io.Writer, getenv config.Getenv) int {
	app := kingpin.New("gpuquota", "Slurm GPU quota tracking and enforcement.")
	app.Version(version.Print("gpuquota"))
	app.HelpFlag.Short('h')
	app.UsageWriter(stderr)
	app.ErrorWriter(stderr)

	// Global flags
	var (
		configFile = app.Flag("config", "Path to a YAML or TOML config file").Short('c').String()
		cluster    = app.Flag("cluster", "Cluster to use (overrides default_cluster)").String()
		jsonOut    = app.Flag("json", "Output as JSON").Bool()
		yamlOut    = app.Flag("yaml", "Output as YAML").Bool()
		verbose    = app.Flag("verbose", "Enable debug logging").Short('v').Bool()
		quiet      = app.Flag("quiet", "Suppress non-error output").Short('q').Bool()
		logFormat  = app.Flag("log-format", "Log format").Default("text").Envar("GPUQUOTA_LOG_FORMAT").Enum("text", "json")
		logOutput  = app.Flag("log-output", "Log output destination").Default("stderr").Envar("GPUQUOTA_LOG_OUTPUT").Enum("stdout", "stderr", "file")
		logFile    = app.Flag("log-file", "Log file path (used when --log-output=file)").Envar("GPUQUOTA_LOG_FILE").String()
	)

	// Policy overrides, applied after the config files and environment
	var (
		flags                          config.Overrides
		warnSet, critSet, graceSet     bool
		enabledSet, dryRunSet, cordSet bool
	)
	warning := app.Flag("warning-threshold", "Warning threshold as a fraction of the quota").IsSetByUser(&warnSet).Float64()
	critical := app.Flag("critical-threshold", "Critical threshold as a fraction of the quota").IsSetByUser(&critSet).Float64()
	enabled := app.Flag("enforcement", "Enable enforcement").IsSetByUser(&enabledSet).Bool()
	dryRun := app.Flag("dry-run", "Only log cancellations").IsSetByUser(&dryRunSet).Bool()
	grace := app.Flag("grace-period-hours", "Hours between first exceeding the quota and cancellation").IsSetByUser(&graceSet).Float64()
	cancelOrder := app.Flag("cancel-order", "Which jobs are cancelled first").IsSetByUser(&cordSet).Enum("lifo", "fifo")

	cmds := registerCommands(app)

	cmd, err := app.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "gpuquota: %v\n", err)
		return 1
	}

	level := slog.LevelInfo
	switch {
	case *verbose:
		level = slog.LevelDebug
	case *quiet:
		level = slog.LevelWarn
	}
	logger, cleanup, err := newLogger(*logOutput, *logFormat, *logFile, level, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to setup logger: %v\n", err)
		return 1
	}
	defer cleanup()

	if cmd == cmds.configPath.FullCommand() {
		return finish(stderr, runConfigPath(stdout, *configFile, getenv))
	}

	if *cluster != "" {
		flags.DefaultCluster = cluster
	}
	if warnSet {
		flags.WarningThreshold = warning
	}
	if critSet {
		flags.CriticalThreshold = critical
	}
	if enabledSet {
		flags.EnforcementEnabled = enabled
	}
	if dryRunSet {
		flags.DryRun = dryRun
	}
	if graceSet {
		flags.GracePeriodHours = grace
	}
	if cordSet {
		flags.CancelOrder = cancelOrder
	}

	cfg, loaded, err := config.LoadLayered(*configFile, getenv, flags)
	if cmd == cmds.configValidate.FullCommand() {
		return finish(stderr, runConfigValidate(stdout, loaded, err))
	}
	if err != nil {
		logger.Error("failed to load config", "paths", config.Paths(*configFile, getenv), "err", err)
		return 1
	}
	logger.Debug("config loaded", "files", loaded)

	format := formatTable
	switch {
	case *jsonOut && *yamlOut:
		fmt.Fprintln(stderr, "gpuquota: cannot use both --json and --yaml")
		return 1
	case *jsonOut:
		format = formatJSON
	case *yamlOut:
		format = formatYAML
	}

	c := &cli{
		cfg:    cfg,
		logger: logger,
		stdout: stdout,
		getenv: getenv,
		format: format,
		quiet:  *quiet,
		slurm:  newSlurmClient(logger),
		now:    time.Now,
	}
	if cmd == cmds.configShow.FullCommand() {
		return finish(stderr, c.runConfigShow())
	}
	c.cluster, err = cfg.Cluster("")
	if err != nil {
		logger.Error("failed to select cluster", "err", err)
		return 1
	}
	return finish(stderr, cmds.dispatch(cmd, c))
}

func finish(stderr io.Writer, err error) int {
	var ee exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.code
	default:
		fmt.Fprintf(stderr, "gpuquota: %v\n", err)
		return 1
	}
}

func newLogger(logOutput, logFormat, logFile string, level slog.Level, stdout, stderr io.Writer) (*slog.Logger, func(), error) {
	var w io.Writer
	var closer io.Closer
	switch logOutput {
	case "stderr", "":
		w = stderr
	case "stdout":
		w = stdout
	case "file":
		if logFile == "" {
			return nil, nil, fmt.Errorf("--log-file is required when --log-output=file")
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = f
		closer = f
	default:
		return nil, nil, fmt.Errorf("unsupported log output: %s", logOutput)
	}

	var handler slog.Handler
	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: false})
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, AddSource: false})
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s", logFormat)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	cleanup := func() {
		if closer != nil {
			_ = closer.Close()
		}
	}
	return logger, cleanup, nil
}
