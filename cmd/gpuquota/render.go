package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"gpuquota/internal/enforce"
	"gpuquota/internal/monitor"
	"gpuquota/internal/pkg/model"
	"gpuquota/internal/stats"
)

type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
	formatYAML  outputFormat = "yaml"
	formatCSV   outputFormat = "csv"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

func hours(v float64) string { return humanize.FormatFloat("#,###.#", v) }

func pct(fraction float64) string { return strconv.FormatFloat(fraction*100, 'f', 1, 64) + "%" }

type checkOutput struct {
	Cluster           string `json:"cluster" yaml:"cluster"`
	model.UsageReport `yaml:",inline"`
	Forecast          []model.ForecastPoint `json:"forecast,omitempty" yaml:"forecast,omitempty"`
}

func (c *cli) renderCheck(out checkOutput, forecast bool) error {
	switch c.format {
	case formatJSON:
		return writeJSON(c.stdout, out)
	case formatYAML:
		return writeYAML(c.stdout, out)
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "User:\t%s\n", out.User)
	fmt.Fprintf(tw, "Cluster:\t%s\n", out.Cluster)
	fmt.Fprintf(tw, "Window:\t%s to %s\n", out.WindowStart.Format(time.DateOnly), out.WindowEnd.Format(time.DateOnly))
	fmt.Fprintf(tw, "Used:\t%s / %s GPU-hours (%s)\n", hours(out.UsedGPUHours), hours(out.QuotaLimit), pct(out.UsagePercent))
	fmt.Fprintf(tw, "Remaining:\t%s GPU-hours\n", hours(out.RemainingHours))
	fmt.Fprintf(tw, "Status:\t%s\n", strings.ToUpper(string(out.Status)))
	fmt.Fprintf(tw, "Jobs:\t%s active, %s in window\n", humanize.Comma(int64(out.ActiveJobs)), humanize.Comma(int64(out.TotalJobs)))
	if err := tw.Flush(); err != nil {
		return err
	}
	if !forecast {
		return nil
	}
	if len(out.Forecast) == 0 {
		_, err := fmt.Fprintln(c.stdout, "\nNo running jobs; nothing to forecast.")
		return err
	}
	fmt.Fprintln(c.stdout, "\nForecast (assuming no new jobs):")
	tw = tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IN\tAT\tAVAILABLE (GPU-h)\tAVAILABLE")
	for _, p := range out.Forecast {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Offset, p.At.Format("2006-01-02 15:04"), hours(p.AvailableHours), pct(p.AvailablePct))
	}
	return tw.Flush()
}

// reportRow is one user of the report in its exported form.
type reportRow struct {
	User           string       `json:"user" yaml:"user"`
	UsedGPUHours   float64      `json:"used_gpu_hours" yaml:"used_gpu_hours"`
	QuotaLimit     float64      `json:"quota_limit" yaml:"quota_limit"`
	RemainingHours float64      `json:"remaining_gpu_hours" yaml:"remaining_gpu_hours"`
	UsagePercent   float64      `json:"usage_percentage" yaml:"usage_percentage"`
	Status         model.Status `json:"status" yaml:"status"`
	ActiveJobs     int          `json:"active_jobs" yaml:"active_jobs"`
	TotalJobs      int          `json:"total_jobs" yaml:"total_jobs"`
}

func rowOf(r model.UsageReport) reportRow {
	return reportRow{
		User:           r.User,
		UsedGPUHours:   round(r.UsedGPUHours, 2),
		QuotaLimit:     r.QuotaLimit,
		RemainingHours: round(r.RemainingHours, 2),
		UsagePercent:   round(r.UsagePercent*100, 1),
		Status:         r.Status,
		ActiveJobs:     r.ActiveJobs,
		TotalJobs:      r.TotalJobs,
	}
}

type reportDoc struct {
	Cluster string      `json:"cluster" yaml:"cluster"`
	QoS     *string     `json:"qos" yaml:"qos"`
	Users   []reportRow `json:"users" yaml:"users"`
}

func renderReport(w io.Writer, format outputFormat, cluster model.ClusterConfig, reports []model.UsageReport) error {
	rows := make([]reportRow, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, rowOf(r))
	}
	doc := reportDoc{Cluster: cluster.Name, Users: rows}
	if cluster.QoS != "" {
		doc.QoS = &cluster.QoS
	}

	switch format {
	case formatJSON:
		return writeJSON(w, doc)
	case formatYAML:
		return writeYAML(w, doc)
	case formatCSV:
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"user", "used_gpu_hours", "quota_limit", "remaining_gpu_hours", "usage_percentage", "status", "active_jobs", "total_jobs"})
		for _, r := range rows {
			_ = cw.Write([]string{
				r.User,
				strconv.FormatFloat(r.UsedGPUHours, 'f', -1, 64),
				strconv.FormatFloat(r.QuotaLimit, 'f', -1, 64),
				strconv.FormatFloat(r.RemainingHours, 'f', -1, 64),
				strconv.FormatFloat(r.UsagePercent, 'f', -1, 64),
				string(r.Status),
				strconv.Itoa(r.ActiveJobs),
				strconv.Itoa(r.TotalJobs),
			})
		}
		cw.Flush()
		return cw.Error()
	}

	title := "GPU usage on " + cluster.Name
	if cluster.QoS != "" {
		title += " (QoS " + cluster.QoS + ")"
	}
	fmt.Fprintln(w, title)
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No GPU usage in the window.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tUSED (GPU-h)\tREMAINING\tUSAGE\tSTATUS\tACTIVE")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", r.User, hours(r.UsedGPUHours), hours(r.RemainingHours), pct(r.UsagePercent), r.Status, r.ActiveJobs)
	}
	return tw.Flush()
}

func (c *cli) renderCycle(cycle *monitor.Cycle) error {
	if c.quiet {
		return nil
	}
	switch c.format {
	case formatJSON:
		return writeJSON(c.stdout, cycle)
	case formatYAML:
		return writeYAML(c.stdout, cycle)
	}

	phases := make(map[string]enforce.Phase)
	if cycle.Enforcement != nil {
		for _, o := range cycle.Enforcement.Outcomes {
			phases[o.User] = o.Phase
		}
	}

	fmt.Fprintf(c.stdout, "%s  %s  cycle %s\n", cycle.Now.Format(time.DateTime), cycle.Cluster, cycle.ID)
	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tUSED (GPU-h)\tREMAINING\tUSAGE\tSTATUS\tACTIVE JOBS\tPHASE")
	shown := 0
	for _, r := range cycle.Reports {
		if r.ActiveJobs == 0 {
			continue
		}
		shown++
		phase := string(phases[r.User])
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", r.User, hours(r.UsedGPUHours), hours(r.RemainingHours), pct(r.UsagePercent), r.Status, r.ActiveJobs, phase)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Fprintln(c.stdout, "No users with running GPU jobs.")
	}

	if cycle.Enforcement == nil {
		return nil
	}
	for _, o := range cycle.Enforcement.Outcomes {
		for _, a := range o.Actions {
			switch {
			case a.Error != "":
				fmt.Fprintf(c.stdout, "FAILED to cancel job %s of %s: %s\n", a.JobID, a.User, a.Error)
			case a.DryRun:
				fmt.Fprintf(c.stdout, "[dry-run] would cancel job %s (%s) of %s, %s GPU-h\n", a.JobID, a.JobName, a.User, hours(a.GPUHours))
			default:
				fmt.Fprintf(c.stdout, "cancelled job %s (%s) of %s, %s GPU-h\n", a.JobID, a.JobName, a.User, hours(a.GPUHours))
			}
		}
	}
	return nil
}

func change(d *float64) string {
	if d == nil {
		return "n/a"
	}
	return fmt.Sprintf("%+.1f%%", *d)
}

func (c *cli) renderStats(rep *stats.Report) error {
	switch c.format {
	case formatJSON:
		return writeJSON(c.stdout, rep)
	case formatYAML:
		return writeYAML(c.stdout, rep)
	}

	fmt.Fprintf(c.stdout, "GPU statistics by %s, %s to %s (%g days", rep.GroupBy,
		rep.CurrentStart.Format(time.DateOnly), rep.End.Format(time.DateOnly), rep.PeriodDays)
	if rep.Excluded > 0 {
		fmt.Fprintf(c.stdout, ", %s jobs excluded", humanize.Comma(int64(rep.Excluded)))
	}
	fmt.Fprintln(c.stdout, ")")
	if len(rep.Groups) == 0 {
		_, err := fmt.Fprintln(c.stdout, "No GPU jobs in the period.")
		return err
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	header := "GROUP\tJOBS\tGPU-H\tMEDIAN WAIT (h)\tLONG WAIT\tSMALL JOBS\tLARGE JOBS\tUTILIZATION"
	compare := len(rep.Groups) > 0 && rep.Groups[0].Change != nil
	if compare {
		header += "\tΔ JOBS\tΔ GPU-H\tΔ WAIT"
	}
	fmt.Fprintln(tw, header)
	for _, g := range rep.Groups {
		util := "-"
		if g.Utilization != nil {
			util = strconv.FormatFloat(*g.Utilization, 'f', 1, 64) + "%"
		}
		cur := g.Current
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%.1f%%\t%d\t%d\t%s",
			g.Name, humanize.Comma(int64(cur.All.JobCount)), hours(cur.All.GPUHours), cur.All.MedianWaitHours,
			cur.All.LongWaitPct, cur.Small.JobCount, cur.Large.JobCount, util)
		if compare && g.Change != nil {
			fmt.Fprintf(tw, "\t%s\t%s\t%s", change(g.Change.All.JobCount), change(g.Change.All.GPUHours), change(g.Change.All.MedianWait))
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.stdout, "Small jobs use at most %g GPU-hours.\n", rep.SmallThreshold)
	return err
}

func (c *cli) renderEfficiency(e stats.Efficiency) error {
	switch c.format {
	case formatJSON:
		return writeJSON(c.stdout, e)
	case formatYAML:
		return writeYAML(c.stdout, e)
	}

	effPct := func(p *float64) string {
		if p == nil {
			return "n/a"
		}
		return strconv.FormatFloat(*p, 'f', 1, 64) + "%"
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Job:\t%s (%s)\n", e.JobID, e.Name)
	fmt.Fprintf(tw, "User:\t%s\n", e.User)
	fmt.Fprintf(tw, "State:\t%s\n", e.State)
	fmt.Fprintf(tw, "Resources:\t%d CPUs, %d GPUs, %s memory\n", e.CPUs, e.GPUs, humanize.IBytes(uint64(max(e.ReqMemBytes, 0))))
	fmt.Fprintf(tw, "Elapsed:\t%s\n", e.Elapsed)
	fmt.Fprintf(tw, "CPU efficiency:\t%s (%s of %s core-time)\n", effPct(e.CPUPct), e.CPUTime, time.Duration(e.CPUs)*e.Elapsed)
	fmt.Fprintf(tw, "Memory efficiency:\t%s (%s peak)\n", effPct(e.MemPct), humanize.IBytes(uint64(max(e.PeakMemBytes, 0))))
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, r := range e.Recommendations {
		fmt.Fprintf(c.stdout, "* %s\n", r)
	}
	return nil
}
