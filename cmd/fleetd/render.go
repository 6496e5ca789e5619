package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/agentfleet/fleetd/internal/events"
	"github.com/agentfleet/fleetd/pkg/client"
)

// colorEnabled reports whether w is a terminal and colour was not disabled.
func colorEnabled(w io.Writer, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// renderEvents consumes rx until every sender is closed. In banner mode each
// event is printed as it arrives; in JSON mode the folded report is printed
// at the end. The report is delivered on the returned channel.
func renderEvents(rx *events.Receiver, w io.Writer, asJSON, color bool) <-chan *events.Report {
	done := make(chan *events.Report, 1)
	go func() {
		rep := events.NewReport()
		banner := events.NewBanner(w, color)
		for ev := range rx.C() {
			rep.Apply(ev)
			if !asJSON {
				banner.Render(ev)
			}
		}
		rep.Finish()
		if asJSON {
			_ = printJSON(w, rep)
		}
		done <- rep
	}()
	return done
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func paint(color bool, c text.Color, s string) string {
	if !color {
		return s
	}
	return c.Sprint(s)
}

func runtimeColor(status string) text.Color {
	switch status {
	case "running":
		return text.FgGreen
	case "starting":
		return text.FgYellow
	case "crashed", "orphaned":
		return text.FgRed
	default:
		return text.FgHiBlack
	}
}

func printServices(w io.Writer, states []client.ServiceState, color bool) {
	if len(states) == 0 {
		_, _ = fmt.Fprintln(w, "no enabled services")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"NAME", "KIND", "RUNTIME", "PORT", "PID", "ACTION", "ERROR"})
	running := 0
	for _, s := range states {
		if s.Runtime == "running" {
			running++
		}
		pid := "-"
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
		}
		t.AppendRow(table.Row{s.Name, s.Kind, paint(color, runtimeColor(s.Runtime), s.Runtime), s.Port, pid, s.Action, s.Error})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d running", running, len(states))})
	t.Render()
}

func printJobs(w io.Writer, jobs []client.JobInfo, color bool) {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "no jobs")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"NAME", "SCHEDULE", "ENABLED", "LAST STATUS", "LAST RUN", "DURATION", "RUNS", "NEXT RUN"})
	for _, j := range jobs {
		status := j.LastStatus
		if j.InFlight {
			status = "running"
		}
		c := text.FgHiBlack
		switch status {
		case "success":
			c = text.FgGreen
		case "failed":
			c = text.FgRed
		case "running":
			c = text.FgYellow
		}
		name := j.Name
		if !j.Known {
			name += " (no handler)"
		}
		t.AppendRow(table.Row{
			name, j.Schedule, j.Enabled, paint(color, c, status),
			formatTime(j.LastRunAt), formatMs(j.LastDurationMs), j.RunCount, formatNext(j.NextRun),
		})
	}
	t.Render()
}

func printReconcile(w io.Writer, res *client.ReconcileResult) {
	if res == nil {
		return
	}
	if len(res.Actions) > 0 {
		t := newTable(w)
		t.AppendHeader(table.Row{"SERVICE", "ACTION", "REASON"})
		for _, a := range res.Actions {
			t.AppendRow(table.Row{a.Name, a.Action, a.Reason})
		}
		t.Render()
	}
	_, _ = fmt.Fprintf(w, "%d/%d services running (pass %s, %s)\n",
		res.Running, res.Required, res.ID, res.Duration.Round(time.Millisecond))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func formatNext(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).String()
}
