package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/gogpu/deferred"
	"github.com/gogpu/deferred/ring"
	"github.com/olekukonko/tablewriter"
)

// printReport writes the end-of-run statistics as two tables.
func printReport(w io.Writer, st deferred.Stats, elapsed time.Duration) error {
	title := color.New(color.FgHiCyan, color.Bold)
	title.Fprintf(w, "%d frames in %v (%.0f frames/s)\n",
		st.Frames, elapsed.Round(time.Millisecond), float64(st.Frames)/max(elapsed.Seconds(), 1e-9))

	jobs := tablewriter.NewWriter(w)
	rows := [][]string{
		{"Metric", "Value"},
		{"workers", fmt.Sprint(st.Jobs.Workers)},
		{"slots free", fmt.Sprintf("%d/%d", st.Jobs.Free, st.Jobs.Slots)},
		{"submitted", fmt.Sprint(st.Jobs.Submitted)},
		{"completed", fmt.Sprint(st.Jobs.Completed)},
		{"failed", highlight(st.Jobs.Failed)},
		{"small constants pooled", fmt.Sprint(st.Small.Hits)},
		{"small constants fallback", fmt.Sprint(st.Small.Fallbacks)},
	}
	for _, row := range rows {
		if err := jobs.Append(row); err != nil {
			return fmt.Errorf("append job row: %w", err)
		}
	}
	if err := jobs.Render(); err != nil {
		return fmt.Errorf("render job table: %w", err)
	}

	rings := tablewriter.NewWriter(w)
	if err := rings.Append([]string{"Ring", "Used", "Capacity", "Allocations", "Exhausted", "Stalls"}); err != nil {
		return fmt.Errorf("append ring header: %w", err)
	}
	for _, s := range []ring.Stats{st.Vertex, st.Constant} {
		row := []string{
			s.Label,
			fmt.Sprintf("%d (%.1f%%)", s.Used, 100*float64(s.Used)/float64(max(s.Capacity, 1))),
			fmt.Sprint(s.Capacity),
			fmt.Sprint(s.Allocations),
			highlight(s.Exhausted),
			highlight(s.Stalls),
		}
		if err := rings.Append(row); err != nil {
			return fmt.Errorf("append ring row: %w", err)
		}
	}
	if err := rings.Render(); err != nil {
		return fmt.Errorf("render ring table: %w", err)
	}
	return nil
}

// highlight renders non-zero problem counters in red.
func highlight(n uint64) string {
	if n == 0 {
		return color.New(color.FgGreen).Sprint(n)
	}
	return color.New(color.FgHiRed, color.Bold).Sprint(n)
}
