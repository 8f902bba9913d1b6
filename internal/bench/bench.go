// Package bench provides timing primitives for the sdturbine unet bench command.
package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// Sample is what one measured export pass reports about its own work.
type Sample struct {
	Capture time.Duration
	Print   time.Duration
	Ops     int
	Params  int
	Bytes   int
}

// RunResult holds the timing and module size for a single capture-and-print run.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run
	Duration time.Duration
	Sample
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
// An empty slice yields zero stats.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// Run calls fn n times and records each pass. The first run is marked cold.
// clock may be nil.
func Run(n int, clock func() time.Time, fn func() (Sample, error)) ([]RunResult, error) {
	if n < 1 {
		return nil, fmt.Errorf("bench: runs must be at least 1, got %d", n)
	}
	if clock == nil {
		clock = time.Now
	}

	runs := make([]RunResult, 0, n)
	for i := range n {
		start := clock()
		s, err := fn()
		if err != nil {
			return runs, fmt.Errorf("bench run %d: %w", i+1, err)
		}
		runs = append(runs, RunResult{Index: i, Cold: i == 0, Duration: clock().Sub(start), Sample: s})
	}
	return runs, nil
}

// Durations returns the total duration of each run. Cold runs are dropped
// when warmOnly is set and at least one warm run exists.
func Durations(runs []RunResult, warmOnly bool) []time.Duration {
	out := make([]time.Duration, 0, len(runs))
	for _, r := range runs {
		if warmOnly && r.Cold && len(runs) > 1 {
			continue
		}
		out = append(out, r.Duration)
	}
	return out
}

// ---------------------------------------------------------------------------
// Threshold gate
// ---------------------------------------------------------------------------

// CheckMeanThreshold returns an error if mean > threshold.
// A threshold of 0 disables the gate.
func CheckMeanThreshold(mean, threshold time.Duration) error {
	if threshold <= 0 {
		return nil
	}
	if mean > threshold {
		return fmt.Errorf("mean export time %s exceeds threshold %s", mean, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %11s  %9s  %7s  %10s\n", "Run", "Cold", "MS", "Capture(ms)", "Print(ms)", "Ops", "Bytes")
	fmt.Fprintln(sb, strings.Repeat("-", 70))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %11.1f  %9.1f  %7d  %10d\n",
			r.Index+1,
			cold,
			ms(r.Duration),
			ms(r.Capture),
			ms(r.Print),
			r.Ops,
			r.Bytes,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 70))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (min)\n", "", "", ms(stats.Min))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (mean)\n", "", "", ms(stats.Mean))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (max)\n", "", "", ms(stats.Max))

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	CaptureMS  float64 `json:"capture_ms"`
	PrintMS    float64 `json:"print_ms"`
	Ops        int     `json:"ops"`
	Params     int     `json:"params"`
	Bytes      int     `json:"bytes"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:  ms(stats.Min),
			MeanMS: ms(stats.Mean),
			MaxMS:  ms(stats.Max),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: ms(r.Duration),
			CaptureMS:  ms(r.Capture),
			PrintMS:    ms(r.Print),
			Ops:        r.Ops,
			Params:     r.Params,
			Bytes:      r.Bytes,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
