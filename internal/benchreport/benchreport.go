// Package benchreport renders commit-latency histograms for a running or
// finished experiment, supplementing the core engine (which only reports
// commits to its host) with the kind of plot a benchmark run wants to keep.
//
// Grounded on the teacher's own go.mod, which declares go-hep.org/x/hep
// (histogram binning, via hbook) and gonum.org/v1/plot (rendering, via
// hplot) as dependencies; the teacher's retrieved fragment did not include
// whatever benchmark command originally used them, so the binning/plotting
// calls here follow go-hep's documented hbook/hplot usage directly.
package benchreport

import (
	"fmt"
	"os"
	"sort"
	"time"

	"go-hep.org/x/hep/hbook"
	"go-hep.org/x/hep/hplot"
	"gonum.org/v1/plot/vg"
)

// LatencyReport accumulates block-commit latency samples (the wall-clock
// gap between a block's proposal and its commit) and can render them as a
// histogram, or summarize them with simple percentile statistics.
type LatencyReport struct {
	samples []time.Duration
}

// NewLatencyReport returns an empty report.
func NewLatencyReport() *LatencyReport {
	return &LatencyReport{}
}

// Observe records one commit's proposal-to-commit latency.
func (r *LatencyReport) Observe(latency time.Duration) {
	r.samples = append(r.samples, latency)
}

// Count returns the number of recorded samples.
func (r *LatencyReport) Count() int { return len(r.samples) }

// Summary holds simple descriptive statistics over recorded latencies.
type Summary struct {
	Count      int
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
}

// Summarize computes Summary over the recorded samples. Percentiles use the
// nearest-rank method, the same convention the synchrony detector's
// dispersion estimate uses.
func (r *LatencyReport) Summarize() Summary {
	n := len(r.samples)
	if n == 0 {
		return Summary{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, r.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, s := range sorted {
		total += s
	}
	return Summary{
		Count: n,
		Mean:  total / time.Duration(n),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	rank := int((p * float64(n)) + 0.999999) // ceil without importing math
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// Render writes a PNG histogram of the recorded latencies (in
// milliseconds) to path, bucketed into nbins bins spanning the observed
// range.
func (r *LatencyReport) Render(path string, nbins int) error {
	if len(r.samples) == 0 {
		return fmt.Errorf("benchreport: no samples recorded")
	}
	lowMs, highMs := msRange(r.samples)
	h := hbook.NewH1D(nbins, lowMs, highMs)
	for _, s := range r.samples {
		h.Fill(float64(s.Milliseconds()), 1)
	}

	p := hplot.New()
	p.Title.Text = "commit latency"
	p.X.Label.Text = "latency (ms)"
	p.Y.Label.Text = "commits"

	hp, err := hplot.NewH1D(h)
	if err != nil {
		return fmt.Errorf("benchreport: build histogram plot: %w", err)
	}
	p.Add(hp)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("benchreport: save plot: %w", err)
	}
	return nil
}

// WriteSummary writes a short human-readable summary line to path.
func (r *LatencyReport) WriteSummary(path string) error {
	s := r.Summarize()
	line := fmt.Sprintf("commits=%d mean=%s p50=%s p95=%s p99=%s\n", s.Count, s.Mean, s.P50, s.P95, s.P99)
	return os.WriteFile(path, []byte(line), 0644)
}

func msRange(samples []time.Duration) (low, high float64) {
	low = float64(samples[0].Milliseconds())
	high = low
	for _, s := range samples[1:] {
		ms := float64(s.Milliseconds())
		if ms < low {
			low = ms
		}
		if ms > high {
			high = ms
		}
	}
	if high == low {
		high = low + 1
	}
	return low, high
}
