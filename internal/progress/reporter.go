package progress

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// TotalYears is the number of requested years.
	TotalYears int

	// Workers is the size of the worker pool.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to print a progress line.
	// Default: 2s
	UpdateInterval time.Duration

	// SourceURL is the index being harvested (for display).
	SourceURL string
}

// Reporter outputs human-readable run progress.
type Reporter struct {
	opts Options

	completed atomic.Int32
	failed    atomic.Int32
	skipped   atomic.Int32
	cancelled atomic.Int32
	inFlight  atomic.Int32
	bytes     atomic.Int64

	mu      sync.Mutex
	active  map[string]struct{}
	start   time.Time
	stopCh  chan struct{}
	stopped bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 2 * time.Second
	}

	return &Reporter{
		opts:   opts,
		active: make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.start = time.Now()

	fmt.Fprintf(r.opts.Output, "[noaaharvest] Harvesting %d years from %s | Workers: %d\n",
		r.opts.TotalYears,
		r.opts.SourceURL,
		r.opts.Workers,
	)

	go r.updateLoop()
}

// Stop stops the reporter and prints the final summary.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
}

// YearStarted marks a year as in-flight.
func (r *Reporter) YearStarted(year string) {
	r.inFlight.Add(1)
	r.mu.Lock()
	r.active[year] = struct{}{}
	r.mu.Unlock()
}

// YearCompleted marks a year as done, recording its aggregated size.
func (r *Reporter) YearCompleted(year string, bytes int64) {
	r.bytes.Add(bytes)
	r.completed.Add(1)
	r.finish(year)
}

// YearFailed marks a year as failed.
func (r *Reporter) YearFailed(year string) {
	r.failed.Add(1)
	r.finish(year)
}

// YearSkipped records an already-present year that was not enqueued.
func (r *Reporter) YearSkipped(year string) {
	r.skipped.Add(1)
}

// YearCancelled records a year that did not complete before termination.
func (r *Reporter) YearCancelled(year string) {
	r.cancelled.Add(1)
	r.finish(year)
}

func (r *Reporter) finish(year string) {
	r.mu.Lock()
	if _, ok := r.active[year]; ok {
		delete(r.active, year)
		r.inFlight.Add(-1)
	}
	r.mu.Unlock()
}

// updateLoop periodically prints the progress display.
func (r *Reporter) updateLoop() {
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) printProgress() {
	done := int(r.completed.Load())
	failed := int(r.failed.Load())
	skipped := int(r.skipped.Load())
	inFlight := int(r.inFlight.Load())

	pending := r.opts.TotalYears - done - failed - skipped - inFlight - int(r.cancelled.Load())
	if pending < 0 {
		pending = 0
	}

	fmt.Fprintf(r.opts.Output, "[noaaharvest] Progress: %d done | %d failed | %d skipped | %d in-flight | %d pending\n",
		done, failed, skipped, inFlight, pending)

	if waiting := r.waitingYears(); len(waiting) > 0 {
		fmt.Fprintf(r.opts.Output, "[noaaharvest] Waiting for: %s\n", joinYears(waiting))
	}
}

func (r *Reporter) printFinalStatus() {
	duration := time.Since(r.start)

	fmt.Fprintf(r.opts.Output, "[noaaharvest] Finished in %s | %s aggregated | %d done | %d failed | %d skipped | %d cancelled\n",
		formatDuration(duration),
		FormatBytes(r.bytes.Load()),
		r.completed.Load(),
		r.failed.Load(),
		r.skipped.Load(),
		r.cancelled.Load(),
	)
}

func (r *Reporter) waitingYears() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	years := make([]string, 0, len(r.active))
	for y := range r.active {
		years = append(years, y)
	}
	sort.Strings(years)
	return years
}

func joinYears(years []string) string {
	s := ""
	for i, y := range years {
		if i > 0 {
			s += ", "
		}
		s += y
	}
	return s
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KiB = 1024
		MiB = KiB * 1024
		GiB = MiB * 1024
	)

	switch {
	case b >= GiB:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(KiB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
