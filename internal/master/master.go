package master

import (
	"context"
	"sync"
	"time"

	"gocloud.dev/blob"

	"github.com/veldt/noaaharvest/internal/index"
	"github.com/veldt/noaaharvest/internal/pipeline"
	"github.com/veldt/noaaharvest/internal/progress"
)

// Options configures a run.
type Options struct {
	// Years is the ordered set of requested years.
	Years []string

	// Workers is the size of the worker pool.
	Workers int

	// RunTimeMax is the wall-clock budget for the whole run. Zero means
	// the deadline has already passed and every task is cancelled.
	RunTimeMax time.Duration

	// PollingTimeout is the interval between poll cycles.
	PollingTimeout time.Duration

	// TerminateTimeout is the grace period granted to in-flight tasks
	// after the terminate signal before they are abandoned.
	TerminateTimeout time.Duration

	// Force re-processes years whose destination already exists.
	Force bool

	// Compress appends a .gz suffix to destinations and gzip-encodes them.
	Compress bool

	// Reporter is an optional progress reporter.
	Reporter *progress.Reporter
}

// result is a worker's terminal report for one task.
type result struct {
	year  string
	state State
	bytes int64
	err   error
}

// stageUpdate is a worker's non-terminal stage report for one task.
type stageUpdate struct {
	year  string
	state State
}

// Master owns the task table and the worker pool for one run.
type Master struct {
	resolver *index.Resolver
	pipe     *pipeline.Pipeline
	bucket   *blob.Bucket
	opts     Options

	// states and errs are mutated only from the Run goroutine.
	states map[string]State
	errs   map[string]error
}

// New creates a master for one run.
func New(resolver *index.Resolver, pipe *pipeline.Pipeline, bucket *blob.Bucket, opts Options) *Master {
	return &Master{
		resolver: resolver,
		pipe:     pipe,
		bucket:   bucket,
		opts:     opts,
		states:   make(map[string]State, len(opts.Years)),
		errs:     make(map[string]error),
	}
}

// Run executes the whole harvest. It returns an error only for
// run-fatal conditions (index resolution failure); task failures are
// reflected in the summary instead.
func (m *Master) Run(ctx context.Context) (*Summary, error) {
	deadline := time.Now().Add(m.opts.RunTimeMax)

	listing, err := m.resolver.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	tasks := m.plan(ctx, listing)
	if len(tasks) == 0 {
		return m.summary(), nil
	}

	runCtx, cancelRun := context.WithDeadline(ctx, deadline)
	defer cancelRun()

	// Queue: filled up front, dequeue is the channel receive.
	jobs := make(chan pipeline.Task, len(tasks))
	for _, t := range tasks {
		jobs <- t
	}
	close(jobs)

	results := make(chan result, len(tasks))
	status := make(chan stageUpdate, m.opts.Workers*4)

	var wg sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(runCtx, jobs, results, status)
		}()
	}

	// Poll loop: drain results and stage updates, check the deadline
	// each cycle.
	pending := len(tasks)
	ticker := time.NewTicker(m.opts.PollingTimeout)
	defer ticker.Stop()

	for pending > 0 {
		select {
		case r := <-results:
			m.record(r)
			pending--
		case u := <-status:
			m.advance(u.year, u.state)
		case <-ticker.C:
			if time.Now().After(deadline) {
				return m.terminate(results, pending), nil
			}
		case <-runCtx.Done():
			return m.terminate(results, pending), nil
		}
	}

	wg.Wait()
	return m.summary(), nil
}

// plan builds the task list from the listing: absent years fail with
// ErrYearNotFound, existing destinations are skipped before enqueue.
func (m *Master) plan(ctx context.Context, listing index.Listing) []pipeline.Task {
	var tasks []pipeline.Task
	for _, year := range m.opts.Years {
		m.states[year] = StatePending

		source, err := m.resolver.Lookup(listing, year)
		if err != nil {
			m.states[year] = StateFailed
			m.errs[year] = err
			if m.opts.Reporter != nil {
				m.opts.Reporter.YearFailed(year)
			}
			continue
		}

		dest := year
		if m.opts.Compress {
			dest += ".gz"
		}

		if !m.opts.Force {
			exists, err := m.bucket.Exists(ctx, dest)
			if err == nil && exists {
				m.states[year] = StateSkipped
				if m.opts.Reporter != nil {
					m.opts.Reporter.YearSkipped(year)
				}
				continue
			}
		}

		tasks = append(tasks, pipeline.Task{
			Year:     year,
			Source:   source,
			Dest:     dest,
			Compress: m.opts.Compress,
			Force:    m.opts.Force,
		})
	}
	return tasks
}

// worker pulls tasks until the queue closes. Once the run context is
// cancelled, remaining queued tasks are reported cancelled without
// starting their pipelines.
func (m *Master) worker(ctx context.Context, jobs <-chan pipeline.Task, results chan<- result, status chan<- stageUpdate) {
	for t := range jobs {
		if ctx.Err() != nil {
			results <- result{year: t.Year, state: StateCancelled, err: ctx.Err()}
			continue
		}

		m.sendStatus(status, t.Year, StateAssigned)
		if m.opts.Reporter != nil {
			m.opts.Reporter.YearStarted(t.Year)
		}

		bytes, err := m.pipe.Run(ctx, t, func(s pipeline.Stage) {
			m.sendStatus(status, t.Year, stageState(s))
		})

		switch {
		case err == nil:
			if m.opts.Reporter != nil {
				m.opts.Reporter.YearCompleted(t.Year, bytes)
			}
			results <- result{year: t.Year, state: StateDone, bytes: bytes}
		case ctx.Err() != nil:
			if m.opts.Reporter != nil {
				m.opts.Reporter.YearCancelled(t.Year)
			}
			results <- result{year: t.Year, state: StateCancelled, err: err}
		default:
			if m.opts.Reporter != nil {
				m.opts.Reporter.YearFailed(t.Year)
			}
			results <- result{year: t.Year, state: StateFailed, err: err}
		}
	}
}

// sendStatus posts a stage update without blocking; updates are advisory
// and may be dropped when the buffer is full.
func (m *Master) sendStatus(status chan<- stageUpdate, year string, state State) {
	select {
	case status <- stageUpdate{year: year, state: state}:
	default:
	}
}

// terminate drains terminal results for up to the grace period, then
// marks everything still unfinished as cancelled. Workers past the grace
// period are abandoned; their destination writes abort with the context.
func (m *Master) terminate(results <-chan result, pending int) *Summary {
	grace := time.NewTimer(m.opts.TerminateTimeout)
	defer grace.Stop()

	for pending > 0 {
		select {
		case r := <-results:
			m.record(r)
			pending--
		case <-grace.C:
			m.cancelRemaining()
			return m.summary()
		}
	}

	return m.summary()
}

// cancelRemaining marks every non-terminal task cancelled.
func (m *Master) cancelRemaining() {
	for year, s := range m.states {
		if s.Terminal() {
			continue
		}
		m.states[year] = StateCancelled
		if m.opts.Reporter != nil && s == StatePending {
			m.opts.Reporter.YearCancelled(year)
		}
	}
}

// record stores a worker's terminal result.
func (m *Master) record(r result) {
	m.advance(r.year, r.state)
	if r.err != nil {
		m.errs[r.year] = r.err
	}
}

// advance moves a task's state forward; stale or backward updates are
// ignored so terminal states are never overwritten.
func (m *Master) advance(year string, next State) {
	cur, ok := m.states[year]
	if !ok || cur.Terminal() {
		return
	}
	if stateRank[next] <= stateRank[cur] {
		return
	}
	m.states[year] = next
}

// summary computes the final per-state counts.
func (m *Master) summary() *Summary {
	s := &Summary{
		Years:  make(map[string]State, len(m.states)),
		Errors: make(map[string]error, len(m.errs)),
	}
	for year, state := range m.states {
		s.Years[year] = state
		switch state {
		case StateDone:
			s.Done++
		case StateFailed:
			s.Failed++
		case StateSkipped:
			s.Skipped++
		case StateCancelled:
			s.Cancelled++
		}
	}
	for year, err := range m.errs {
		s.Errors[year] = err
	}
	return s
}

// stageState maps a pipeline stage to the task state it implies.
func stageState(s pipeline.Stage) State {
	switch s {
	case pipeline.StageFetch:
		return StateFetching
	case pipeline.StageExtract:
		return StateExtracting
	case pipeline.StageAggregate:
		return StateAggregating
	default:
		return StateAssigned
	}
}
