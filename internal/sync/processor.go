package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// maxRecordedErrors caps the diagnostic error slice. The failed counter
// remains accurate regardless of this cap.
const maxRecordedErrors = 1000

// Processor consumes full triplets from a bounded queue with a fixed
// worker pool, classifies each one, executes the decision, updates the
// database, and releases dependency edges. A folder-deletion triplet
// whose dependencies are unmet is deferred and re-dispatched when a
// completion signal arrives; it is never executed out of order.
type Processor struct {
	store    Store
	session  Session
	deps     *Dependencies
	failures *failureTracker
	limiter  *rate.Limiter
	logger   *slog.Logger

	localRoot  string
	remoteRoot string

	in   chan *Triplet // the bounded full-triplet queue
	work chan *Triplet
	kick chan struct{}

	deferredMu stdsync.Mutex
	deferred   []*Triplet

	inflight atomic.Int64

	workerWG     stdsync.WaitGroup
	dispatcherWG stdsync.WaitGroup

	// folderIDs caches resolved remote folder ids per relative directory.
	folderMu  stdsync.Mutex
	folderIDs map[string]string

	completedMu stdsync.Mutex
	completed   map[string]bool // at-most-once guard per canonical key

	succeeded     atomic.Int32
	failed        atomic.Int32
	errorsMu      stdsync.Mutex
	errors        []error
	droppedErrors atomic.Int64
}

// ProcessorParams carries the construction inputs for a Processor.
type ProcessorParams struct {
	Store      Store
	Session    Session
	Deps       *Dependencies
	Limiter    *rate.Limiter
	Logger     *slog.Logger
	LocalRoot  string
	RemoteRoot string
	QueueCap   int
}

// NewProcessor creates a processor with a bounded input queue. Start must
// be called before Enqueue.
func NewProcessor(p ProcessorParams) *Processor {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	queueCap := p.QueueCap
	if queueCap < 1 {
		queueCap = 1
	}

	return &Processor{
		store:      p.Store,
		session:    p.Session,
		deps:       p.Deps,
		failures:   newFailureTracker(),
		limiter:    p.Limiter,
		logger:     logger,
		localRoot:  p.LocalRoot,
		remoteRoot: p.RemoteRoot,
		in:         make(chan *Triplet, queueCap),
		work:       make(chan *Triplet),
		kick:       make(chan struct{}, 1),
		folderIDs:  make(map[string]string),
		completed:  make(map[string]bool),
	}
}

// Start spawns the dispatcher and a fixed pool of workers.
func (p *Processor) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}

	p.dispatcherWG.Add(1)

	go p.dispatch(ctx)

	for range workers {
		p.workerWG.Add(1)

		go p.worker(ctx)
	}

	p.logger.Info("processor started", "workers", workers)
}

// Enqueue pushes a full triplet onto the bounded queue, blocking while
// the queue is full.
func (p *Processor) Enqueue(ctx context.Context, t *Triplet) error {
	select {
	case p.in <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseInput signals that no further triplets will arrive. The processor
// exits once the queue and the dependency graph drain.
func (p *Processor) CloseInput() {
	close(p.in)
}

// Wait blocks until every triplet, including deferred ones, completes.
func (p *Processor) Wait() {
	p.dispatcherWG.Wait()
	p.workerWG.Wait()
}

// Stats returns execution counters and collected errors.
func (p *Processor) Stats() (succeeded, failed int, errs []error) {
	p.errorsMu.Lock()
	errs = make([]error, len(p.errors))
	copy(errs, p.errors)
	p.errorsMu.Unlock()

	return int(p.succeeded.Load()), int(p.failed.Load()), errs
}

// dispatch merges the input queue with re-dispatched deferred triplets
// into the worker channel. It exits, closing the worker channel, when
// the input is closed, nothing is in flight, and no triplet remains
// deferred. Pending edges always belong to triplets inside the pipeline,
// so a deferred item cannot be stranded.
func (p *Processor) dispatch(ctx context.Context) {
	defer p.dispatcherWG.Done()
	defer close(p.work)

	in := p.in

	for {
		if t := p.takeDispatchable(); t != nil {
			if !p.sendWork(ctx, t) {
				return
			}

			continue
		}

		if in == nil && p.inflight.Load() == 0 && p.deferredLen() == 0 {
			return
		}

		select {
		case t, ok := <-in:
			if !ok {
				in = nil
				continue
			}

			p.inflight.Add(1)

			if !p.sendWork(ctx, t) {
				return
			}

		case <-p.kick:

		case <-ctx.Done():
			return
		}
	}
}

// sendWork hands one triplet to a worker, honoring cancellation.
func (p *Processor) sendWork(ctx context.Context, t *Triplet) bool {
	select {
	case p.work <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// takeDispatchable pops the first deferred triplet whose dependencies are
// settled (ready or poisoned). Returns nil when none qualifies.
func (p *Processor) takeDispatchable() *Triplet {
	p.deferredMu.Lock()
	defer p.deferredMu.Unlock()

	for i, t := range p.deferred {
		if p.deps.IsReady(t.Name) || p.deps.Poisoned(t.Name) {
			p.deferred = append(p.deferred[:i], p.deferred[i+1:]...)
			p.inflight.Add(1)

			return t
		}
	}

	return nil
}

// requeue parks a triplet until a completion signal re-checks its
// dependencies.
func (p *Processor) requeue(t *Triplet) {
	p.deferredMu.Lock()
	p.deferred = append(p.deferred, t)
	p.deferredMu.Unlock()
}

// deferredLen returns the number of parked triplets.
func (p *Processor) deferredLen() int {
	p.deferredMu.Lock()
	defer p.deferredMu.Unlock()

	return len(p.deferred)
}

// signal wakes the dispatcher after a completion or a requeue.
func (p *Processor) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// worker is the main loop of one pool goroutine.
func (p *Processor) worker(ctx context.Context) {
	defer p.workerWG.Done()

	for t := range p.work {
		p.handle(ctx, t)

		p.inflight.Add(-1)
		p.signal()
	}
}

// handle runs one triplet through gate, execution, bookkeeping, and
// dependency release.
func (p *Processor) handle(ctx context.Context, t *Triplet) {
	key := t.Name

	if p.alreadyCompleted(key) {
		p.logger.Debug("processor: key already completed, skipping", "path", key)
		return
	}

	// The dependency graph is the only gate for deletion ordering.
	if t.IsFolder && tripletDeletes(t) {
		if p.deps.Poisoned(key) {
			p.skipPoisoned(ctx, t)
			return
		}

		if !p.deps.IsReady(key) {
			p.logger.Debug("processor: deferring folder deletion",
				"path", key,
				"waiting_on", p.deps.DependenciesOf(key),
			)
			p.requeue(t)

			return
		}
	}

	if ctx.Err() != nil {
		// Canceled: drain without executing. No completion is recorded.
		return
	}

	err := p.execute(ctx, t)
	outcome := p.failures.Classify(key, err)

	switch outcome {
	case OutcomeSucceed:
		p.succeeded.Add(1)
		p.markCompleted(key)
	case OutcomeRetry:
		p.logger.Warn("processor: transient failure, requeueing",
			"path", key,
			"error", err.Error(),
		)
		p.requeue(t)
		p.deps.Remove(ParentKey(key), key, OutcomeRetry)

		return
	case OutcomeFail:
		p.recordFailure(fmt.Errorf("processor: %s: %w", key, err))
		p.markCompleted(key)
	case OutcomePending:
		// Classify never returns Pending.
	}

	p.deps.Remove(ParentKey(key), key, outcome)
}

// skipPoisoned marks a folder whose children failed as skipped, clears
// its edges, and propagates the failure to its own parent.
func (p *Processor) skipPoisoned(_ context.Context, t *Triplet) {
	key := t.Name

	p.logger.Warn("processor: skipping folder with failed children", "path", key)

	p.recordFailure(fmt.Errorf("processor: %s: skipped, child operation failed", key))
	p.markCompleted(key)

	p.deps.Release(key)
	p.deps.Remove(ParentKey(key), key, OutcomeFail)
}

// tripletDeletes reports whether processing t removes something (local,
// remote, or a stale row), which is the class of actions the dependency
// gate applies to.
func tripletDeletes(t *Triplet) bool {
	if t.DB == nil {
		return false
	}

	return t.Local == nil || t.Local.Missing || t.Remote == nil
}

// alreadyCompleted reports the at-most-once guard state for key.
func (p *Processor) alreadyCompleted(key string) bool {
	p.completedMu.Lock()
	defer p.completedMu.Unlock()

	return p.completed[key]
}

// markCompleted records that key reached a terminal outcome.
func (p *Processor) markCompleted(key string) {
	p.completedMu.Lock()
	p.completed[key] = true
	p.completedMu.Unlock()
}

// recordFailure increments the failed counter and appends a diagnostic
// error, capped at maxRecordedErrors.
func (p *Processor) recordFailure(err error) {
	if err == nil {
		return
	}

	p.failed.Add(1)

	p.errorsMu.Lock()
	if len(p.errors) >= maxRecordedErrors {
		p.droppedErrors.Add(1)
	} else {
		p.errors = append(p.errors, err)
	}
	p.errorsMu.Unlock()

	p.logger.Error("processor: operation failed", "error", err.Error())
}
