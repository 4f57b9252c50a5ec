package sync

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/cmisync/internal/cmis"
	"github.com/tonimelisma/cmisync/internal/config"
)

// RunMode says which path a sync run took.
type RunMode string

// Run modes.
const (
	ModeSynced      RunMode = "synced"      // tokens equal, nothing to do
	ModeIncremental RunMode = "incremental" // change-log driven
	ModeFull        RunMode = "full"        // crawler driven
)

// RunResult summarizes one sync run.
type RunResult struct {
	Mode       RunMode
	Succeeded  int
	Failed     int
	Errors     []error
	TokenSaved bool
}

// Engine drives complete sync runs: change-log ingest, escalation to a
// full crawl when the feed is unusable, triplet processing, and token
// persistence. One Engine serves many runs; per-run state (dependency
// graph, processor, assembler) is rebuilt each time.
type Engine struct {
	cfg             *config.Config
	session         Session
	store           Store
	filter          Filter
	limiter         *rate.Limiter
	caseInsensitive bool
	logger          *slog.Logger
}

// EngineParams carries the dependencies of NewEngine.
type EngineParams struct {
	Config  *config.Config
	Session Session
	Store   Store
	Filter  Filter
	Limiter *rate.Limiter // nil = unlimited

	// CaseInsensitive folds lookup keys to lower case so that names
	// differing only in case collide. Set from repository capabilities
	// or the ignore_if_same_lowercase_names option.
	CaseInsensitive bool

	Logger *slog.Logger
}

// NewEngine builds a sync engine. A nil logger discards all output.
func NewEngine(p EngineParams) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		cfg:             p.Config,
		session:         p.Session,
		store:           p.Store,
		filter:          p.Filter,
		limiter:         p.Limiter,
		caseInsensitive: p.CaseInsensitive,
		logger:          logger,
	}
}

// Run executes one complete sync pass. The change-log token is advanced
// only when every triplet of the run succeeded, so a partially failed
// run is retried from the same point next time.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	deps := NewDependencies()

	ing := NewIngester(IngesterParams{
		Session:         e.session,
		Store:           e.store,
		Deps:            deps,
		Filter:          e.filter,
		Logger:          e.logger,
		LocalRoot:       e.cfg.Sync.LocalRoot,
		RemoteRoot:      e.cfg.Repository.RemoteRoot,
		MaxPerPage:      e.cfg.Sync.MaxChangesPerPage,
		CoalesceWindow:  e.cfg.CoalesceWindow(),
		DropPolicy:      e.cfg.Sync.DropFirstEventPerBatch,
		CaseInsensitive: e.caseInsensitive,
	})

	out, err := ing.Run(ctx)
	if err != nil {
		return nil, err
	}

	switch out.Result {
	case IngestSynced:
		e.logger.Info("sync: up to date")
		return &RunResult{Mode: ModeSynced}, nil
	case IngestIncremental:
		return e.runIncremental(ctx, deps, out)
	default:
		return e.runFull(ctx, deps)
	}
}

// runIncremental processes the triplet batch the ingester produced.
func (e *Engine) runIncremental(ctx context.Context, deps *Dependencies, out *IngestOutput) (*RunResult, error) {
	e.logger.Info("sync: incremental run", "triplets", len(out.Triplets))

	proc := e.newProcessor(deps)
	asm := e.newAssembler(deps, proc, nil, nil, nil)

	proc.Start(ctx, e.cfg.Transfers.Workers)

	feedErr := asm.PassThrough(ctx, out.Triplets)

	proc.CloseInput()
	proc.Wait()

	if feedErr != nil {
		return nil, feedErr
	}

	return e.finish(ctx, ModeIncremental, proc, out.NewToken)
}

// runFull crawls both sides and processes every assembled triplet. The
// server token is captured before the crawl begins so the next
// incremental run covers anything that changed mid-crawl.
func (e *Engine) runFull(ctx context.Context, deps *Dependencies) (*RunResult, error) {
	e.logger.Info("sync: full run")

	token, err := e.session.ChangeLogToken(ctx)
	if err != nil {
		if !errors.Is(err, cmis.ErrChangeLogUnsupported) {
			e.logger.Warn("sync: could not capture change log token", "error", err)
		}

		token = ""
	}

	buf := newOrderedBuffer()
	local := NewLocalCrawler(
		e.cfg.Sync.LocalRoot, e.store, e.filter,
		e.cfg.Filter.SkipSymlinks, e.caseInsensitive, e.logger,
	)
	remote := NewRemoteCrawler(
		e.session, e.filter, e.cfg.Repository.RemoteRoot,
		e.caseInsensitive, buf, e.logger,
	)

	proc := e.newProcessor(deps)
	asm := e.newAssembler(deps, proc, local, remote, buf)

	proc.Start(ctx, e.cfg.Transfers.Workers)

	crawlErr := asm.Crawl(ctx)

	proc.CloseInput()
	proc.Wait()

	if crawlErr != nil {
		return nil, crawlErr
	}

	return e.finish(ctx, ModeFull, proc, token)
}

// finish collects processor stats and advances the token if, and only
// if, the whole run succeeded.
func (e *Engine) finish(ctx context.Context, mode RunMode, proc *Processor, token string) (*RunResult, error) {
	succeeded, failed, errs := proc.Stats()

	result := &RunResult{
		Mode:      mode,
		Succeeded: succeeded,
		Failed:    failed,
		Errors:    errs,
	}

	if failed > 0 {
		e.logger.Warn("sync: run finished with failures",
			"mode", string(mode), "succeeded", succeeded, "failed", failed)

		return result, nil
	}

	if token != "" {
		if err := e.store.SaveChangeLogToken(ctx, token); err != nil {
			return result, err
		}

		result.TokenSaved = true
	}

	e.logger.Info("sync: run complete",
		"mode", string(mode), "succeeded", succeeded, "token_saved", result.TokenSaved)

	return result, nil
}

func (e *Engine) newProcessor(deps *Dependencies) *Processor {
	return NewProcessor(ProcessorParams{
		Store:      e.store,
		Session:    e.session,
		Deps:       deps,
		Limiter:    e.limiter,
		Logger:     e.logger,
		LocalRoot:  e.cfg.Sync.LocalRoot,
		RemoteRoot: e.cfg.Repository.RemoteRoot,
		QueueCap:   e.cfg.Transfers.QueueCapacity,
	})
}

func (e *Engine) newAssembler(deps *Dependencies, sink tripletSink, local *LocalCrawler, remote *RemoteCrawler, buf *orderedBuffer) *Assembler {
	return NewAssembler(AssemblerParams{
		Session:         e.session,
		Store:           e.store,
		Deps:            deps,
		Sink:            sink,
		Buffer:          buf,
		Local:           local,
		Remote:          remote,
		RemoteRoot:      e.cfg.Repository.RemoteRoot,
		CaseInsensitive: e.caseInsensitive,
		QueueCap:        e.cfg.Transfers.QueueCapacity,
		Logger:          e.logger,
	})
}
