package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cmisync/internal/cmis"
)

// tripletSink receives full triplets exactly once per canonical key. The
// processor implements it.
type tripletSink interface {
	Enqueue(ctx context.Context, t *Triplet) error
}

// Assembler joins semi-triplets into full triplets and pushes each key to
// the processor exactly once. In crawler mode it consumes the local
// crawler's output while the remote crawler fills the shared ordered
// buffer concurrently; in change-log mode it passes the ingester's
// triplets through, enriching them with the DB view.
type Assembler struct {
	session         Session
	store           Store
	deps            *Dependencies
	sink            tripletSink
	remoteRoot      string
	caseInsensitive bool
	queueCap        int
	logger          *slog.Logger

	buf    *orderedBuffer
	local  *LocalCrawler
	remote *RemoteCrawler

	processed map[string]bool // lookup keys already emitted this run
}

// AssemblerParams carries the construction inputs for an Assembler.
type AssemblerParams struct {
	Session         Session
	Store           Store
	Deps            *Dependencies
	Sink            tripletSink
	Buffer          *orderedBuffer
	Local           *LocalCrawler
	Remote          *RemoteCrawler
	RemoteRoot      string
	CaseInsensitive bool
	QueueCap        int
	Logger          *slog.Logger
}

// NewAssembler creates an assembler for one run.
func NewAssembler(p AssemblerParams) *Assembler {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Assembler{
		session:         p.Session,
		store:           p.Store,
		deps:            p.Deps,
		sink:            p.Sink,
		remoteRoot:      strings.TrimSuffix(p.RemoteRoot, "/"),
		caseInsensitive: p.CaseInsensitive,
		queueCap:        p.QueueCap,
		logger:          logger,
		buf:             p.Buffer,
		local:           p.Local,
		remote:          p.Remote,
		processed:       make(map[string]bool),
	}
}

// PassThrough is change-log mode: the ingester's triplets are already
// full enough; enrich with the DB view when only a remote id is known,
// deduplicate by key, and emit.
func (a *Assembler) PassThrough(ctx context.Context, triplets []*Triplet) error {
	for _, t := range triplets {
		key := LookupKey(t.Name, a.caseInsensitive)
		if a.processed[key] {
			continue
		}

		if t.DB == nil && t.Remote != nil {
			row, err := a.store.RowByRemoteID(ctx, t.Remote.ID)
			if err != nil {
				return fmt.Errorf("sync: assembler: enriching %q: %w", t.Name, err)
			}

			if row != nil {
				t.DB = row.DBViewOf()
			}
		}

		if err := a.emit(ctx, t, key); err != nil {
			return err
		}
	}

	return nil
}

// Crawl is crawler mode: run the remote crawler concurrently, consume the
// local crawler's semi-triplets inline, then sweep the ordered buffer for
// remote-only leftovers.
func (a *Assembler) Crawl(ctx context.Context) error {
	semi := make(chan *Triplet, a.queueCap)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.remote.Crawl(gctx)
	})

	g.Go(func() error {
		defer close(semi)
		return a.local.Crawl(gctx, semi)
	})

	g.Go(func() error {
		return a.consumeLocal(gctx, semi)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if err := a.sweepRemote(ctx); err != nil {
		return err
	}

	a.buf.clear()

	a.logger.Info("assembler: crawl join complete", "keys", len(a.processed))

	return nil
}

// consumeLocal joins each local semi-triplet with the remote view: from
// the ordered buffer when the remote crawler has already recorded the
// key, otherwise by a direct path lookup.
func (a *Assembler) consumeLocal(ctx context.Context, semi <-chan *Triplet) error {
	for t := range semi {
		key := LookupKey(t.Name, a.caseInsensitive)

		if a.processed[key] {
			// Two local names colliding on a case-insensitive server.
			// Emit the duplicate for deterministic conflict-rename.
			t.CaseCollision = true

			if err := a.emitCollision(ctx, t, key); err != nil {
				return err
			}

			continue
		}

		if entry := a.buf.get(key); entry != nil {
			t.Remote = entry.view
		} else if err := a.joinRemoteByPath(ctx, t); err != nil {
			return err
		}

		if err := a.emit(ctx, t, key); err != nil {
			return err
		}
	}

	return nil
}

// joinRemoteByPath performs the direct GetObjectByPath join for a key the
// remote crawler has not recorded: the DB's remote path when known, else
// the assumed-mirror path derived from the local relative path. Not-found
// leaves the remote view absent (a local-only item).
func (a *Assembler) joinRemoteByPath(ctx context.Context, t *Triplet) error {
	rel := strings.TrimSuffix(t.Name, "/")
	if t.DB != nil && t.DB.RemoteRelPath != "" {
		rel = strings.TrimSuffix(t.DB.RemoteRelPath, "/")
	}

	obj, err := a.session.ObjectByPath(ctx, a.remoteRoot+"/"+rel)
	if err != nil {
		if errors.Is(err, cmis.ErrNotFound) {
			return nil
		}

		return fmt.Errorf("sync: assembler: remote lookup for %q: %w", t.Name, err)
	}

	t.Remote = &RemoteView{
		ID:       obj.ID,
		RelPath:  t.Name,
		Checksum: obj.ContentHash,
		Mtime:    obj.Modified,
		Size:     obj.Size,
	}

	return nil
}

// sweepRemote iterates the ordered buffer in insertion order and emits a
// remote-only full triplet for every key the local consumer did not
// claim. Remote-only folders fold their crawler dependency edges into the
// main graph.
func (a *Assembler) sweepRemote(ctx context.Context) error {
	for _, key := range a.buf.snapshotKeys() {
		if a.processed[key] {
			continue
		}

		entry := a.buf.get(key)
		if entry == nil {
			continue
		}

		t := &Triplet{
			Name:     entry.name,
			IsFolder: entry.isFolder,
			Remote:   entry.view,
		}

		row, err := a.store.RowByRemoteID(ctx, entry.view.ID)
		if err != nil {
			return fmt.Errorf("sync: assembler: enriching %q: %w", entry.name, err)
		}

		if row != nil {
			t.DB = row.DBViewOf()
		}

		if entry.isFolder {
			a.deps.Merge(a.remote.RemoteDeps(), entry.name)
		}

		if err := a.emit(ctx, t, key); err != nil {
			return err
		}
	}

	return nil
}

// emit records the parent-waits-for-child edge and pushes the triplet
// downstream. Every item emitted in crawler mode registers under its
// parent so folder deletions drain after their contents; non-deletion
// items simply clear their edge on completion.
func (a *Assembler) emit(ctx context.Context, t *Triplet, key string) error {
	if !t.Valid() {
		return fmt.Errorf("sync: assembler: triplet %q has no views", t.Name)
	}

	if parent := ParentKey(t.Name); parent != "" {
		a.deps.Add(parent, t.Name)
	}

	a.processed[key] = true

	return a.sink.Enqueue(ctx, t)
}

// emitCollision pushes a case-collision duplicate without claiming the
// key a second time.
func (a *Assembler) emitCollision(ctx context.Context, t *Triplet, key string) error {
	a.logger.Warn("assembler: case collision", "path", t.Name, "key", key)

	return a.sink.Enqueue(ctx, t)
}
