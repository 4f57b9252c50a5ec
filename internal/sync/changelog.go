package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/cmisync/internal/cmis"
	"github.com/tonimelisma/cmisync/internal/config"
)

// IngestResult is the outcome of a change-log ingest pass.
type IngestResult int

// Ingest outcomes.
const (
	// IngestSynced means local and server tokens were equal; no work.
	IngestSynced IngestResult = iota
	// IngestIncremental means a finite triplet batch was produced.
	IngestIncremental
	// IngestEscalate means the change feed is unusable and the caller
	// must fall back to a full crawler-driven sync.
	IngestEscalate
)

// IngestOutput is what a change-log run hands back to the engine.
type IngestOutput struct {
	Result   IngestResult
	Triplets []*Triplet
	NewToken string // token to persist after the processor succeeds
	Reason   string // escalation reason, for logging
}

// changeBuffer accumulates the ordered event lists per object id for one
// run. Write-once per run, drained at ingest completion.
type changeBuffer struct {
	order  []string
	events map[string][]cmis.ChangeEvent
	window time.Duration
}

// filetimeUnit is the 100 ns resolution the coalescing threshold is
// measured in. A 500 ms window is 5,000,000 units.
const filetimeUnit = 100 * time.Nanosecond

// append adds an event to the object's list, coalescing an Updated that
// arrives within the window of the previous event into the later one.
// Events without a timestamp are recorded unconditionally.
func (b *changeBuffer) append(ev cmis.ChangeEvent) {
	list, known := b.events[ev.ObjectID]
	if !known {
		b.order = append(b.order, ev.ObjectID)
	}

	if ev.Type == cmis.ChangeUpdated && len(list) > 0 && !ev.Time.IsZero() {
		prev := list[len(list)-1]
		if !prev.Time.IsZero() && withinWindow(prev.Time, ev.Time, b.window) {
			list[len(list)-1] = ev
			b.events[ev.ObjectID] = list

			return
		}
	}

	b.events[ev.ObjectID] = append(list, ev)
}

// withinWindow compares two event times at 100 ns resolution.
func withinWindow(prev, next time.Time, window time.Duration) bool {
	delta := next.Sub(prev) / filetimeUnit

	return delta >= 0 && delta < window/filetimeUnit
}

// Ingester translates the repository change feed since the last persisted
// token into triplets, or decides the feed is unusable and escalates to a
// full crawl. The incremental path intentionally does not handle content
// updates; any Updated event escalates.
type Ingester struct {
	session Session
	store   Store
	deps    *Dependencies
	filter  Filter
	logger  *slog.Logger

	localRoot       string
	remoteRoot      string // repository path of the sync root, no trailing "/"
	maxPerPage      int
	coalesceWindow  time.Duration
	dropPolicy      config.DropFirstEvent
	caseInsensitive bool
}

// IngesterParams carries the construction inputs for an Ingester.
type IngesterParams struct {
	Session Session
	Store   Store
	Deps    *Dependencies
	Filter  Filter
	Logger  *slog.Logger

	LocalRoot       string
	RemoteRoot      string
	MaxPerPage      int
	CoalesceWindow  time.Duration
	DropPolicy      config.DropFirstEvent
	CaseInsensitive bool
}

// NewIngester creates a change-log ingester for one run.
func NewIngester(p IngesterParams) *Ingester {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Ingester{
		session:         p.Session,
		store:           p.Store,
		deps:            p.Deps,
		filter:          p.Filter,
		logger:          logger,
		localRoot:       p.LocalRoot,
		remoteRoot:      strings.TrimSuffix(p.RemoteRoot, "/"),
		maxPerPage:      p.MaxPerPage,
		coalesceWindow:  p.CoalesceWindow,
		dropPolicy:      p.DropPolicy,
		caseInsensitive: p.CaseInsensitive,
	}
}

// Run executes the ingest pass. Transport failures and unusable feeds
// surface as IngestEscalate; only database corruption is returned as an
// error.
func (ing *Ingester) Run(ctx context.Context) (*IngestOutput, error) {
	localToken, err := ing.store.ChangeLogToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: reading change-log token: %w", err)
	}

	serverToken, err := ing.session.ChangeLogToken(ctx)
	if err != nil {
		if errors.Is(err, cmis.ErrChangeLogUnsupported) {
			return ing.escalate("change log unsupported by repository"), nil
		}

		return ing.escalate("reading server token: " + err.Error()), nil
	}

	if localToken == serverToken {
		ing.logger.Debug("change log: tokens equal, nothing to do", "token", localToken)
		return &IngestOutput{Result: IngestSynced}, nil
	}

	if localToken == "" {
		return ing.escalate("no prior token"), nil
	}

	buffer := &changeBuffer{
		events: make(map[string][]cmis.ChangeEvent),
		window: ing.coalesceWindow,
	}

	newToken, out := ing.fetchAll(ctx, localToken, buffer)
	if out != nil {
		return out, nil
	}

	return ing.dispatch(ctx, buffer, newToken)
}

// fetchAll pages through the change feed, buffering events. Returns the
// final token, or a non-nil escalation output.
func (ing *Ingester) fetchAll(ctx context.Context, token string, buffer *changeBuffer) (string, *IngestOutput) {
	first := true
	latest := token

	for {
		batch, err := ing.session.ContentChanges(ctx, token, ing.maxPerPage)
		if err != nil {
			return "", ing.escalate("fetching changes: " + err.Error())
		}

		events := batch.Events

		// The server returns the last-seen event as the first element of
		// the next page. Whether that holds for the very first page is
		// policy-controlled.
		if len(events) > 0 && (ing.dropPolicy == config.DropFirstAlways || !first) {
			events = events[1:]
		}

		for _, ev := range events {
			buffer.append(ev)
		}

		if batch.HasMore && batch.LatestToken == "" {
			return "", ing.escalate("server too old: paged change log without token")
		}

		if batch.LatestToken != "" {
			latest = batch.LatestToken
		}

		if !batch.HasMore {
			ing.logger.Debug("change log: feed drained",
				"objects", len(buffer.order),
				"new_token", latest,
			)

			return latest, nil
		}

		token = batch.LatestToken
		first = false
	}
}

// dispatch converts the buffered per-object event lists into triplets.
func (ing *Ingester) dispatch(ctx context.Context, buffer *changeBuffer, newToken string) (*IngestOutput, error) {
	var triplets []*Triplet

	produced := make(map[string]bool)
	tentativeParents := make(map[string]bool)

	for _, id := range buffer.order {
		events := buffer.events[id]

		// The incremental path does not handle content updates.
		for _, ev := range events {
			if ev.Type == cmis.ChangeUpdated {
				return ing.escalate("update detected for " + id), nil
			}
		}

		last := events[len(events)-1]
		cleanID := stripIDPrefix(id)

		var (
			t   *Triplet
			err error
		)

		switch last.Type {
		case cmis.ChangeCreated, cmis.ChangeSecurity:
			t, err = ing.dispatchCreated(ctx, cleanID, tentativeParents)
		case cmis.ChangeDeleted:
			t, err = ing.dispatchDeleted(ctx, cleanID, tentativeParents)
		case cmis.ChangeUpdated:
			// Unreachable: handled above.
		}

		if err != nil {
			var repoErr *cmis.RepoError
			if errors.As(err, &repoErr) || isTransient(err) {
				return ing.escalate(err.Error()), nil
			}

			return nil, err
		}

		if t != nil {
			triplets = append(triplets, t)
			produced[t.Name] = true
		}
	}

	// Tentative parents that never appeared as a change event will not be
	// processed and must not block the graph.
	for parent := range tentativeParents {
		if !produced[parent] {
			ing.deps.Release(parent)
		}
	}

	ing.logger.Info("change log: incremental batch ready",
		"triplets", len(triplets),
		"new_token", newToken,
	)

	return &IngestOutput{
		Result:   IngestIncremental,
		Triplets: triplets,
		NewToken: newToken,
	}, nil
}

// dispatchCreated fetches a created (or security-touched) object and
// produces a remote-only triplet. Not-found means a later deletion
// applies, handled via the deleted path.
func (ing *Ingester) dispatchCreated(ctx context.Context, id string, tentativeParents map[string]bool) (*Triplet, error) {
	obj, err := ing.session.Object(ctx, id)
	if err != nil {
		if errors.Is(err, cmis.ErrNotFound) {
			// Normal signal: the object was deleted after this event.
			return ing.dispatchDeleted(ctx, id, tentativeParents)
		}

		return nil, err
	}

	relPath, under := ing.underRoot(obj.Path)
	if !under {
		ing.logger.Debug("change log: object outside sync root", "id", id, "path", obj.Path)
		return nil, nil
	}

	isFolder := obj.IsFolder()
	name := CanonicalName(relPath, isFolder)

	if !ing.filter.ShouldSync(name, isFolder) {
		return nil, nil
	}

	// Creation is order-independent; no dependency edges needed.
	return &Triplet{
		Name:     name,
		IsFolder: isFolder,
		Remote: &RemoteView{
			ID:       obj.ID,
			RelPath:  name,
			Checksum: obj.ContentHash,
			Mtime:    obj.Modified,
			Size:     obj.Size,
		},
	}, nil
}

// dispatchDeleted produces a triplet for a server-side deletion, recording
// the parent-waits-for-child edge so the parent folder is never deleted
// before its contents.
func (ing *Ingester) dispatchDeleted(ctx context.Context, id string, tentativeParents map[string]bool) (*Triplet, error) {
	row, err := ing.store.RowByRemoteID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sync: looking up deleted object %s: %w", id, err)
	}

	if row == nil {
		// Never synced; nothing to do locally.
		return nil, nil
	}

	name := CanonicalName(row.LocalRelPath, row.IsFolder)

	if parent := ParentKey(name); parent != "" {
		ing.deps.Add(parent, name)
		tentativeParents[parent] = true
	}

	return &Triplet{
		Name:     name,
		IsFolder: row.IsFolder,
		DB:       row.DBViewOf(),
		Local: &LocalView{
			AbsPath: filepath.Join(ing.localRoot, filepath.FromSlash(row.LocalRelPath)),
			RelPath: name,
			Missing: true,
		},
	}, nil
}

// underRoot reports whether a repository path falls under the sync root
// and returns the path relative to it.
func (ing *Ingester) underRoot(repoPath string) (string, bool) {
	if repoPath == "" {
		return "", false
	}

	if ing.remoteRoot == "" {
		return strings.TrimPrefix(repoPath, "/"), true
	}

	rel, found := strings.CutPrefix(repoPath, ing.remoteRoot+"/")
	if !found {
		return "", false
	}

	return rel, true
}

// stripIDPrefix keeps only the trailing segment of an object id. Legacy
// servers embed the remote path before the id.
func stripIDPrefix(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}

	return id
}

// escalate builds an escalation output and logs the reason.
func (ing *Ingester) escalate(reason string) *IngestOutput {
	ing.logger.Warn("change log: escalating to full sync", "reason", reason)

	return &IngestOutput{Result: IngestEscalate, Reason: reason}
}
