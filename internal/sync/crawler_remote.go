package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
)

// remoteEntry is one recorded remote object in the ordered buffer.
type remoteEntry struct {
	name     string // canonical name, original case
	isFolder bool
	view     *RemoteView
}

// orderedBuffer is the shared insertion-ordered map the remote crawler
// fills and the assembler drains. Insertion order matters: iterating in
// it guarantees parents precede children, because the crawler inserts
// depth-first top-down. A single mutex guards both structures.
type orderedBuffer struct {
	mu      stdsync.Mutex
	keys    []string
	entries map[string]*remoteEntry
}

// newOrderedBuffer creates an empty buffer.
func newOrderedBuffer() *orderedBuffer {
	return &orderedBuffer{entries: make(map[string]*remoteEntry)}
}

// put records an entry under key, preserving first-insertion order.
func (ob *orderedBuffer) put(key string, e *remoteEntry) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.entries[key]; !exists {
		ob.keys = append(ob.keys, key)
	}

	ob.entries[key] = e
}

// get returns the entry for key, or nil.
func (ob *orderedBuffer) get(key string) *remoteEntry {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	return ob.entries[key]
}

// snapshotKeys returns the keys in insertion order.
func (ob *orderedBuffer) snapshotKeys() []string {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	keys := make([]string, len(ob.keys))
	copy(keys, ob.keys)

	return keys
}

// clear drops all entries.
func (ob *orderedBuffer) clear() {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.keys = nil
	ob.entries = make(map[string]*remoteEntry)
}

// RemoteCrawler walks the remote tree depth-first via Children calls,
// inserting every entry into the shared ordered buffer and building a
// private dependency graph (parent remote folder depends on each remote
// child) that the assembler folds into the main graph for remote-only
// folders.
type RemoteCrawler struct {
	session         Session
	filter          Filter
	remoteRoot      string // repository path of the sync root
	caseInsensitive bool
	logger          *slog.Logger

	buf   *orderedBuffer
	rdeps *Dependencies
}

// NewRemoteCrawler creates a crawler that fills buf.
func NewRemoteCrawler(session Session, filter Filter, remoteRoot string, caseInsensitive bool, buf *orderedBuffer, logger *slog.Logger) *RemoteCrawler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &RemoteCrawler{
		session:         session,
		filter:          filter,
		remoteRoot:      remoteRoot,
		caseInsensitive: caseInsensitive,
		logger:          logger,
		buf:             buf,
		rdeps:           NewDependencies(),
	}
}

// RemoteDeps exposes the crawler's private dependency graph.
func (rc *RemoteCrawler) RemoteDeps() *Dependencies {
	return rc.rdeps
}

// Crawl resolves the remote root and walks it depth-first.
func (rc *RemoteCrawler) Crawl(ctx context.Context) error {
	root, err := rc.session.ObjectByPath(ctx, rc.remoteRoot)
	if err != nil {
		return fmt.Errorf("sync: remote crawl: resolving root %q: %w", rc.remoteRoot, err)
	}

	rc.logger.Info("remote crawl: starting", "root", rc.remoteRoot, "root_id", root.ID)

	if err := rc.walkFolder(ctx, root.ID, ""); err != nil {
		return fmt.Errorf("sync: remote crawl: %w", err)
	}

	rc.logger.Info("remote crawl: complete", "entries", len(rc.buf.snapshotKeys()))

	return nil
}

// walkFolder records the children of one folder, then recurses into
// subfolders. parentName is the canonical name of the folder, "" for the
// root.
func (rc *RemoteCrawler) walkFolder(ctx context.Context, folderID, parentName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	children, err := rc.session.Children(ctx, folderID)
	if err != nil {
		return fmt.Errorf("listing folder %s: %w", folderID, err)
	}

	for i := range children {
		child := &children[i]
		isFolder := child.IsFolder()

		name := CanonicalName(parentName+child.Name, isFolder)
		if !rc.filter.ShouldSync(name, isFolder) {
			continue
		}

		rc.buf.put(LookupKey(name, rc.caseInsensitive), &remoteEntry{
			name:     name,
			isFolder: isFolder,
			view: &RemoteView{
				ID:       child.ID,
				RelPath:  name,
				Checksum: child.ContentHash,
				Mtime:    child.Modified,
				Size:     child.Size,
			},
		})

		// Parent folders wait for each remote child, so a pure-remote
		// folder deletion is ordered after its contents.
		if parentName != "" {
			rc.rdeps.Add(parentName, name)
		}

		if isFolder {
			if err := rc.walkFolder(ctx, child.ID, name); err != nil {
				return err
			}
		}
	}

	return nil
}
