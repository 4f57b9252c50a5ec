package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalCrawler walks the local tree depth-first and emits semi-triplets
// carrying the local view plus, when the database records the entry, the
// DB view. After the walk it emits DB-only semi-triplets for rows whose
// file no longer exists on disk, so local deletions are detected.
type LocalCrawler struct {
	root            string
	store           Store
	filter          Filter
	skipSymlinks    bool
	caseInsensitive bool
	logger          *slog.Logger

	seen map[string]bool // lookup keys emitted during the walk
}

// NewLocalCrawler creates a crawler over the tree rooted at root.
func NewLocalCrawler(root string, store Store, filter Filter, skipSymlinks, caseInsensitive bool, logger *slog.Logger) *LocalCrawler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &LocalCrawler{
		root:            root,
		store:           store,
		filter:          filter,
		skipSymlinks:    skipSymlinks,
		caseInsensitive: caseInsensitive,
		logger:          logger,
	}
}

// Crawl walks the tree and sends semi-triplets to out. The caller owns
// closing out after Crawl returns.
func (lc *LocalCrawler) Crawl(ctx context.Context, out chan<- *Triplet) error {
	lc.seen = make(map[string]bool)

	lc.logger.Info("local crawl: starting", "root", lc.root)

	if err := lc.walkDir(ctx, "", out); err != nil {
		return fmt.Errorf("sync: local crawl: %w", err)
	}

	if err := lc.emitOrphans(ctx, out); err != nil {
		return fmt.Errorf("sync: local crawl orphan pass: %w", err)
	}

	lc.logger.Info("local crawl: complete", "entries", len(lc.seen))

	return nil
}

// walkDir recurses depth-first through one directory.
func (lc *LocalCrawler) walkDir(ctx context.Context, rel string, out chan<- *Triplet) error {
	fullPath := filepath.Join(lc.root, filepath.FromSlash(rel))

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return fmt.Errorf("reading directory %q: %w", fullPath, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		childRel := entry.Name()
		if rel != "" {
			childRel = rel + "/" + entry.Name()
		}

		isDir := entry.IsDir()
		name := CanonicalName(childRel, isDir)

		if !lc.filter.ShouldSync(name, isDir) {
			continue
		}

		if entry.Type()&os.ModeSymlink != 0 {
			if lc.skipSymlinks {
				lc.logger.Debug("local crawl: skipping symlink", "path", childRel)
				continue
			}

			// Followed symlinks sync their target content as a file.
			isDir = false
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", childRel, err)
		}

		t, err := lc.buildTriplet(ctx, name, childRel, isDir, info.Size(), info.ModTime())
		if err != nil {
			return err
		}

		if err := sendTriplet(ctx, out, t); err != nil {
			return err
		}

		lc.seen[LookupKey(name, lc.caseInsensitive)] = true

		if isDir {
			if err := lc.walkDir(ctx, childRel, out); err != nil {
				return err
			}
		}
	}

	return nil
}

// buildTriplet assembles the local semi-triplet, joining the DB view when
// the database records the path.
func (lc *LocalCrawler) buildTriplet(ctx context.Context, name, rel string, isDir bool, size int64, mtime time.Time) (*Triplet, error) {
	t := &Triplet{
		Name:     name,
		IsFolder: isDir,
		Local: &LocalView{
			AbsPath: filepath.Join(lc.root, filepath.FromSlash(rel)),
			RelPath: name,
			Size:    size,
			Mtime:   mtime,
		},
	}

	return t, lc.joinDB(ctx, t)
}

// joinDB attaches the DB view to a local semi-triplet when present.
func (lc *LocalCrawler) joinDB(ctx context.Context, t *Triplet) error {
	row, err := lc.store.RowByLocalPath(ctx, strings.TrimSuffix(t.Name, "/"))
	if err != nil {
		return fmt.Errorf("looking up %q: %w", t.Name, err)
	}

	if row != nil {
		t.DB = row.DBViewOf()
	}

	return nil
}

// emitOrphans walks the database's local paths and emits DB-only
// semi-triplets for entries absent from the walk, so pure-local deletions
// become visible to the assembler.
func (lc *LocalCrawler) emitOrphans(ctx context.Context, out chan<- *Triplet) error {
	paths, err := lc.store.ListLocalPaths(ctx)
	if err != nil {
		return fmt.Errorf("listing database paths: %w", err)
	}

	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		row, err := lc.store.RowByLocalPath(ctx, rel)
		if err != nil {
			return fmt.Errorf("looking up %q: %w", rel, err)
		}

		if row == nil {
			continue
		}

		name := CanonicalName(rel, row.IsFolder)
		if lc.seen[LookupKey(name, lc.caseInsensitive)] {
			continue
		}

		// A row absent from the walk but still on disk was excluded by a
		// filter, not deleted. Emitting it would read as a local deletion
		// and propagate to the repository.
		if _, err := os.Lstat(filepath.Join(lc.root, filepath.FromSlash(rel))); err == nil {
			lc.logger.Debug("local crawl: filtered entry still on disk, skipping", "path", name)
			continue
		}

		lc.logger.Debug("local crawl: database-only entry", "path", name)

		t := &Triplet{
			Name:     name,
			IsFolder: row.IsFolder,
			DB:       row.DBViewOf(),
		}

		if err := sendTriplet(ctx, out, t); err != nil {
			return err
		}

		lc.seen[LookupKey(name, lc.caseInsensitive)] = true
	}

	return nil
}

// sendTriplet enqueues t, honoring cancellation.
func sendTriplet(ctx context.Context, out chan<- *Triplet, t *Triplet) error {
	select {
	case out <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
