package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cmisync/internal/config"
)

// collectCrawl drains the crawler into a slice.
func collectCrawl(t *testing.T, lc *LocalCrawler) []*Triplet {
	t.Helper()

	out := make(chan *Triplet, 64)
	require.NoError(t, lc.Crawl(context.Background(), out))
	close(out)

	var triplets []*Triplet
	for trip := range out {
		triplets = append(triplets, trip)
	}

	return triplets
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()

	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestLocalCrawlerWalk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "docs/report.txt", "report")
	writeFile(t, root, "docs/sub/deep.txt", "deep")

	store := newTestStore(t)
	lc := NewLocalCrawler(root, store, NewPathFilter(config.FilterConfig{}, testLogger(t)), false, false, testLogger(t))

	triplets := collectCrawl(t, lc)

	names := triletNames(triplets)
	assert.ElementsMatch(t, []string{"a.txt", "docs/", "docs/report.txt", "docs/sub/", "docs/sub/deep.txt"}, names)

	byName := make(map[string]*Triplet)
	for _, trip := range triplets {
		byName[trip.Name] = trip
	}

	t.Run("parents precede children", func(t *testing.T) {
		pos := make(map[string]int)
		for i, trip := range triplets {
			pos[trip.Name] = i
		}

		assert.Less(t, pos["docs/"], pos["docs/report.txt"])
		assert.Less(t, pos["docs/sub/"], pos["docs/sub/deep.txt"])
	})

	t.Run("local view populated", func(t *testing.T) {
		trip := byName["docs/report.txt"]
		require.NotNil(t, trip.Local)
		assert.Equal(t, int64(6), trip.Local.Size)
		assert.False(t, trip.Local.Mtime.IsZero())
		assert.False(t, trip.IsFolder)
		assert.True(t, byName["docs/"].IsFolder)
	})

	t.Run("no DB view without prior sync", func(t *testing.T) {
		assert.Nil(t, byName["a.txt"].DB)
	})
}

func TestLocalCrawlerJoinsDB(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")

	store := newTestStore(t)
	require.NoError(t, store.RecordUpload(context.Background(), &Row{
		LocalRelPath: "a.txt", RemoteID: "id-1", RemoteRelPath: "a.txt", Checksum: "abc",
	}))

	lc := NewLocalCrawler(root, store, allowAll{}, false, false, testLogger(t))
	triplets := collectCrawl(t, lc)

	require.Len(t, triplets, 1)
	require.NotNil(t, triplets[0].DB)
	assert.Equal(t, "id-1", triplets[0].DB.RemoteID)
}

func TestLocalCrawlerOrphans(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "kept.txt", "kept")

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordUpload(ctx, &Row{
		LocalRelPath: "kept.txt", RemoteID: "id-1", RemoteRelPath: "kept.txt",
	}))
	require.NoError(t, store.RecordUpload(ctx, &Row{
		LocalRelPath: "deleted.txt", RemoteID: "id-2", RemoteRelPath: "deleted.txt",
	}))

	lc := NewLocalCrawler(root, store, allowAll{}, false, false, testLogger(t))
	triplets := collectCrawl(t, lc)

	require.Len(t, triplets, 2)

	byName := make(map[string]*Triplet)
	for _, trip := range triplets {
		byName[trip.Name] = trip
	}

	orphan := byName["deleted.txt"]
	require.NotNil(t, orphan)
	assert.Nil(t, orphan.Local)
	require.NotNil(t, orphan.DB)
	assert.Equal(t, "id-2", orphan.DB.RemoteID)
}

func TestLocalCrawlerFilteredRowIsNotOrphan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "secret.txt", "still here")
	writeFile(t, root, "plain.txt", "synced")

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordUpload(ctx, &Row{
		LocalRelPath: "secret.txt", RemoteID: "id-1", RemoteRelPath: "secret.txt",
	}))

	// secret.txt was synced once and is now excluded by a new pattern.
	// It is still on disk, so it must not surface as a deletion.
	filter := NewPathFilter(config.FilterConfig{IgnorePatterns: []string{"secret.txt"}}, testLogger(t))

	lc := NewLocalCrawler(root, store, filter, false, false, testLogger(t))
	names := triletNames(collectCrawl(t, lc))

	assert.ElementsMatch(t, []string{"plain.txt"}, names)
}

func TestLocalCrawlerFiltering(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "skip.tmp", "temp")
	writeFile(t, root, "node_modules/lib.js", "js")

	store := newTestStore(t)
	filter := NewPathFilter(config.FilterConfig{IgnorePatterns: []string{"node_modules/"}}, testLogger(t))

	lc := NewLocalCrawler(root, store, filter, false, false, testLogger(t))
	triplets := collectCrawl(t, lc)

	assert.ElementsMatch(t, []string{"a.txt"}, triletNames(triplets))
}

func TestLocalCrawlerSymlinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "target.txt", "content")
	require.NoError(t, os.Symlink(filepath.Join(root, "target.txt"), filepath.Join(root, "link.txt")))

	store := newTestStore(t)

	t.Run("skipped when configured", func(t *testing.T) {
		lc := NewLocalCrawler(root, store, allowAll{}, true, false, testLogger(t))
		names := triletNames(collectCrawl(t, lc))
		assert.ElementsMatch(t, []string{"target.txt"}, names)
	})

	t.Run("followed as files otherwise", func(t *testing.T) {
		lc := NewLocalCrawler(root, store, allowAll{}, false, false, testLogger(t))
		names := triletNames(collectCrawl(t, lc))
		assert.ElementsMatch(t, []string{"target.txt", "link.txt"}, names)
	})
}
