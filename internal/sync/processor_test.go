package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cmisync/internal/cmis"
)

// procFixture wires a processor over a fake repository, a real store,
// and a temp local tree.
type procFixture struct {
	session Session
	fake    *fakeSession
	store   *SQLiteStore
	deps    *Dependencies
	root    string
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()

	session := newFakeSession()
	session.addObject(folderObj("root-1", "root", "/root", ""), nil)

	return &procFixture{
		session: session,
		fake:    session,
		store:   newTestStore(t),
		deps:    NewDependencies(),
		root:    t.TempDir(),
	}
}

// process runs the given triplets to completion and returns the stats.
func (fx *procFixture) process(t *testing.T, triplets ...*Triplet) (succeeded, failed int, errs []error) {
	t.Helper()
	return fx.processWith(t, 2, triplets...)
}

func (fx *procFixture) processWith(t *testing.T, workers int, triplets ...*Triplet) (succeeded, failed int, errs []error) {
	t.Helper()

	proc := NewProcessor(ProcessorParams{
		Store:      fx.store,
		Session:    fx.session,
		Deps:       fx.deps,
		Logger:     testLogger(t),
		LocalRoot:  fx.root,
		RemoteRoot: "/root",
		QueueCap:   8,
	})

	ctx := context.Background()
	proc.Start(ctx, workers)

	for _, trip := range triplets {
		require.NoError(t, proc.Enqueue(ctx, trip))
	}

	proc.CloseInput()
	proc.Wait()

	return proc.Stats()
}

// localTriplet builds the local view for a file already written under
// the fixture root.
func (fx *procFixture) localTriplet(t *testing.T, rel string) *Triplet {
	t.Helper()

	abs := filepath.Join(fx.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	require.NoError(t, err)

	return &Triplet{
		Name: rel,
		Local: &LocalView{
			AbsPath: abs,
			RelPath: rel,
			Size:    info.Size(),
			Mtime:   info.ModTime(),
		},
	}
}

func TestProcessorUploadNew(t *testing.T) {
	fx := newProcFixture(t)
	writeFile(t, fx.root, "docs/new.txt", "fresh")

	folder := &Triplet{
		Name:     "docs/",
		IsFolder: true,
		Local:    &LocalView{AbsPath: filepath.Join(fx.root, "docs"), RelPath: "docs/"},
	}

	succeeded, failed, errs := fx.process(t, folder, fx.localTriplet(t, "docs/new.txt"))

	require.Empty(t, errs)
	assert.Equal(t, 2, succeeded)
	assert.Zero(t, failed)

	assert.Contains(t, fx.fake.createdFolders, "docs")
	assert.Contains(t, fx.fake.createdDocs, "new.txt")

	row, err := fx.store.RowByLocalPath(context.Background(), "docs/new.txt")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.NotEmpty(t, row.RemoteID)
	assert.Equal(t, sha256Hex("fresh"), row.Checksum)

	folderRow, err := fx.store.RowByLocalPath(context.Background(), "docs")
	require.NoError(t, err)
	require.NotNil(t, folderRow)
	assert.True(t, folderRow.IsFolder)
}

func TestProcessorUploadChanged(t *testing.T) {
	fx := newProcFixture(t)
	writeFile(t, fx.root, "a.txt", "version two")

	oldHash := sha256Hex("version one")
	fx.fake.addObject(docObj("doc-1", "a.txt", "/root/a.txt", "root-1", oldHash, 11), []byte("version one"))

	trip := fx.localTriplet(t, "a.txt")
	trip.DB = &DBView{RemoteID: "doc-1", LocalRelPath: "a.txt", RemoteRelPath: "a.txt", Checksum: oldHash}
	trip.Remote = &RemoteView{ID: "doc-1", RelPath: "a.txt", Checksum: oldHash}

	succeeded, failed, errs := fx.process(t, trip)

	require.Empty(t, errs)
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, failed)
	assert.Contains(t, fx.fake.updatedDocs, "doc-1")

	row, err := fx.store.RowByLocalPath(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, sha256Hex("version two"), row.Checksum)
}

func TestProcessorDownloadNew(t *testing.T) {
	fx := newProcFixture(t)

	content := "from the server"
	mtime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	obj := docObj("doc-1", "pulled.txt", "/root/pulled.txt", "root-1", sha256Hex(content), int64(len(content)))
	obj.Modified = mtime
	fx.fake.addObject(obj, []byte(content))

	trip := &Triplet{
		Name: "docs/pulled.txt",
		Remote: &RemoteView{
			ID: "doc-1", RelPath: "docs/pulled.txt",
			Checksum: sha256Hex(content), Mtime: mtime, Size: int64(len(content)),
		},
	}

	succeeded, failed, errs := fx.process(t, trip)

	require.Empty(t, errs)
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, failed)

	abs := filepath.Join(fx.root, "docs", "pulled.txt")

	got, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime), "mtime set from the server")

	row, err := fx.store.RowByLocalPath(context.Background(), "docs/pulled.txt")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "doc-1", row.RemoteID)
}

func TestProcessorDownloadChecksumMismatch(t *testing.T) {
	fx := newProcFixture(t)

	// Server lies about the content hash; the download must fail and the
	// synced name must stay absent.
	fx.fake.addObject(docObj("doc-1", "bad.txt", "/root/bad.txt", "root-1", sha256Hex("expected"), 6), []byte("actual"))

	trip := &Triplet{
		Name:   "bad.txt",
		Remote: &RemoteView{ID: "doc-1", RelPath: "bad.txt", Checksum: sha256Hex("expected")},
	}

	succeeded, failed, _ := fx.process(t, trip)

	assert.Zero(t, succeeded)
	assert.Equal(t, 1, failed)
	assert.NoFileExists(t, filepath.Join(fx.root, "bad.txt"))
}

func TestProcessorRefreshUnchanged(t *testing.T) {
	fx := newProcFixture(t)
	writeFile(t, fx.root, "same.txt", "steady")

	hash := sha256Hex("steady")
	trip := fx.localTriplet(t, "same.txt")
	trip.DB = &DBView{RemoteID: "doc-1", LocalRelPath: "same.txt", RemoteRelPath: "same.txt", Checksum: hash}
	trip.Remote = &RemoteView{ID: "doc-1", RelPath: "same.txt", Checksum: hash}

	succeeded, failed, errs := fx.process(t, trip)

	require.Empty(t, errs)
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, failed)
	assert.Empty(t, fx.fake.updatedDocs)
	assert.Empty(t, fx.fake.createdDocs)
}

func TestProcessorDeleteRemote(t *testing.T) {
	fx := newProcFixture(t)

	fx.fake.addObject(docObj("doc-1", "gone.txt", "/root/gone.txt", "root-1", "", 1), []byte("x"))
	require.NoError(t, fx.store.RecordUpload(context.Background(), &Row{
		LocalRelPath: "gone.txt", RemoteID: "doc-1", RemoteRelPath: "gone.txt",
	}))

	trip := &Triplet{
		Name:   "gone.txt",
		DB:     &DBView{RemoteID: "doc-1", LocalRelPath: "gone.txt", RemoteRelPath: "gone.txt"},
		Remote: &RemoteView{ID: "doc-1", RelPath: "gone.txt"},
	}

	succeeded, failed, errs := fx.process(t, trip)

	require.Empty(t, errs)
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, failed)
	assert.Contains(t, fx.fake.deletedIDs, "doc-1")

	row, err := fx.store.RowByLocalPath(context.Background(), "gone.txt")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestProcessorDeleteLocalOrdering(t *testing.T) {
	fx := newProcFixture(t)
	writeFile(t, fx.root, "docs/a.txt", "bye")

	ctx := context.Background()
	require.NoError(t, fx.store.RecordUpload(ctx, &Row{
		LocalRelPath: "docs", RemoteID: "folder-9", RemoteRelPath: "docs", IsFolder: true,
	}))
	require.NoError(t, fx.store.RecordUpload(ctx, &Row{
		LocalRelPath: "docs/a.txt", RemoteID: "doc-9", RemoteRelPath: "docs/a.txt",
	}))

	// Remote deleted both; folder must wait for the child or os.Remove
	// on the non-empty directory would fail.
	fx.deps.Add("docs/", "docs/a.txt")

	folder := &Triplet{
		Name:     "docs/",
		IsFolder: true,
		DB:       &DBView{RemoteID: "folder-9", LocalRelPath: "docs", RemoteRelPath: "docs", IsFolder: true},
		Local:    &LocalView{AbsPath: filepath.Join(fx.root, "docs"), RelPath: "docs/"},
	}
	child := &Triplet{
		Name:  "docs/a.txt",
		DB:    &DBView{RemoteID: "doc-9", LocalRelPath: "docs/a.txt", RemoteRelPath: "docs/a.txt"},
		Local: &LocalView{AbsPath: filepath.Join(fx.root, "docs", "a.txt"), RelPath: "docs/a.txt"},
	}

	// Folder enqueued first on purpose.
	succeeded, failed, errs := fx.process(t, folder, child)

	require.Empty(t, errs)
	assert.Equal(t, 2, succeeded)
	assert.Zero(t, failed)
	assert.NoDirExists(t, filepath.Join(fx.root, "docs"))

	paths, err := fx.store.ListLocalPaths(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestProcessorPurgeRow(t *testing.T) {
	fx := newProcFixture(t)

	ctx := context.Background()
	require.NoError(t, fx.store.RecordUpload(ctx, &Row{
		LocalRelPath: "stale.txt", RemoteID: "doc-1", RemoteRelPath: "stale.txt",
	}))

	trip := &Triplet{
		Name: "stale.txt",
		DB:   &DBView{RemoteID: "doc-1", LocalRelPath: "stale.txt", RemoteRelPath: "stale.txt"},
	}

	succeeded, _, errs := fx.process(t, trip)

	require.Empty(t, errs)
	assert.Equal(t, 1, succeeded)

	row, err := fx.store.RowByLocalPath(ctx, "stale.txt")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestProcessorConflictKeepBoth(t *testing.T) {
	fx := newProcFixture(t)
	writeFile(t, fx.root, "report.txt", "local edit")

	remoteContent := "remote edit"
	baseHash := sha256Hex("original")
	remoteHash := sha256Hex(remoteContent)
	fx.fake.addObject(docObj("doc-1", "report.txt", "/root/report.txt", "root-1", remoteHash, int64(len(remoteContent))), []byte(remoteContent))

	trip := fx.localTriplet(t, "report.txt")
	trip.DB = &DBView{RemoteID: "doc-1", LocalRelPath: "report.txt", RemoteRelPath: "report.txt", Checksum: baseHash}
	trip.Remote = &RemoteView{ID: "doc-1", RelPath: "report.txt", Checksum: remoteHash}

	succeeded, failed, errs := fx.process(t, trip)

	require.Empty(t, errs)
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, failed)

	t.Run("remote version lands under the original name", func(t *testing.T) {
		got, err := os.ReadFile(filepath.Join(fx.root, "report.txt"))
		require.NoError(t, err)
		assert.Equal(t, remoteContent, string(got))
	})

	t.Run("local version kept under conflict name and uploaded", func(t *testing.T) {
		entries, err := os.ReadDir(fx.root)
		require.NoError(t, err)

		var conflictName string
		for _, e := range entries {
			if e.Name() != "report.txt" {
				conflictName = e.Name()
			}
		}

		require.NotEmpty(t, conflictName)
		assert.Contains(t, conflictName, "(conflict ")

		got, err := os.ReadFile(filepath.Join(fx.root, conflictName))
		require.NoError(t, err)
		assert.Equal(t, "local edit", string(got))

		assert.Contains(t, fx.fake.createdDocs, conflictName)
	})

	t.Run("ledger records the conflict", func(t *testing.T) {
		records, err := fx.store.ListConflicts(context.Background())
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "report.txt", records[0].Path)
		assert.NotEmpty(t, records[0].ID)
		assert.Equal(t, sha256Hex("local edit"), records[0].LocalHash)
		assert.Equal(t, remoteHash, records[0].RemoteHash)
	})
}

func TestProcessorAdoption(t *testing.T) {
	t.Run("identical content adopted silently", func(t *testing.T) {
		fx := newProcFixture(t)
		writeFile(t, fx.root, "same.txt", "identical")

		trip := fx.localTriplet(t, "same.txt")
		trip.Remote = &RemoteView{ID: "doc-1", RelPath: "same.txt", Checksum: sha256Hex("identical")}

		succeeded, failed, errs := fx.process(t, trip)

		require.Empty(t, errs)
		assert.Equal(t, 1, succeeded)
		assert.Zero(t, failed)

		row, err := fx.store.RowByLocalPath(context.Background(), "same.txt")
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, "doc-1", row.RemoteID)

		records, err := fx.store.ListConflicts(context.Background())
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("divergent content keeps both", func(t *testing.T) {
		fx := newProcFixture(t)
		writeFile(t, fx.root, "diff.txt", "mine")

		remote := "theirs"
		fx.fake.addObject(docObj("doc-1", "diff.txt", "/root/diff.txt", "root-1", sha256Hex(remote), int64(len(remote))), []byte(remote))

		trip := fx.localTriplet(t, "diff.txt")
		trip.Remote = &RemoteView{ID: "doc-1", RelPath: "diff.txt", Checksum: sha256Hex(remote)}

		succeeded, _, errs := fx.process(t, trip)

		require.Empty(t, errs)
		assert.Equal(t, 1, succeeded)

		records, err := fx.store.ListConflicts(context.Background())
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestProcessorCaseCollision(t *testing.T) {
	fx := newProcFixture(t)
	writeFile(t, fx.root, "Report.txt", "duplicate")

	trip := fx.localTriplet(t, "Report.txt")
	trip.CaseCollision = true

	succeeded, failed, errs := fx.process(t, trip)

	require.Empty(t, errs)
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, failed)

	assert.NoFileExists(t, filepath.Join(fx.root, "Report.txt"))

	records, err := fx.store.ListConflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].RenamedTo, "(conflict ")
}

func TestProcessorAtMostOnce(t *testing.T) {
	fx := newProcFixture(t)
	writeFile(t, fx.root, "once.txt", "single")

	first := fx.localTriplet(t, "once.txt")
	second := fx.localTriplet(t, "once.txt")

	// A single worker makes the duplicate arrive strictly after the first
	// completes, exercising the at-most-once guard.
	succeeded, failed, errs := fx.processWith(t, 1, first, second)

	require.Empty(t, errs)
	assert.Equal(t, 1, succeeded, "duplicate key executes once")
	assert.Zero(t, failed)
	assert.Len(t, fx.fake.createdDocs, 1)
}

// flakySession fails the first UpdateContent call with a transient error
// and delegates afterwards.
type flakySession struct {
	*fakeSession
	failures int
}

func (fs *flakySession) UpdateContent(ctx context.Context, id string, content io.Reader, size int64) (*cmis.Object, error) {
	if fs.failures > 0 {
		fs.failures--
		// Consume the stream like a real failed request would.
		_, _ = io.Copy(io.Discard, content)

		return nil, fmt.Errorf("setContent %s: %w", id, cmis.ErrThrottled)
	}

	return fs.fakeSession.UpdateContent(ctx, id, content, size)
}

func TestProcessorTransientRetry(t *testing.T) {
	t.Run("one transient failure retries and succeeds", func(t *testing.T) {
		fx := newProcFixture(t)
		writeFile(t, fx.root, "a.txt", "new content")

		oldHash := sha256Hex("old content")
		fx.fake.addObject(docObj("doc-1", "a.txt", "/root/a.txt", "root-1", oldHash, 11), []byte("old content"))
		fx.session = &flakySession{fakeSession: fx.fake, failures: 1}

		trip := fx.localTriplet(t, "a.txt")
		trip.DB = &DBView{RemoteID: "doc-1", LocalRelPath: "a.txt", RemoteRelPath: "a.txt", Checksum: oldHash}
		trip.Remote = &RemoteView{ID: "doc-1", RelPath: "a.txt", Checksum: oldHash}

		succeeded, failed, errs := fx.process(t, trip)

		require.Empty(t, errs)
		assert.Equal(t, 1, succeeded)
		assert.Zero(t, failed)
		assert.Contains(t, fx.fake.updatedDocs, "doc-1")
	})

	t.Run("second transient failure is terminal", func(t *testing.T) {
		fx := newProcFixture(t)
		writeFile(t, fx.root, "a.txt", "new content")

		oldHash := sha256Hex("old content")
		fx.fake.addObject(docObj("doc-1", "a.txt", "/root/a.txt", "root-1", oldHash, 11), []byte("old content"))
		fx.session = &flakySession{fakeSession: fx.fake, failures: 2}

		trip := fx.localTriplet(t, "a.txt")
		trip.DB = &DBView{RemoteID: "doc-1", LocalRelPath: "a.txt", RemoteRelPath: "a.txt", Checksum: oldHash}
		trip.Remote = &RemoteView{ID: "doc-1", RelPath: "a.txt", Checksum: oldHash}

		succeeded, failed, errs := fx.process(t, trip)

		assert.Zero(t, succeeded)
		assert.Equal(t, 1, failed)
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], cmis.ErrThrottled)
	})
}

// brokenDelete permanently fails every Delete call.
type brokenDelete struct {
	*fakeSession
}

func (bd *brokenDelete) Delete(context.Context, string) error {
	return fmt.Errorf("delete denied: %w", cmis.ErrForbidden)
}

func TestProcessorPoisonedFolder(t *testing.T) {
	fx := newProcFixture(t)

	// Remote deletion of docs/a.txt fails permanently, so the deletion of
	// its parent folder must be skipped rather than executed.
	ctx := context.Background()
	require.NoError(t, fx.store.RecordUpload(ctx, &Row{
		LocalRelPath: "docs", RemoteID: "folder-9", RemoteRelPath: "docs", IsFolder: true,
	}))
	require.NoError(t, fx.store.RecordUpload(ctx, &Row{
		LocalRelPath: "docs/a.txt", RemoteID: "doc-9", RemoteRelPath: "docs/a.txt",
	}))

	fx.fake.addObject(folderObj("folder-9", "docs", "/root/docs", "root-1"), nil)
	fx.fake.addObject(docObj("doc-9", "a.txt", "/root/docs/a.txt", "folder-9", "", 1), []byte("x"))
	fx.session = &brokenDelete{fakeSession: fx.fake}

	fx.deps.Add("docs/", "docs/a.txt")

	folder := &Triplet{
		Name:     "docs/",
		IsFolder: true,
		DB:       &DBView{RemoteID: "folder-9", LocalRelPath: "docs", RemoteRelPath: "docs", IsFolder: true},
		Remote:   &RemoteView{ID: "folder-9", RelPath: "docs/"},
	}
	child := &Triplet{
		Name:   "docs/a.txt",
		DB:     &DBView{RemoteID: "doc-9", LocalRelPath: "docs/a.txt", RemoteRelPath: "docs/a.txt"},
		Remote: &RemoteView{ID: "doc-9", RelPath: "docs/a.txt"},
	}

	succeeded, failed, errs := fx.process(t, folder, child)

	assert.Zero(t, succeeded)
	assert.Equal(t, 2, failed, "child failure plus skipped parent")
	assert.Len(t, errs, 2)

	// The folder object must still exist server-side.
	_, err := fx.fake.Object(ctx, "folder-9")
	assert.NoError(t, err)
}
