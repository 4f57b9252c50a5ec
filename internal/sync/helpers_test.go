package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cmisync/internal/cmis"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testWriter adapts testing.T to io.Writer for slog output.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// newTestStore creates an in-memory SQLiteStore for testing.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewStore(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

// fakeSession is an in-memory Session backed by maps. Safe for
// concurrent use; processor tests run several workers against it.
type fakeSession struct {
	mu stdsync.Mutex

	token    string
	tokenErr error

	// pages are served in order by ContentChanges; the last page repeats.
	pages      []*cmis.ChangeBatch
	pageIdx    int
	changesErr error

	objects map[string]*cmis.Object // by id
	byPath  map[string]*cmis.Object
	content map[string][]byte // by id

	nextID int

	createdFolders []string
	createdDocs    []string
	updatedDocs    []string
	deletedIDs     []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		objects: make(map[string]*cmis.Object),
		byPath:  make(map[string]*cmis.Object),
		content: make(map[string][]byte),
	}
}

// addObject registers an object under its id and repository path.
func (f *fakeSession) addObject(obj *cmis.Object, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[obj.ID] = obj
	if obj.Path != "" {
		f.byPath[obj.Path] = obj
	}

	if data != nil {
		f.content[obj.ID] = data
	}
}

func (f *fakeSession) ChangeLogToken(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tokenErr != nil {
		return "", f.tokenErr
	}

	return f.token, nil
}

func (f *fakeSession) ContentChanges(_ context.Context, _ string, _ int) (*cmis.ChangeBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.changesErr != nil {
		return nil, f.changesErr
	}

	if len(f.pages) == 0 {
		return &cmis.ChangeBatch{}, nil
	}

	page := f.pages[f.pageIdx]
	if f.pageIdx < len(f.pages)-1 {
		f.pageIdx++
	}

	return page, nil
}

func (f *fakeSession) Object(_ context.Context, id string) (*cmis.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[id]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", id, cmis.ErrNotFound)
	}

	return obj, nil
}

func (f *fakeSession) ObjectByPath(_ context.Context, path string) (*cmis.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.byPath[path]
	if !ok {
		return nil, fmt.Errorf("path %s: %w", path, cmis.ErrNotFound)
	}

	return obj, nil
}

func (f *fakeSession) Children(_ context.Context, folderID string) ([]cmis.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []cmis.Object

	for _, obj := range f.objects {
		if obj.ParentID == folderID {
			out = append(out, *obj)
		}
	}

	return out, nil
}

func (f *fakeSession) CreateFolder(_ context.Context, parentID, name string) (*cmis.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	obj := &cmis.Object{
		ID:       fmt.Sprintf("created-folder-%d", f.nextID),
		Name:     name,
		BaseType: "cmis:folder",
		ParentID: parentID,
	}

	f.objects[obj.ID] = obj
	f.createdFolders = append(f.createdFolders, name)

	return obj, nil
}

func (f *fakeSession) CreateDocument(_ context.Context, parentID, name string, content io.Reader, size int64) (*cmis.Object, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	obj := &cmis.Object{
		ID:          fmt.Sprintf("created-doc-%d", f.nextID),
		Name:        name,
		BaseType:    "cmis:document",
		ParentID:    parentID,
		Size:        size,
		ContentHash: sha256Hex(string(data)),
		Modified:    time.Now(),
	}

	f.objects[obj.ID] = obj
	f.content[obj.ID] = data
	f.createdDocs = append(f.createdDocs, name)

	return obj, nil
}

func (f *fakeSession) UpdateContent(_ context.Context, id string, content io.Reader, size int64) (*cmis.Object, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[id]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", id, cmis.ErrNotFound)
	}

	updated := *obj
	updated.Size = size
	updated.ContentHash = sha256Hex(string(data))
	updated.Modified = time.Now()

	f.objects[id] = &updated
	f.content[id] = data
	f.updatedDocs = append(f.updatedDocs, id)

	return &updated, nil
}

func (f *fakeSession) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[id]
	if !ok {
		return fmt.Errorf("object %s: %w", id, cmis.ErrNotFound)
	}

	delete(f.objects, id)
	delete(f.content, id)

	if obj.Path != "" {
		delete(f.byPath, obj.Path)
	}

	f.deletedIDs = append(f.deletedIDs, id)

	return nil
}

func (f *fakeSession) Download(_ context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.content[id]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", id, cmis.ErrNotFound)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

var _ Session = (*fakeSession)(nil)

// allowAll is a Filter that syncs everything.
type allowAll struct{}

func (allowAll) ShouldSync(string, bool) bool { return true }

// collectSink gathers enqueued triplets for assembler tests.
type collectSink struct {
	mu       stdsync.Mutex
	triplets []*Triplet
}

func (c *collectSink) Enqueue(_ context.Context, t *Triplet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.triplets = append(c.triplets, t)

	return nil
}

func (c *collectSink) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.triplets))
	for _, t := range c.triplets {
		out = append(out, t.Name)
	}

	return out
}

// folderObj and docObj build repository objects with consistent fields.
func folderObj(id, name, path, parentID string) *cmis.Object {
	return &cmis.Object{
		ID:       id,
		Name:     name,
		Path:     path,
		BaseType: "cmis:folder",
		ParentID: parentID,
	}
}

func docObj(id, name, path, parentID, hash string, size int64) *cmis.Object {
	return &cmis.Object{
		ID:          id,
		Name:        name,
		Path:        path,
		BaseType:    "cmis:document",
		ParentID:    parentID,
		Size:        size,
		ContentHash: hash,
		Modified:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

// sha256Hex matches the hex digest format the pipeline stores.
func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
