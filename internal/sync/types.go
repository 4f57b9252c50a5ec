// Package sync implements the triplet pipeline at the heart of cmisync:
// change-log ingestion, local and remote crawling, semi-triplet assembly,
// dependency-ordered processing, and the SQLite state store. Each syncable
// item is reconciled from up to three views (local filesystem, prior-sync
// database, remote repository) into a single executed decision.
package sync

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/cmisync/internal/cmis"
)

// LocalView is the filesystem side of a triplet.
type LocalView struct {
	AbsPath string // absolute path on disk
	RelPath string // canonical relative path
	Size    int64
	Mtime   time.Time

	// hash caches the lazily computed content hash. A triplet is owned by
	// one worker at a time, so no locking is needed.
	hash string

	// Missing marks a synthesized view for an item the database records
	// but that may no longer exist on disk (server-side deletions).
	Missing bool
}

// DBView is the prior-sync database side of a triplet.
type DBView struct {
	RemoteID      string
	LocalRelPath  string
	RemoteRelPath string
	Checksum      string // hex SHA-256 at last successful sync
	Mtime         time.Time
	IsFolder      bool
}

// RemoteView is the repository side of a triplet.
type RemoteView struct {
	ID       string
	RelPath  string // repository path relative to the remote root, canonical
	Checksum string // hex SHA-256 reported by the server, may be empty
	Mtime    time.Time
	Size     int64
}

// Triplet binds together up to three views of one syncable item, keyed by
// its canonical name: the path relative to the sync root, "/"-separated,
// folders terminated by "/". At least one view is always present.
type Triplet struct {
	Name     string
	IsFolder bool
	Local    *LocalView
	DB       *DBView
	Remote   *RemoteView

	// CaseCollision marks a local duplicate whose name collides with an
	// already-emitted key on a case-insensitive server. The processor
	// resolves these by deterministic conflict-rename.
	CaseCollision bool
}

// Valid reports whether the triplet carries at least one view. A triplet
// with no views must never enter the pipeline.
func (t *Triplet) Valid() bool {
	return t.Local != nil || t.DB != nil || t.Remote != nil
}

// Row is one persisted item record, as stored by the state database.
type Row struct {
	LocalRelPath  string
	RemoteID      string
	RemoteRelPath string
	Checksum      string
	Mtime         time.Time
	IsFolder      bool
}

// DBViewOf converts a database row into the DB view of a triplet.
func (r *Row) DBViewOf() *DBView {
	return &DBView{
		RemoteID:      r.RemoteID,
		LocalRelPath:  r.LocalRelPath,
		RemoteRelPath: r.RemoteRelPath,
		Checksum:      r.Checksum,
		Mtime:         r.Mtime,
		IsFolder:      r.IsFolder,
	}
}

// ConflictRecord is one entry of the conflict ledger.
type ConflictRecord struct {
	ID         string // uuid
	Path       string // canonical name at detection time
	RenamedTo  string // keep-both rename target
	LocalHash  string
	RemoteHash string
	DetectedAt time.Time
}

// Store is the interface to the sync state database. All pipeline
// components operate against this interface rather than the concrete
// SQLite implementation. Writes are serialized by the implementation;
// reads may be concurrent.
type Store interface {
	// Change-log token
	ChangeLogToken(ctx context.Context) (string, error) // "" when absent
	SaveChangeLogToken(ctx context.Context, token string) error

	// Item rows
	RowByRemoteID(ctx context.Context, id string) (*Row, error) // nil, nil when unknown
	RowByLocalPath(ctx context.Context, relPath string) (*Row, error)
	ListLocalPaths(ctx context.Context) ([]string, error)
	RecordUpload(ctx context.Context, row *Row) error
	RecordDownload(ctx context.Context, row *Row) error
	RecordDelete(ctx context.Context, relPath string) error
	RecordRename(ctx context.Context, oldRelPath, newRelPath string) error

	// Conflict ledger
	RecordConflict(ctx context.Context, rec *ConflictRecord) error
	ListConflicts(ctx context.Context) ([]*ConflictRecord, error)

	Close() error
}

// Session is the set of repository operations the pipeline uses, defined
// at the consumer per Go convention. *cmis.Client satisfies it; tests
// substitute fakes.
type Session interface {
	ChangeLogToken(ctx context.Context) (string, error)
	ContentChanges(ctx context.Context, token string, maxItems int) (*cmis.ChangeBatch, error)
	Object(ctx context.Context, id string) (*cmis.Object, error)
	ObjectByPath(ctx context.Context, path string) (*cmis.Object, error)
	Children(ctx context.Context, folderID string) ([]cmis.Object, error)
	CreateFolder(ctx context.Context, parentID, name string) (*cmis.Object, error)
	CreateDocument(ctx context.Context, parentID, name string, content io.Reader, size int64) (*cmis.Object, error)
	UpdateContent(ctx context.Context, id string, content io.Reader, size int64) (*cmis.Object, error)
	Delete(ctx context.Context, id string) error
	Download(ctx context.Context, id string) (io.ReadCloser, error)
}

// Filter decides whether a name participates in sync.
type Filter interface {
	ShouldSync(relPath string, isDir bool) bool
}

// --- canonical names ---

// CanonicalName normalizes a "/"-separated relative path into the triplet
// key form: NFC-normalized, no leading "/", folders terminated by "/".
func CanonicalName(relPath string, isFolder bool) string {
	name := norm.NFC.String(strings.TrimPrefix(relPath, "/"))

	if isFolder && name != "" && !strings.HasSuffix(name, "/") {
		name += "/"
	}

	return name
}

// LookupKey lowercases a canonical name when the server is known to be
// case-insensitive, so that names differing only in case collide.
func LookupKey(name string, caseInsensitive bool) string {
	if caseInsensitive {
		return strings.ToLower(name)
	}

	return name
}

// ParentKey returns the canonical name of the folder containing name, or
// "" for top-level items. The result keeps the trailing "/" folder marker.
func ParentKey(name string) string {
	trimmed := strings.TrimSuffix(name, "/")

	dir := path.Dir(trimmed)
	if dir == "." || dir == "/" {
		return ""
	}

	return dir + "/"
}
