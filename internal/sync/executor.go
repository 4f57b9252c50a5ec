package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/cmisync/internal/cmis"
)

// Action is the executed decision for one triplet.
type Action int

// Decisions, one row each of the classification table.
const (
	ActionNone Action = iota
	ActionUploadNew
	ActionUpload
	ActionDownloadNew
	ActionDownload
	ActionRefresh // no content change; refresh DB timestamps
	ActionConflict
	ActionDeleteRemote
	ActionDeleteLocal
	ActionPurgeRow
	ActionAdopt           // present both sides, never synced, identical content
	ActionCollisionRename // local case-collision duplicate
)

// errDownloadChecksum is returned when a downloaded stream does not match
// the server-reported hash.
var errDownloadChecksum = errors.New("sync: downloaded content does not match server checksum")

// partialSuffix marks in-progress downloads. The filter excludes it, so a
// crashed run never uploads its own leftovers.
const partialSuffix = ".partial"

// execute classifies and runs one triplet end to end, updating the
// database on success.
func (p *Processor) execute(ctx context.Context, t *Triplet) error {
	action, err := p.classify(ctx, t)
	if err != nil {
		return err
	}

	p.logger.Debug("processor: executing",
		"path", t.Name,
		"action", actionName(action),
	)

	switch action {
	case ActionNone:
		return nil
	case ActionUploadNew:
		return p.uploadNew(ctx, t)
	case ActionUpload:
		return p.upload(ctx, t)
	case ActionDownloadNew, ActionDownload:
		return p.download(ctx, t)
	case ActionRefresh, ActionAdopt:
		return p.refreshRow(ctx, t)
	case ActionConflict:
		return p.resolveConflict(ctx, t)
	case ActionDeleteRemote:
		return p.deleteRemote(ctx, t)
	case ActionDeleteLocal:
		return p.deleteLocal(ctx, t)
	case ActionPurgeRow:
		return p.store.RecordDelete(ctx, strings.TrimSuffix(t.Name, "/"))
	case ActionCollisionRename:
		return p.renameCollision(ctx, t)
	default:
		return fmt.Errorf("sync: unknown action %d for %q", action, t.Name)
	}
}

// classify maps the present views onto a decision. Stored checksums are
// compared against the freshly computed local hash and the server hash;
// mtime alone is never authoritative. Folders compare structurally.
func (p *Processor) classify(ctx context.Context, t *Triplet) (Action, error) {
	if t.CaseCollision {
		return ActionCollisionRename, nil
	}

	local := t.Local != nil && !t.Local.Missing
	db := t.DB != nil
	remote := t.Remote != nil

	switch {
	case local && !db && !remote:
		return ActionUploadNew, nil
	case !local && !db && remote:
		return ActionDownloadNew, nil
	case local && !db && remote:
		return p.classifyAdoption(ctx, t)
	case local && db && remote:
		return p.classifyThreeWay(ctx, t)
	case !local && db && remote:
		// Local was deleted since the last sync.
		return ActionDeleteRemote, nil
	case local && db && !remote:
		// Remote was deleted since the last sync.
		return ActionDeleteLocal, nil
	case !local && db && !remote:
		return ActionPurgeRow, nil
	default:
		return ActionNone, fmt.Errorf("sync: triplet %q has no views", t.Name)
	}
}

// classifyThreeWay handles the all-views-present rows of the table.
func (p *Processor) classifyThreeWay(ctx context.Context, t *Triplet) (Action, error) {
	// Folder equivalence is structural; contents are never hashed.
	if t.IsFolder {
		return ActionRefresh, nil
	}

	localHash, err := t.Local.Hash(ctx)
	if err != nil {
		return ActionNone, err
	}

	stored := t.DB.Checksum
	localChanged := localHash != stored
	remoteChanged := p.remoteChanged(t)

	switch {
	case localChanged && remoteChanged:
		return ActionConflict, nil
	case localChanged:
		return ActionUpload, nil
	case remoteChanged:
		return ActionDownload, nil
	default:
		return ActionRefresh, nil
	}
}

// remoteChanged compares the server state against the stored row. When
// the server reports no content hash, remote change detection falls back
// to second-truncated mtime comparison.
func (p *Processor) remoteChanged(t *Triplet) bool {
	if t.Remote.Checksum != "" {
		return t.Remote.Checksum != t.DB.Checksum
	}

	return !t.Remote.Mtime.Truncate(time.Second).Equal(t.DB.Mtime.Truncate(time.Second))
}

// classifyAdoption handles items present on both sides with no prior-sync
// row: identical content is adopted silently, divergent content is a
// conflict.
func (p *Processor) classifyAdoption(ctx context.Context, t *Triplet) (Action, error) {
	if t.IsFolder {
		return ActionAdopt, nil
	}

	if t.Remote.Checksum == "" {
		// Cannot prove equality without a server hash; keep both.
		return ActionConflict, nil
	}

	localHash, err := t.Local.Hash(ctx)
	if err != nil {
		return ActionNone, err
	}

	if localHash == t.Remote.Checksum {
		return ActionAdopt, nil
	}

	return ActionConflict, nil
}

// --- uploads ---

// uploadNew creates a folder or document that exists only locally.
func (p *Processor) uploadNew(ctx context.Context, t *Triplet) error {
	rel := strings.TrimSuffix(t.Name, "/")

	if t.IsFolder {
		id, err := p.ensureRemoteFolder(ctx, rel)
		if err != nil {
			return err
		}

		return p.store.RecordUpload(ctx, &Row{
			LocalRelPath:  rel,
			RemoteID:      id,
			RemoteRelPath: rel,
			Mtime:         t.Local.Mtime,
			IsFolder:      true,
		})
	}

	parentID, err := p.ensureRemoteFolder(ctx, strings.TrimSuffix(ParentKey(t.Name), "/"))
	if err != nil {
		return err
	}

	f, err := os.Open(t.Local.AbsPath)
	if err != nil {
		return fmt.Errorf("sync: opening %s for upload: %w", t.Local.AbsPath, err)
	}
	defer f.Close()

	reader := newLimitedReader(ctx, f, p.limiter)

	obj, err := p.session.CreateDocument(ctx, parentID, filepath.Base(t.Local.AbsPath), reader, t.Local.Size)
	if err != nil {
		return err
	}

	return p.recordUploaded(ctx, t, obj, rel)
}

// upload replaces the content of an existing document.
func (p *Processor) upload(ctx context.Context, t *Triplet) error {
	f, err := os.Open(t.Local.AbsPath)
	if err != nil {
		return fmt.Errorf("sync: opening %s for upload: %w", t.Local.AbsPath, err)
	}
	defer f.Close()

	reader := newLimitedReader(ctx, f, p.limiter)

	obj, err := p.session.UpdateContent(ctx, t.DB.RemoteID, reader, t.Local.Size)
	if err != nil {
		return err
	}

	return p.recordUploaded(ctx, t, obj, strings.TrimSuffix(t.Name, "/"))
}

// recordUploaded persists the row after a successful upload.
func (p *Processor) recordUploaded(ctx context.Context, t *Triplet, obj *cmis.Object, rel string) error {
	checksum := obj.ContentHash
	if checksum == "" {
		checksum, _ = t.Local.Hash(ctx)
	}

	return p.store.RecordUpload(ctx, &Row{
		LocalRelPath:  rel,
		RemoteID:      obj.ID,
		RemoteRelPath: rel,
		Checksum:      checksum,
		Mtime:         t.Local.Mtime,
		IsFolder:      false,
	})
}

// ensureRemoteFolder resolves the remote folder id for a relative
// directory, creating missing path components. Results are cached for
// the run; concurrent workers creating the same chain race benignly (the
// loser resolves the winner's folder).
func (p *Processor) ensureRemoteFolder(ctx context.Context, relDir string) (string, error) {
	if relDir == "" || relDir == "." {
		return p.rootFolderID(ctx)
	}

	p.folderMu.Lock()
	id, ok := p.folderIDs[relDir]
	p.folderMu.Unlock()

	if ok {
		return id, nil
	}

	parentID, err := p.ensureRemoteFolder(ctx, strings.TrimSuffix(ParentKey(relDir+"/"), "/"))
	if err != nil {
		return "", err
	}

	id, err = p.resolveOrCreateFolder(ctx, parentID, relDir)
	if err != nil {
		return "", err
	}

	p.folderMu.Lock()
	p.folderIDs[relDir] = id
	p.folderMu.Unlock()

	return id, nil
}

// rootFolderID resolves (and caches) the id of the remote sync root.
func (p *Processor) rootFolderID(ctx context.Context) (string, error) {
	p.folderMu.Lock()
	id, ok := p.folderIDs["."]
	p.folderMu.Unlock()

	if ok {
		return id, nil
	}

	obj, err := p.session.ObjectByPath(ctx, p.remoteRoot)
	if err != nil {
		return "", fmt.Errorf("sync: resolving remote root %q: %w", p.remoteRoot, err)
	}

	p.folderMu.Lock()
	p.folderIDs["."] = obj.ID
	p.folderMu.Unlock()

	return obj.ID, nil
}

// resolveOrCreateFolder looks up one folder by path, creating it when
// absent.
func (p *Processor) resolveOrCreateFolder(ctx context.Context, parentID, relDir string) (string, error) {
	obj, err := p.session.ObjectByPath(ctx, strings.TrimSuffix(p.remoteRoot, "/")+"/"+relDir)
	if err == nil {
		return obj.ID, nil
	}

	if !errors.Is(err, cmis.ErrNotFound) {
		return "", err
	}

	created, err := p.session.CreateFolder(ctx, parentID, lastSegment(relDir))
	if err != nil {
		// A concurrent worker may have created it first.
		if errors.Is(err, cmis.ErrConflict) {
			if obj, lookupErr := p.session.ObjectByPath(ctx, strings.TrimSuffix(p.remoteRoot, "/")+"/"+relDir); lookupErr == nil {
				return obj.ID, nil
			}
		}

		return "", err
	}

	return created.ID, nil
}

// lastSegment returns the final path component of a "/"-separated path.
func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}

	return p
}

// --- downloads ---

// download pulls remote content (or creates a local folder) and records
// the row. Files stream into a .partial sibling and rename into place so
// a crash never leaves a torn file under the synced name.
func (p *Processor) download(ctx context.Context, t *Triplet) error {
	rel := strings.TrimSuffix(t.Name, "/")
	absPath := filepath.Join(p.localRoot, filepath.FromSlash(rel))

	if t.IsFolder {
		if err := os.MkdirAll(absPath, 0o755); err != nil {
			return fmt.Errorf("sync: creating folder %s: %w", absPath, err)
		}

		return p.recordDownloaded(ctx, t, rel, "")
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("sync: creating parent of %s: %w", absPath, err)
	}

	digest, err := p.downloadToFile(ctx, t.Remote.ID, absPath, t.Remote.Checksum)
	if err != nil {
		return err
	}

	if !t.Remote.Mtime.IsZero() {
		_ = os.Chtimes(absPath, t.Remote.Mtime, t.Remote.Mtime)
	}

	return p.recordDownloaded(ctx, t, rel, digest)
}

// downloadToFile streams the content into absPath via a .partial
// temporary, returning the hex SHA-256 of the received bytes. The stream
// is verified against the expected checksum (when the server reports
// one) before the rename, so the synced name never holds corrupt
// content.
func (p *Processor) downloadToFile(ctx context.Context, remoteID, absPath, expected string) (string, error) {
	stream, err := p.session.Download(ctx, remoteID)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	tmpPath := absPath + partialSuffix

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("sync: creating %s: %w", tmpPath, err)
	}

	h := sha256.New()

	_, copyErr := io.Copy(io.MultiWriter(f, h), newLimitedReader(ctx, stream, p.limiter))

	closeErr := f.Close()

	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("sync: downloading to %s: %w", tmpPath, copyErr)
	}

	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("sync: closing %s: %w", tmpPath, closeErr)
	}

	digest := hex.EncodeToString(h.Sum(nil))

	if expected != "" && digest != expected {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("sync: %s: %w", absPath, errDownloadChecksum)
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("sync: renaming %s into place: %w", tmpPath, err)
	}

	return digest, nil
}

// recordDownloaded persists the row after a successful download.
func (p *Processor) recordDownloaded(ctx context.Context, t *Triplet, rel, digest string) error {
	checksum := t.Remote.Checksum
	if checksum == "" {
		checksum = digest
	}

	return p.store.RecordDownload(ctx, &Row{
		LocalRelPath:  rel,
		RemoteID:      t.Remote.ID,
		RemoteRelPath: strings.TrimSuffix(t.Remote.RelPath, "/"),
		Checksum:      checksum,
		Mtime:         t.Remote.Mtime,
		IsFolder:      t.IsFolder,
	})
}

// refreshRow rewrites the row for an unchanged (or silently adopted)
// item so timestamps and ids stay current.
func (p *Processor) refreshRow(ctx context.Context, t *Triplet) error {
	rel := strings.TrimSuffix(t.Name, "/")

	row := &Row{
		LocalRelPath:  rel,
		RemoteRelPath: rel,
		IsFolder:      t.IsFolder,
	}

	if t.Remote != nil {
		row.RemoteID = t.Remote.ID
		row.RemoteRelPath = strings.TrimSuffix(t.Remote.RelPath, "/")
		row.Checksum = t.Remote.Checksum
		row.Mtime = t.Remote.Mtime
	}

	if t.DB != nil {
		if row.RemoteID == "" {
			row.RemoteID = t.DB.RemoteID
		}

		if row.Checksum == "" {
			row.Checksum = t.DB.Checksum
		}
	}

	if row.Checksum == "" && t.Local != nil && !t.IsFolder {
		row.Checksum, _ = t.Local.Hash(ctx)
	}

	return p.store.RecordDownload(ctx, row)
}

// --- deletions ---

// deleteRemote removes the repository object for a locally deleted item.
// Not-found means someone else already deleted it; the row is purged
// either way.
func (p *Processor) deleteRemote(ctx context.Context, t *Triplet) error {
	if err := p.session.Delete(ctx, t.DB.RemoteID); err != nil && !errors.Is(err, cmis.ErrNotFound) {
		return err
	}

	return p.store.RecordDelete(ctx, strings.TrimSuffix(t.Name, "/"))
}

// deleteLocal removes the local file or (empty, thanks to the dependency
// gate) folder for a remotely deleted item.
func (p *Processor) deleteLocal(ctx context.Context, t *Triplet) error {
	absPath := t.Local.AbsPath
	if absPath == "" {
		absPath = filepath.Join(p.localRoot, filepath.FromSlash(strings.TrimSuffix(t.Name, "/")))
	}

	if err := os.Remove(absPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sync: deleting %s: %w", absPath, err)
	}

	return p.store.RecordDelete(ctx, strings.TrimSuffix(t.Name, "/"))
}

// --- conflicts ---

// resolveConflict implements keep-both: the local file is renamed with a
// conflict suffix and uploaded as a new document, then the remote version
// is downloaded under the original name. No data is lost.
func (p *Processor) resolveConflict(ctx context.Context, t *Triplet) error {
	localHash := ""
	if t.Local != nil {
		localHash, _ = t.Local.Hash(ctx)
	}

	renamed, err := p.renameAndUpload(ctx, t)
	if err != nil {
		return err
	}

	if err := p.download(ctx, t); err != nil {
		return err
	}

	return p.store.RecordConflict(ctx, &ConflictRecord{
		ID:         uuid.NewString(),
		Path:       t.Name,
		RenamedTo:  renamed,
		LocalHash:  localHash,
		RemoteHash: t.Remote.Checksum,
		DetectedAt: time.Now(),
	})
}

// renameCollision resolves a pure-local case-collision duplicate: rename
// to the conflict name and upload the renamed copy as a new document.
func (p *Processor) renameCollision(ctx context.Context, t *Triplet) error {
	localHash, _ := t.Local.Hash(ctx)

	renamed, err := p.renameAndUpload(ctx, t)
	if err != nil {
		return err
	}

	return p.store.RecordConflict(ctx, &ConflictRecord{
		ID:         uuid.NewString(),
		Path:       t.Name,
		RenamedTo:  renamed,
		LocalHash:  localHash,
		DetectedAt: time.Now(),
	})
}

// renameAndUpload moves the local file to its conflict name, uploads the
// renamed copy, and records its row. Returns the new canonical name.
func (p *Processor) renameAndUpload(ctx context.Context, t *Triplet) (string, error) {
	renamed := ConflictName(t.Name, time.Now())
	renamedRel := strings.TrimSuffix(renamed, "/")
	renamedAbs := filepath.Join(p.localRoot, filepath.FromSlash(renamedRel))

	if err := os.Rename(t.Local.AbsPath, renamedAbs); err != nil {
		return "", fmt.Errorf("sync: conflict rename %s: %w", t.Local.AbsPath, err)
	}

	if err := p.store.RecordRename(ctx, strings.TrimSuffix(t.Name, "/"), renamedRel); err != nil {
		return "", err
	}

	dup := &Triplet{
		Name:     renamed,
		IsFolder: t.IsFolder,
		Local: &LocalView{
			AbsPath: renamedAbs,
			RelPath: renamed,
			Size:    t.Local.Size,
			Mtime:   t.Local.Mtime,
		},
	}

	if err := p.uploadNew(ctx, dup); err != nil {
		return "", err
	}

	return renamed, nil
}

// actionName returns the action label for logging.
func actionName(a Action) string {
	switch a {
	case ActionNone:
		return "none"
	case ActionUploadNew:
		return "upload-new"
	case ActionUpload:
		return "upload"
	case ActionDownloadNew:
		return "download-new"
	case ActionDownload:
		return "download"
	case ActionRefresh:
		return "refresh"
	case ActionConflict:
		return "conflict"
	case ActionDeleteRemote:
		return "delete-remote"
	case ActionDeleteLocal:
		return "delete-local"
	case ActionPurgeRow:
		return "purge-row"
	case ActionAdopt:
		return "adopt"
	case ActionCollisionRename:
		return "collision-rename"
	default:
		return "unknown"
	}
}
