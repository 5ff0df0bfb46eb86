package filecache

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	_ "modernc.org/sqlite"
)

const (
	defaultUploadConcurrency    = 10
	defaultRevalidationInterval = 24 * time.Hour
	retentionSweepInterval      = 24 * time.Hour
)

// Store is the File Cache: an incremental uploader that
// materializes directory states and keeps them in sync against both local
// changes and server-side blob eviction.
type Store struct {
	db            *sql.DB
	logger        *slog.Logger
	retentionDays int

	mu                   sync.Mutex // serializes directory_state_file writes (sole-writer SQLite)
	uploadSem            *semaphore.Weighted
	revalidationInterval time.Duration
	cancelRetention      context.CancelFunc
	retentionDone        chan struct{}

	nowFunc func() time.Time
}

// Option customizes a Store's upload/revalidation tuning at construction
// time, overriding the package defaults. Applied after Open's base
// configuration, so later options in the list win over earlier ones.
type Option func(*Store)

// WithUploadConcurrency overrides the default upload semaphore weight.
func WithUploadConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.uploadSem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRevalidationInterval overrides the fixed window after which a synced
// directory's blobs are re-checked against the remote
// (config.CacheConfig.RevalidationInterval).
func WithRevalidationInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.revalidationInterval = d
		}
	}
}

// Open creates (if needed) and migrates the file-cache database at dbPath,
// and starts the background retention sweep.
func Open(ctx context.Context, dbPath string, retentionDays int, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating cache dir: %w", ErrPersistence, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_time_format=sqlite",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrPersistence, dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	retentionCtx, cancel := context.WithCancel(context.Background())

	s := &Store{
		db:                   db,
		logger:               logger,
		retentionDays:        retentionDays,
		uploadSem:            semaphore.NewWeighted(defaultUploadConcurrency),
		revalidationInterval: defaultRevalidationInterval,
		cancelRetention:      cancel,
		retentionDone:        make(chan struct{}),
		nowFunc:              time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.retainPeriodically(retentionCtx)

	return s, nil
}

// Close cancels the retention sweep, waits for it, and closes the database.
func (s *Store) Close() error {
	s.cancelRetention()
	<-s.retentionDone

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: closing database: %w", ErrPersistence, err)
	}

	return nil
}

func (s *Store) retainPeriodically(ctx context.Context) {
	defer close(s.retentionDone)

	s.retainSafely(ctx)

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.retainSafely(ctx)
		}
	}
}

func (s *Store) retainSafely(ctx context.Context) {
	if err := s.Retain(ctx); err != nil {
		s.logger.Warn("retention sweep failed", slog.String("error", err.Error()))
	}
}

// Retain deletes files and directory_state rows older than retentionDays.
// A non-positive retentionDays disables the sweep.
func (s *Store) Retain(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}

	cutoff := s.nowFunc().UTC().AddDate(0, 0, -s.retentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("%w: retention sweep on files: %w", ErrPersistence, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM directory_state WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("%w: retention sweep on directory_state: %w", ErrPersistence, err)
	}

	return nil
}

// SyncDirectory materializes a directory state for path, uploading only
// the blobs the remote does not already have. path must be absolute;
// destination has its trailing slash stripped. Returns the same
// directory_state id across calls for the same (path, destination,
// sorted(excludes)).
func (s *Store) SyncDirectory(ctx context.Context, uploader Uploader, path, destination string, excludes []string, name string) (int64, error) {
	if !filepath.IsAbs(path) {
		return 0, fmt.Errorf("%w: path %q is not absolute", ErrInvalidArgument, path)
	}

	destination = strings.TrimRight(destination, "/")
	pathUUID := directoryStateUUID(path, destination, excludes)

	local, err := traverse(path, excludes)
	if err != nil {
		return 0, err
	}

	existingID, err := s.lookupDirectoryStateID(ctx, pathUUID)
	if err != nil {
		return 0, err
	}

	if existingID == 0 {
		return s.syncNewDirectory(ctx, uploader, local, pathUUID, path, destination, name)
	}

	synced, err := s.getSyncedDirectoryFiles(ctx, existingID)
	if err != nil {
		return 0, err
	}

	needsReval, err := s.needsRevalidation(ctx, existingID)
	if err != nil {
		return 0, err
	}

	if needsReval {
		if err := s.revalidateFiles(ctx, uploader, existingID, synced, path, destination); err != nil {
			return 0, err
		}

		synced, err = s.getSyncedDirectoryFiles(ctx, existingID)
		if err != nil {
			return 0, err
		}
	}

	if sameFileSets(local, synced) {
		return existingID, nil
	}

	return s.updateSyncedDirectory(ctx, uploader, existingID, local, synced, path, destination)
}

func sameFileSets(local, synced map[string]FileState) bool {
	if len(local) != len(synced) {
		return false
	}

	for path, l := range local {
		s, ok := synced[path]
		if !ok || !l.identityEqual(s) {
			return false
		}
	}

	return true
}

func (s *Store) lookupDirectoryStateID(ctx context.Context, pathUUID string) (int64, error) {
	var id int64

	err := s.db.QueryRowContext(ctx, `SELECT id FROM directory_state WHERE uuid = ?`, pathUUID).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}

		return 0, fmt.Errorf("%w: looking up directory state %s: %w", ErrPersistence, pathUUID, err)
	}

	return id, nil
}

// getSyncedDirectoryFiles returns the files currently recorded for a
// directory state, keyed by absolute local path (joining back through
// directory_state_file.uuid -> files.uuid).
func (s *Store) getSyncedDirectoryFiles(ctx context.Context, stateID int64) (map[string]FileState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.path, f.size, f.mtime, f.ino, f.mode, f.sha256, f.uuid
		FROM directory_state ds
		JOIN directory_state_file dsf ON ds.id = dsf.state_id
		JOIN files f ON dsf.uuid = f.uuid
		WHERE ds.id = ?
	`, stateID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading synced files for state %d: %w", ErrPersistence, stateID, err)
	}
	defer rows.Close()

	out := make(map[string]FileState)

	for rows.Next() {
		var fs FileState

		var ino int64

		if err := rows.Scan(&fs.Path, &fs.Size, &fs.MtimeNs, &ino, &fs.Mode, &fs.SHA256, &fs.UUID); err != nil {
			return nil, fmt.Errorf("%w: scanning synced file row: %w", ErrPersistence, err)
		}

		fs.Ino = uint64(ino)
		out[fs.Path] = fs
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return out, nil
}

// needsRevalidation treats a NULL updated_at (pre-migration rows) as
// "due".
func (s *Store) needsRevalidation(ctx context.Context, stateID int64) (bool, error) {
	var updatedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM directory_state WHERE id = ?`, stateID).Scan(&updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return true, nil
		}

		return false, fmt.Errorf("%w: reading updated_at for state %d: %w", ErrPersistence, stateID, err)
	}

	if !updatedAt.Valid {
		return true, nil
	}

	return s.nowFunc().UTC().Sub(updatedAt.Time.UTC()) > s.revalidationInterval, nil
}

// revalidateFiles asks the remote whether each known blob still exists,
// re-uploading any that don't, and invalidating the upload-coalescing cache
// entries for those blobs first.
func (s *Store) revalidateFiles(ctx context.Context, uploader Uploader, stateID int64, synced map[string]FileState, root, destination string) error {
	now := s.nowFunc().UTC()

	if len(synced) == 0 {
		return s.touchDirectoryState(ctx, stateID, now)
	}

	type staleFile struct {
		state FileState
	}

	var (
		mu    sync.Mutex
		stale []staleFile
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, fs := range synced {
		fs := fs

		g.Go(func() error {
			exists, err := uploader.CheckFileExistsByHash(gctx, fs.SHA256)
			if err != nil {
				return err
			}

			if !exists {
				mu.Lock()
				stale = append(stale, staleFile{state: fs})
				mu.Unlock()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("filecache: checking blob existence: %w", err)
	}

	for _, sf := range stale {
		if err := uploader.InvalidateUpload(ctx, sf.state.SHA256, sf.state.UUID); err != nil {
			return fmt.Errorf("filecache: invalidating stale upload cache: %w", err)
		}
	}

	uploaded := make([]FileState, len(stale))
	ug, ugctx := errgroup.WithContext(ctx)

	for i, sf := range stale {
		i, sf := i, sf

		ug.Go(func() error {
			result, err := s.uploadFile(ugctx, uploader, sf.state)
			if err != nil {
				return err
			}

			uploaded[i] = result

			return nil
		})
	}

	if err := ug.Wait(); err != nil {
		return fmt.Errorf("filecache: re-uploading stale files: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fs := range uploaded {
		relativePath, err := filepath.Rel(root, fs.Path)
		if err != nil {
			return fmt.Errorf("filecache: computing relative path for %s: %w", fs.Path, err)
		}

		targetPath := destination + "/" + filepath.ToSlash(relativePath)

		if _, err := s.db.ExecContext(ctx, `
			UPDATE directory_state_file SET uuid = ? WHERE state_id = ? AND target_path = ?
		`, fs.UUID, stateID, targetPath); err != nil {
			return fmt.Errorf("%w: updating directory_state_file for %s: %w", ErrPersistence, targetPath, err)
		}
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE directory_state SET updated_at = ? WHERE id = ?`, now, stateID); err != nil {
		return fmt.Errorf("%w: touching directory_state %d: %w", ErrPersistence, stateID, err)
	}

	return nil
}

func (s *Store) touchDirectoryState(ctx context.Context, stateID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE directory_state SET updated_at = ? WHERE id = ?`, now, stateID); err != nil {
		return fmt.Errorf("%w: touching directory_state %d: %w", ErrPersistence, stateID, err)
	}

	return nil
}

// syncNewDirectory handles a first-time sync: upload every local file,
// insert the directory_state row, then one directory_state_file row per
// upload.
func (s *Store) syncNewDirectory(ctx context.Context, uploader Uploader, local map[string]FileState, pathUUID, root, destination, name string) (int64, error) {
	uploaded, err := s.uploadAll(ctx, uploader, local)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	now := s.nowFunc().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO directory_state (uuid, name, destination, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
	`, pathUUID, nullableString(name), destination, now, now)
	s.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("%w: inserting directory_state %s: %w", ErrPersistence, pathUUID, err)
	}

	stateID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: reading directory_state id: %w", ErrPersistence, err)
	}

	if err := s.insertDirectoryStateFiles(ctx, stateID, uploaded, root, destination); err != nil {
		return 0, err
	}

	return stateID, nil
}

// updateSyncedDirectory reconciles an existing state: upload local\synced,
// carry through synced∩local sourced from the synced side (only it has
// uuid populated; picking from local would null out remote attachments),
// replace the directory_state_file set atomically, touch updated_at.
func (s *Store) updateSyncedDirectory(ctx context.Context, uploader Uploader, stateID int64, local, synced map[string]FileState, root, destination string) (int64, error) {
	toUpload := make(map[string]FileState)

	for path, l := range local {
		if syncedState, ok := synced[path]; !ok || !l.identityEqual(syncedState) {
			toUpload[path] = l
		}
	}

	uploadedFiles, err := s.uploadAll(ctx, uploader, toUpload)
	if err != nil {
		return 0, err
	}

	// Critical invariant: unchanged files come from synced (uuid populated),
	// never from local (uuid is always empty there).
	unchanged := make([]FileState, 0, len(synced))

	for path, syncedState := range synced {
		if l, ok := local[path]; ok && l.identityEqual(syncedState) {
			unchanged = append(unchanged, syncedState)
		}
	}

	all := append(uploadedFiles, unchanged...)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: beginning transaction: %w", ErrPersistence, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM directory_state_file WHERE state_id = ?`, stateID); err != nil {
		return 0, fmt.Errorf("%w: clearing directory_state_file for %d: %w", ErrPersistence, stateID, err)
	}

	for _, fs := range all {
		relativePath, err := filepath.Rel(root, fs.Path)
		if err != nil {
			return 0, fmt.Errorf("filecache: computing relative path for %s: %w", fs.Path, err)
		}

		targetPath := destination + "/" + filepath.ToSlash(relativePath)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO directory_state_file (state_id, uuid, target_path, target_mode) VALUES (?, ?, ?, ?)
		`, stateID, fs.UUID, targetPath, fs.Mode); err != nil {
			return 0, fmt.Errorf("%w: inserting directory_state_file for %s: %w", ErrPersistence, targetPath, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE directory_state SET updated_at = ? WHERE id = ?`, s.nowFunc().UTC(), stateID); err != nil {
		return 0, fmt.Errorf("%w: touching directory_state %d: %w", ErrPersistence, stateID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: committing directory_state_file update: %w", ErrPersistence, err)
	}

	return stateID, nil
}

func (s *Store) insertDirectoryStateFiles(ctx context.Context, stateID int64, files []FileState, root, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %w", ErrPersistence, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, fs := range files {
		relativePath, err := filepath.Rel(root, fs.Path)
		if err != nil {
			return fmt.Errorf("filecache: computing relative path for %s: %w", fs.Path, err)
		}

		targetPath := destination + "/" + filepath.ToSlash(relativePath)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO directory_state_file (state_id, uuid, target_path, target_mode) VALUES (?, ?, ?, ?)
		`, stateID, fs.UUID, targetPath, fs.Mode); err != nil {
			return fmt.Errorf("%w: inserting directory_state_file for %s: %w", ErrPersistence, targetPath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing directory_state_file insert: %w", ErrPersistence, err)
	}

	return nil
}

// uploadAll uploads every file in the set concurrently, bounded by the
// shared upload semaphore.
func (s *Store) uploadAll(ctx context.Context, uploader Uploader, files map[string]FileState) ([]FileState, error) {
	if len(files) == 0 {
		return nil, nil
	}

	results := make([]FileState, len(files))

	g, gctx := errgroup.WithContext(ctx)

	i := 0

	for _, fs := range files {
		idx, fs := i, fs
		i++

		g.Go(func() error {
			if err := s.uploadSem.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("filecache: acquiring upload slot: %w", err)
			}
			defer s.uploadSem.Release(1)

			uploaded, err := s.uploadFile(gctx, uploader, fs)
			if err != nil {
				return err
			}

			results[idx] = uploaded

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("filecache: uploading files: %w", err)
	}

	return results, nil
}

// uploadFile uploads one file's content and upserts the corresponding
// files row (keyed by the unique path), preserving id/created_at on
// re-upload.
func (s *Store) uploadFile(ctx context.Context, uploader Uploader, fs FileState) (FileState, error) {
	content, err := os.ReadFile(fs.Path)
	if err != nil {
		return FileState{}, fmt.Errorf("filecache: reading %s: %w", fs.Path, err)
	}

	uuid, sha256, err := uploader.UploadFile(ctx, bytes.NewReader(content))
	if err != nil {
		return FileState{}, fmt.Errorf("filecache: uploading %s: %w", fs.Path, err)
	}

	fs.SHA256 = sha256
	fs.UUID = uuid

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (path, size, mtime, ino, mode, sha256, uuid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			mtime = excluded.mtime,
			ino = excluded.ino,
			mode = excluded.mode,
			sha256 = excluded.sha256,
			uuid = excluded.uuid,
			updated_at = excluded.updated_at
	`, fs.Path, fs.Size, fs.MtimeNs, int64(fs.Ino), fs.Mode, fs.SHA256, fs.UUID, now, now)
	if err != nil {
		return FileState{}, fmt.Errorf("%w: upserting file row for %s: %w", ErrPersistence, fs.Path, err)
	}

	return fs, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

// Stats is a point-in-time summary of the file cache's contents, for
// diagnostic callers (cmd/broker's cache show) rather than anything on
// the sync path.
type Stats struct {
	DirectoryStateCount int
	FileCount           int
}

// Stats returns the current row counts of the two top-level tables.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM directory_state`).Scan(&stats.DirectoryStateCount); err != nil {
		return Stats{}, fmt.Errorf("%w: counting directory_state: %w", ErrPersistence, err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&stats.FileCount); err != nil {
		return Stats{}, fmt.Errorf("%w: counting files: %w", ErrPersistence, err)
	}

	return stats, nil
}

// GetDirectoryState returns the metadata row for a state, or nil if absent.
func (s *Store) GetDirectoryState(ctx context.Context, id int64) (*DirectoryState, error) {
	var (
		ds   DirectoryState
		name sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `SELECT id, uuid, name, destination FROM directory_state WHERE id = ?`, id).
		Scan(&ds.ID, &ds.UUID, &name, &ds.Destination)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: reading directory_state %d: %w", ErrPersistence, id, err)
	}

	ds.Name = name.String

	return &ds, nil
}

// GetDirectoryStateFiles returns the files mapped into a directory state.
func (s *Store) GetDirectoryStateFiles(ctx context.Context, id int64) ([]DirectoryStateFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, target_path, target_mode FROM directory_state_file WHERE state_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: reading directory_state_file for %d: %w", ErrPersistence, id, err)
	}
	defer rows.Close()

	var out []DirectoryStateFile

	for rows.Next() {
		var f DirectoryStateFile

		if err := rows.Scan(&f.FileUUID, &f.TargetPath, &f.TargetMode); err != nil {
			return nil, fmt.Errorf("%w: scanning directory_state_file row: %w", ErrPersistence, err)
		}

		out = append(out, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return out, nil
}
