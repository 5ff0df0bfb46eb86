package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no cgo)
)

// safeFieldPattern guards List's filter keys: they are interpolated into
// the query text (sqlite has no placeholder syntax
// for json_extract paths), so anything outside this pattern must be
// rejected before it ever reaches a query string.
var safeFieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

const (
	defaultAncestorLimit = 50
	defaultChildLimit    = 50
	retentionInterval    = 24 * time.Hour
)

// Store is a persistent (kind, key) -> JSON cache with a single optional
// parent edge per row. All write paths serialize under mu; reads may
// proceed concurrently (sole-writer SQLite, enforced via SetMaxOpenConns(1)
// rather than an explicit pool split).
type Store struct {
	db            *sql.DB
	logger        *slog.Logger
	retentionDays int

	mu sync.Mutex

	cancelRetention context.CancelFunc
	retentionDone   chan struct{}

	nowFunc func() time.Time
}

// Open creates (if needed) and migrates the cache database at dbPath, and
// starts the background retention sweep. Call Close when done.
func Open(ctx context.Context, dbPath string, retentionDays int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating cache dir: %w", ErrPersistence, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite",
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
		db:              db,
		logger:          logger,
		retentionDays:   retentionDays,
		cancelRetention: cancel,
		retentionDone:   make(chan struct{}),
		nowFunc:         time.Now,
	}

	go s.retainPeriodically(retentionCtx)

	return s, nil
}

// Close cancels the retention sweep, waits for it to finish, and closes the
// database connection.
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

	ticker := time.NewTicker(retentionInterval)
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

// retainSafely runs Retain and swallows any error.
func (s *Store) retainSafely(ctx context.Context) {
	if err := s.Retain(ctx); err != nil {
		s.logger.Warn("retention sweep failed", slog.String("error", err.Error()))
	}
}

// Retain deletes rows whose created_at predates retentionDays. A
// non-positive retentionDays disables the sweep entirely.
func (s *Store) Retain(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}

	cutoff := s.nowFunc().UTC().AddDate(0, 0, -s.retentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("%w: retention sweep: %w", ErrPersistence, err)
	}

	return nil
}

// Put upserts (kind, key) -> data. On conflict, id and created_at are
// preserved; only data, parent_id, and updated_at change.
func (s *Store) Put(ctx context.Context, kind, key string, data any, parentID *int64) (*Entry, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling payload: %w", ErrPersistence, err)
	}

	var nullParent sql.NullInt64
	if parentID != nil {
		nullParent = sql.NullInt64{Int64: *parentID, Valid: true}
	}

	now := s.nowFunc().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache (kind, key, parent_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET
			parent_id = excluded.parent_id,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, kind, key, nullParent, string(payload), now, now)
	if err != nil {
		return nil, fmt.Errorf("%w: upserting (%s,%s): %w", ErrPersistence, kind, key, err)
	}

	entry, err := s.get(ctx, kind, key)
	if err != nil {
		return nil, err
	}

	if entry == nil {
		return nil, fmt.Errorf("%w: entry (%s,%s) missing immediately after upsert", ErrPersistence, kind, key)
	}

	return entry, nil
}

// Get returns the row for (kind, key), or nil if absent. If ttl > 0 and the
// row's updated_at is older than ttl, Get returns nil without deleting the
// row.
func (s *Store) Get(ctx context.Context, kind, key string, ttl time.Duration) (*Entry, error) {
	entry, err := s.get(ctx, kind, key)
	if err != nil {
		return nil, err
	}

	if entry == nil {
		return nil, nil
	}

	if ttl > 0 && s.nowFunc().UTC().Sub(entry.UpdatedAt) > ttl {
		return nil, nil
	}

	return entry, nil
}

func (s *Store) get(ctx context.Context, kind, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, key, parent_id, data, created_at, updated_at
		FROM cache WHERE kind = ? AND key = ?`, kind, key)

	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: reading (%s,%s): %w", ErrPersistence, kind, key, err)
	}

	return entry, nil
}

// GetByID returns the row with the given id, or nil if absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, key, parent_id, data, created_at, updated_at
		FROM cache WHERE id = ?`, id)

	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: reading id=%d: %w", ErrPersistence, id, err)
	}

	return entry, nil
}

// Delete removes (kind, key), returning true iff a row was removed.
func (s *Store) Delete(ctx context.Context, kind, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE kind = ? AND key = ?`, kind, key)
	if err != nil {
		return false, fmt.Errorf("%w: deleting (%s,%s): %w", ErrPersistence, kind, key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return n > 0, nil
}

// List returns rows of kind, newest-first, matching every filter, bounded
// by limit (0 means the default of 100). Filter paths are validated against
// safeFieldPattern before being interpolated into the query text; values
// are always bound as parameters.
func (s *Store) List(ctx context.Context, kind string, limit int, filters ...Filter) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, kind, key, parent_id, data, created_at, updated_at FROM cache WHERE kind = ?`
	params := []any{kind}

	for _, f := range filters {
		if !safeFieldPattern.MatchString(f.Path) {
			return nil, fmt.Errorf("%w: invalid filter field name %q", ErrInvalidArgument, f.Path)
		}

		query += fmt.Sprintf(" AND json_extract(data, '$.%s') = ?", f.Path)
		params = append(params, f.Value)
	}

	query += ` ORDER BY created_at DESC LIMIT ?`
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing kind=%s: %w", ErrPersistence, kind, err)
	}
	defer rows.Close()

	var out []*Entry

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning row: %w", ErrPersistence, err)
		}

		out = append(out, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return out, nil
}

// Count returns the number of rows of kind currently in the cache. Used by
// diagnostic callers (cmd/broker's cache show) rather than anything on the
// request path.
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	var n int

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache WHERE kind = ?`, kind).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting kind=%s: %w", ErrPersistence, kind, err)
	}

	return n, nil
}

// GetAncestors walks parent_id upward from (kind,key), exclusive of the
// starting row, immediate parent first. Bounded by limit (0 -> default 50)
// to defend against a cycle introduced by schema corruption.
func (s *Store) GetAncestors(ctx context.Context, kind, key string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = defaultAncestorLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE ancestor_chain(id, kind, key, parent_id, data, created_at, updated_at, depth) AS (
			SELECT id, kind, key, parent_id, data, created_at, updated_at, 0
			FROM cache WHERE kind = ? AND key = ?
			UNION ALL
			SELECT c.id, c.kind, c.key, c.parent_id, c.data, c.created_at, c.updated_at, ac.depth + 1
			FROM cache c JOIN ancestor_chain ac ON c.id = ac.parent_id
			WHERE ac.depth < ?
		)
		SELECT id, kind, key, parent_id, data, created_at, updated_at
		FROM ancestor_chain WHERE depth > 0 ORDER BY depth
	`, kind, key, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: ancestors of (%s,%s): %w", ErrPersistence, kind, key, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetChildren returns the full transitive closure of descendants of
// (kind, parentKey), bounded by limit (0 -> default 50).
func (s *Store) GetChildren(ctx context.Context, kind, parentKey string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = defaultChildLimit
	}

	parent, err := s.get(ctx, kind, parentKey)
	if err != nil {
		return nil, err
	}

	if parent == nil {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE child_chain(id, kind, key, parent_id, data, created_at, updated_at) AS (
			SELECT id, kind, key, parent_id, data, created_at, updated_at FROM cache WHERE parent_id = ?
			UNION ALL
			SELECT c.id, c.kind, c.key, c.parent_id, c.data, c.created_at, c.updated_at
			FROM cache c JOIN child_chain cc ON c.parent_id = cc.id
		)
		SELECT id, kind, key, parent_id, data, created_at, updated_at FROM child_chain LIMIT ?
	`, parent.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: children of (%s,%s): %w", ErrPersistence, kind, parentKey, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e        Entry
		dataText string
	)

	if err := row.Scan(&e.ID, &e.Kind, &e.Key, &e.ParentID, &dataText, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}

	e.Data = json.RawMessage(dataText)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()

	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning row: %w", ErrPersistence, err)
		}

		out = append(out, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return out, nil
}
