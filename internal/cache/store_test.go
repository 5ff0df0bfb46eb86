package cache

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := Open(context.Background(), dbPath, 0, logger)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, s.Close()) })

	return s
}

// A second Put to the same (kind, key) updates data/parent_id/updated_at
// but preserves id and created_at.
func TestPut_PreservesIdentityAcrossUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Put(ctx, "widget", "a", map[string]string{"v": "1"}, nil)
	require.NoError(t, err)

	second, err := s.Put(ctx, "widget", "a", map[string]string{"v": "2"}, nil)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())

	var v map[string]string
	require.NoError(t, second.DataAs(&v))
	require.Equal(t, "2", v["v"])
}

func TestPut_SetsParentID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent, err := s.Put(ctx, "widget", "parent", map[string]string{"v": "p"}, nil)
	require.NoError(t, err)

	child, err := s.Put(ctx, "widget", "child", map[string]string{"v": "c"}, &parent.ID)
	require.NoError(t, err)

	require.True(t, child.ParentID.Valid)
	require.Equal(t, parent.ID, child.ParentID.Int64)
}

func TestGet_MissingReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.Get(context.Background(), "widget", "nonexistent", 0)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestGet_TTLExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fakeNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return fakeNow }

	_, err := s.Put(ctx, "widget", "a", map[string]string{"v": "1"}, nil)
	require.NoError(t, err)

	// Within TTL: visible.
	s.nowFunc = func() time.Time { return fakeNow.Add(time.Minute) }
	entry, err := s.Get(ctx, "widget", "a", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Past TTL: Get reports absent, but the row survives (no implicit delete).
	s.nowFunc = func() time.Time { return fakeNow.Add(2 * time.Hour) }
	entry, err = s.Get(ctx, "widget", "a", time.Hour)
	require.NoError(t, err)
	require.Nil(t, entry)

	raw, err := s.get(ctx, "widget", "a")
	require.NoError(t, err)
	require.NotNil(t, raw)
}

// A filter path outside safeFieldPattern is rejected before any query
// executes.
func TestList_RejectsUnsafeFilterField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "widget", "a", map[string]string{"status": "ready"}, nil)
	require.NoError(t, err)

	_, err = s.List(ctx, "widget", 0, Filter{Path: "status; DROP TABLE cache;--", Value: "ready"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	// A well-formed query still works afterward — the attempted injection
	// never reached the database.
	results, err := s.List(ctx, "widget", 0, Filter{Path: "status", Value: "ready"})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestList_FiltersByJSONField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "widget", "a", map[string]string{"status": "ready"}, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "widget", "b", map[string]string{"status": "pending"}, nil)
	require.NoError(t, err)

	results, err := s.List(ctx, "widget", 0, Filter{Path: "status", Value: "ready"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].Key)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "widget", "a", map[string]string{"v": "1"}, nil)
	require.NoError(t, err)

	ok, err := s.Delete(ctx, "widget", "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Delete(ctx, "widget", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCount_ReflectsPutsAndDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Count(ctx, "widget")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = s.Put(ctx, "widget", "a", map[string]string{"v": "1"}, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "widget", "b", map[string]string{"v": "2"}, nil)
	require.NoError(t, err)

	n, err = s.Count(ctx, "widget")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = s.Delete(ctx, "widget", "a")
	require.NoError(t, err)

	n, err = s.Count(ctx, "widget")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCount_IsolatesByKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "widget", "a", map[string]string{"v": "1"}, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "gadget", "a", map[string]string{"v": "1"}, nil)
	require.NoError(t, err)

	n, err := s.Count(ctx, "widget")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

// Ancestors come back immediate parent first, root last, one entry per
// level of depth.
func TestGetAncestors_OrderedImmediateParentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grandparent, err := s.Put(ctx, "image", "gp", map[string]string{"n": "gp"}, nil)
	require.NoError(t, err)

	parent, err := s.Put(ctx, "image", "p", map[string]string{"n": "p"}, &grandparent.ID)
	require.NoError(t, err)

	child, err := s.Put(ctx, "image", "c", map[string]string{"n": "c"}, &parent.ID)
	require.NoError(t, err)

	ancestors, err := s.GetAncestors(ctx, "image", child.Key, 0)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	require.Equal(t, parent.Key, ancestors[0].Key)
	require.Equal(t, grandparent.Key, ancestors[1].Key)
}

func TestGetChildren_TransitiveClosure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root, err := s.Put(ctx, "image", "root", map[string]string{"n": "root"}, nil)
	require.NoError(t, err)

	mid, err := s.Put(ctx, "image", "mid", map[string]string{"n": "mid"}, &root.ID)
	require.NoError(t, err)

	_, err = s.Put(ctx, "image", "leaf", map[string]string{"n": "leaf"}, &mid.ID)
	require.NoError(t, err)

	children, err := s.GetChildren(ctx, "image", "root", 0)
	require.NoError(t, err)
	require.Len(t, children, 2)
}

func TestRetain_DeletesOlderThanRetentionDays(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := Open(context.Background(), dbPath, 7, logger)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	ctx := context.Background()
	fakeNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return fakeNow.AddDate(0, 0, -10) }

	_, err = s.Put(ctx, "widget", "old", map[string]string{"v": "1"}, nil)
	require.NoError(t, err)

	s.nowFunc = func() time.Time { return fakeNow }

	_, err = s.Put(ctx, "widget", "fresh", map[string]string{"v": "2"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Retain(ctx))

	old, err := s.Get(ctx, "widget", "old", 0)
	require.NoError(t, err)
	require.Nil(t, old)

	fresh, err := s.Get(ctx, "widget", "fresh", 0)
	require.NoError(t, err)
	require.NotNil(t, fresh)
}

func TestRetain_DisabledWhenNonPositive(t *testing.T) {
	s := newTestStore(t) // retentionDays = 0
	ctx := context.Background()

	s.nowFunc = func() time.Time { return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC) }
	_, err := s.Put(ctx, "widget", "ancient", map[string]string{"v": "1"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Retain(ctx))

	entry, err := s.Get(ctx, "widget", "ancient", 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
}
