package history

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpie-md/kelpie/internal/document"
	"github.com/kelpie-md/kelpie/internal/snapshot"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func payload(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"rev":%d}`, n))
}

func withDocument(t *testing.T, id string) *snapshot.Snapshot {
	t.Helper()
	s, err := document.Create(snapshot.NewInitial(t0), document.CreateOptions{ID: id, Title: "Doc"}, t0)
	require.NoError(t, err)
	return s
}

func capture(t *testing.T, s *snapshot.Snapshot, refID string, n int, at time.Time) *snapshot.Snapshot {
	t.Helper()
	result, err := Capture(s, CaptureInput{
		Scope:    snapshot.ScopeDocument,
		RefID:    refID,
		Snapshot: payload(n),
		Origin:   snapshot.OriginKeyboard,
	}, at)
	require.NoError(t, err)
	return result.Snapshot
}

func docTarget(refID string) Target {
	return Target{Scope: snapshot.ScopeDocument, RefID: refID}
}

func TestCaptureAssignsIncreasingSequences(t *testing.T) {
	s := withDocument(t, "a")
	s = capture(t, s, "a", 1, t0)
	s = capture(t, s, "a", 2, t0.Add(time.Second))
	s = capture(t, s, "a", 3, t0.Add(2*time.Second))

	require.Len(t, s.History, 3)
	assert.Equal(t, int64(1), s.History[0].Sequence)
	assert.Equal(t, int64(2), s.History[1].Sequence)
	assert.Equal(t, int64(3), s.History[2].Sequence)
}

func TestCaptureValidatesTargets(t *testing.T) {
	s := withDocument(t, "a")

	_, err := Capture(s, CaptureInput{Scope: snapshot.ScopeDocument, RefID: "ghost", Snapshot: payload(1)}, t0)
	assert.Error(t, err, "unknown document ref is rejected")

	_, err = Capture(s, CaptureInput{Scope: snapshot.ScopeSettings, RefID: "a", Snapshot: payload(1)}, t0)
	assert.Error(t, err, "settings scope only accepts the settings refId")

	_, err = Capture(s, CaptureInput{Scope: snapshot.ScopeSettings, RefID: snapshot.SettingsRefID, Snapshot: payload(1)}, t0)
	assert.NoError(t, err)
}

func TestCaptureDefaultsOrigin(t *testing.T) {
	s := withDocument(t, "a")
	result, err := Capture(s, CaptureInput{Scope: snapshot.ScopeDocument, RefID: "a", Snapshot: payload(1)}, t0)
	require.NoError(t, err)
	assert.Equal(t, snapshot.OriginAPI, result.Entry.Origin)
}

func TestCaptureCapPrunesOldestAndAudits(t *testing.T) {
	s := withDocument(t, "a")
	s.Config.HistoryEntryCap = 2
	s.Config.HistoryRetentionDays = 0

	s = capture(t, s, "a", 1, t0)
	s = capture(t, s, "a", 2, t0.Add(time.Second))
	result, err := Capture(s, CaptureInput{Scope: snapshot.ScopeDocument, RefID: "a", Snapshot: payload(3)}, t0.Add(2*time.Second))
	require.NoError(t, err)

	require.Len(t, result.Snapshot.History, 2)
	assert.Equal(t, int64(2), result.Snapshot.History[0].Sequence)
	assert.Equal(t, int64(3), result.Snapshot.History[1].Sequence)

	require.Len(t, result.Pruned, 1)
	assert.Equal(t, int64(1), result.Pruned[0].Sequence)

	require.NotNil(t, result.AuditEntry)
	assert.Equal(t, snapshot.AuditHistoryPruned, result.AuditEntry.Type)
	assert.Equal(t, 1, result.AuditEntry.Metadata["count"])
	assert.Equal(t, 2, result.AuditEntry.Metadata["entryCap"])
}

func TestCapturePruneWithAuditingDisabled(t *testing.T) {
	s := withDocument(t, "a")
	s.Config.HistoryEntryCap = 2
	s.Config.HistoryRetentionDays = 0
	s.Config.EnableAudit = false

	s = capture(t, s, "a", 1, t0)
	s = capture(t, s, "a", 2, t0.Add(time.Second))
	result, err := Capture(s, CaptureInput{Scope: snapshot.ScopeDocument, RefID: "a", Snapshot: payload(3)}, t0.Add(2*time.Second))
	require.NoError(t, err)

	require.Len(t, result.Pruned, 1)
	assert.Nil(t, result.AuditEntry, "no audit record was appended, so none is reported")
	assert.Equal(t, s.Audit, result.Snapshot.Audit)
}

func TestCaptureRetentionPrunesBeforeCap(t *testing.T) {
	s := withDocument(t, "a")
	s.Config.HistoryRetentionDays = 7
	s.Config.HistoryEntryCap = 200

	old := t0.Add(-8 * 24 * time.Hour)
	result, err := Capture(s, CaptureInput{
		Scope: snapshot.ScopeDocument, RefID: "a", Snapshot: payload(1), CreatedAt: old,
	}, old)
	require.NoError(t, err)
	s = result.Snapshot
	require.Len(t, s.History, 1)

	// The next capture at t0 prunes the stale entry by age.
	result, err = Capture(s, CaptureInput{Scope: snapshot.ScopeDocument, RefID: "a", Snapshot: payload(2)}, t0)
	require.NoError(t, err)

	require.Len(t, result.Snapshot.History, 1)
	assert.Equal(t, int64(2), result.Snapshot.History[0].Sequence)
	require.Len(t, result.Pruned, 1)
}

func TestNewCacheReplaysInterleavedTimelines(t *testing.T) {
	s := withDocument(t, "a")
	s, err := document.Create(s, document.CreateOptions{ID: "b", Title: "B"}, t0)
	require.NoError(t, err)

	s = capture(t, s, "a", 1, t0)
	s = capture(t, s, "b", 2, t0.Add(time.Second))
	s = capture(t, s, "a", 3, t0.Add(2*time.Second))

	cache := NewCache(s)

	viewA := cache.Timeline(docTarget("a"))
	require.NotNil(t, viewA.Cursor)
	assert.Equal(t, int64(3), viewA.Cursor.Sequence)
	require.Len(t, viewA.Past, 1)
	assert.Equal(t, int64(1), viewA.Past[0].Sequence)
	assert.Empty(t, viewA.Future, "redo stacks are never rebuilt from persisted state")

	viewB := cache.Timeline(docTarget("b"))
	require.NotNil(t, viewB.Cursor)
	assert.Equal(t, int64(2), viewB.Cursor.Sequence)
	assert.Empty(t, viewB.Past)
}

func TestUndoRedoRoundTrip(t *testing.T) {
	s := withDocument(t, "a")
	s = capture(t, s, "a", 1, t0)
	s = capture(t, s, "a", 2, t0.Add(time.Second))
	cache := NewCache(s)
	target := docTarget("a")

	restore, undone := cache.Undo(target, UndoContext{Snapshot: payload(99)}, t0.Add(2*time.Second))
	require.True(t, undone)
	require.NotNil(t, restore)
	assert.Equal(t, int64(1), restore.Sequence, "undo restores the previous entry")

	view := cache.Timeline(target)
	require.Len(t, view.Future, 1)
	assert.Equal(t, json.RawMessage(payload(99)), view.Future[0].Snapshot, "redo preserves the pre-undo state")

	redone := cache.Redo(target)
	require.NotNil(t, redone)
	assert.Equal(t, json.RawMessage(payload(99)), redone.Snapshot)

	// The cursor is back at the original entry, exactly as before the undo.
	view = cache.Timeline(target)
	require.NotNil(t, view.Cursor)
	assert.Equal(t, int64(2), view.Cursor.Sequence)
	require.Len(t, view.Past, 1)
	assert.Equal(t, int64(1), view.Past[0].Sequence)
	assert.Empty(t, view.Future)
}

func TestUndoWithEmptyTimeline(t *testing.T) {
	cache := NewCache(snapshot.NewInitial(t0))
	restore, undone := cache.Undo(docTarget("a"), UndoContext{Snapshot: payload(1)}, t0)
	assert.Nil(t, restore)
	assert.False(t, undone)
	assert.Nil(t, cache.Redo(docTarget("a")))
}

func TestUndoToEmptyPastThenRedo(t *testing.T) {
	s := withDocument(t, "a")
	s = capture(t, s, "a", 1, t0)
	cache := NewCache(s)
	target := docTarget("a")

	restore, undone := cache.Undo(target, UndoContext{Snapshot: payload(50)}, t0.Add(time.Second))
	assert.Nil(t, restore, "undoing the only entry leaves nothing to restore to")
	assert.True(t, undone, "distinguishable from an empty timeline")

	view := cache.Timeline(target)
	assert.Nil(t, view.Cursor)
	require.Len(t, view.Future, 1)

	redone := cache.Redo(target)
	require.NotNil(t, redone)
	view = cache.Timeline(target)
	require.NotNil(t, view.Cursor)
	assert.Equal(t, int64(1), view.Cursor.Sequence, "redo restores the departed cursor")
}

func TestTimelineFutureChronologicalOrder(t *testing.T) {
	s := withDocument(t, "a")
	s = capture(t, s, "a", 1, t0)
	s = capture(t, s, "a", 2, t0.Add(time.Second))
	s = capture(t, s, "a", 3, t0.Add(2*time.Second))
	cache := NewCache(s)
	target := docTarget("a")

	cache.Undo(target, UndoContext{Snapshot: payload(10)}, t0.Add(3*time.Second))
	cache.Undo(target, UndoContext{Snapshot: payload(11)}, t0.Add(4*time.Second))

	view := cache.Timeline(target)
	require.Len(t, view.Future, 2)
	// Next redo first.
	assert.Equal(t, json.RawMessage(payload(11)), view.Future[0].Snapshot)
	assert.Equal(t, json.RawMessage(payload(10)), view.Future[1].Snapshot)
}

func TestPruneDropsEntriesAndRederivesCursor(t *testing.T) {
	s := withDocument(t, "a")
	s = capture(t, s, "a", 1, t0)
	s = capture(t, s, "a", 2, t0.Add(time.Second))
	cache := NewCache(s)
	target := docTarget("a")

	// Prune the cursor entry; the cursor re-derives from past.
	cache.Prune([]snapshot.HistoryEntry{s.History[1]})
	view := cache.Timeline(target)
	require.NotNil(t, view.Cursor)
	assert.Equal(t, int64(1), view.Cursor.Sequence)
	assert.Empty(t, view.Past)

	// Prune the remaining entry; the timeline is empty.
	cache.Prune([]snapshot.HistoryEntry{s.History[0]})
	view = cache.Timeline(target)
	assert.Nil(t, view.Cursor)
	assert.Empty(t, view.Past)
}

func TestPruneDropsPairedRedoEntries(t *testing.T) {
	s := withDocument(t, "a")
	s = capture(t, s, "a", 1, t0)
	s = capture(t, s, "a", 2, t0.Add(time.Second))
	cache := NewCache(s)
	target := docTarget("a")

	cache.Undo(target, UndoContext{Snapshot: payload(9)}, t0.Add(2*time.Second))

	// The redo entry is paired with the pruned cursor, so it goes too.
	cache.Prune([]snapshot.HistoryEntry{s.History[1]})
	view := cache.Timeline(target)
	assert.Empty(t, view.Future)
	assert.Nil(t, cache.Redo(target))
}
