package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpie-md/kelpie/internal/snapshot"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newSnapshot() *snapshot.Snapshot {
	return snapshot.NewInitial(t0)
}

// seed creates documents with the given ids, in order.
func seed(t *testing.T, s *snapshot.Snapshot, ids ...string) *snapshot.Snapshot {
	t.Helper()
	for _, id := range ids {
		next, err := Create(s, CreateOptions{ID: id, Title: "Doc " + id}, t0)
		require.NoError(t, err)
		s = next
	}
	return s
}

func lastAudit(t *testing.T, s *snapshot.Snapshot) snapshot.AuditEntry {
	t.Helper()
	require.NotEmpty(t, s.Audit)
	return s.Audit[len(s.Audit)-1]
}

func TestCreateDefaults(t *testing.T) {
	s, err := Create(newSnapshot(), CreateOptions{}, t0)
	require.NoError(t, err)

	require.Len(t, s.Index, 1)
	id := s.Index[0].ID
	assert.NotEmpty(t, id)
	assert.Equal(t, DefaultTitle, s.Index[0].Title)
	assert.Equal(t, DefaultTitle, s.Documents[id].Title)
	assert.Equal(t, "", s.Documents[id].Content)
	assert.Equal(t, id, s.Settings.LastActiveDocumentID)
	assert.Equal(t, snapshot.AuditDocumentCreated, lastAudit(t, s).Type)
}

func TestCreateBlankTitleFallsBack(t *testing.T) {
	s, err := Create(newSnapshot(), CreateOptions{ID: "a", Title: "   "}, t0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, s.Documents["a"].Title)
}

func TestCreateDuplicateID(t *testing.T) {
	s := seed(t, newSnapshot(), "a")
	_, err := Create(s, CreateOptions{ID: "a"}, t0)
	assert.Error(t, err)
}

func TestCreatePositionCountsActiveOnly(t *testing.T) {
	s := seed(t, newSnapshot(), "a", "b", "c")
	deleted, err := SoftDelete(s, "a", t0)
	require.NoError(t, err)

	// Position 1 among actives (b, c) lands between b and c, after the
	// soft-deleted a.
	pos := 1
	next, err := Create(deleted, CreateOptions{ID: "d", Position: &pos}, t0)
	require.NoError(t, err)

	ids := make([]string, len(next.Index))
	for i, e := range next.Index {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"a", "b", "d", "c"}, ids)
}

func TestApplyNoChangeReturnsSamePointer(t *testing.T) {
	s := seed(t, newSnapshot(), "a")

	same, err := Apply(s, "a", func(snapshot.Document) *Update { return nil }, t0)
	require.NoError(t, err)
	assert.Same(t, s, same)

	// A patch that sets the current values is also a no-op.
	title := s.Documents["a"].Title
	same, err = Apply(s, "a", func(snapshot.Document) *Update { return &Update{Title: &title} }, t0)
	require.NoError(t, err)
	assert.Same(t, s, same)
}

func TestApplyStampsAndAudits(t *testing.T) {
	s := seed(t, newSnapshot(), "a")
	later := t0.Add(time.Minute)

	title := "Renamed"
	content := "new body"
	next, err := Apply(s, "a", func(snapshot.Document) *Update {
		return &Update{Title: &title, Content: &content}
	}, later)
	require.NoError(t, err)
	require.NotSame(t, s, next)

	assert.Equal(t, "Renamed", next.Documents["a"].Title)
	assert.Equal(t, later, next.Documents["a"].UpdatedAt)
	assert.Equal(t, "Renamed", next.Index[0].Title)
	assert.Equal(t, later, next.Index[0].UpdatedAt)
	assert.Equal(t, later, next.Settings.UpdatedAt)

	audit := lastAudit(t, next)
	assert.Equal(t, snapshot.AuditDocumentUpdated, audit.Type)
	assert.ElementsMatch(t, []string{"title", "content"}, audit.Metadata["fields"])

	// The input snapshot must be untouched.
	assert.Equal(t, "Doc a", s.Documents["a"].Title)
}

func TestApplyUnknownDocument(t *testing.T) {
	_, err := Apply(newSnapshot(), "missing", func(snapshot.Document) *Update { return &Update{} }, t0)
	assert.Error(t, err)
}

func TestSoftDeleteSetsPurgeDeadline(t *testing.T) {
	s := seed(t, newSnapshot(), "a")
	next, err := SoftDelete(s, "a", t0)
	require.NoError(t, err)

	entry := next.Entry("a")
	require.NotNil(t, entry.DeletedAt)
	require.NotNil(t, entry.PurgeAfter)
	assert.Equal(t, t0, *entry.DeletedAt)
	assert.Equal(t, t0.Add(7*24*time.Hour), *entry.PurgeAfter)
	assert.Equal(t, snapshot.AuditDocumentDeleted, lastAudit(t, next).Type)
}

func TestSoftDeleteAlreadyDeletedNoOps(t *testing.T) {
	s := seed(t, newSnapshot(), "a")
	deleted, err := SoftDelete(s, "a", t0)
	require.NoError(t, err)

	same, err := SoftDelete(deleted, "a", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Same(t, deleted, same)
}

func TestSoftDeleteReassignsActiveForwardThenBackward(t *testing.T) {
	s := seed(t, newSnapshot(), "a", "b", "c")

	// Active selection is c (last created). Delete it; scan forward finds
	// nothing, backward finds b.
	next, err := SoftDelete(s, "c", t0)
	require.NoError(t, err)
	assert.Equal(t, "b", next.Settings.LastActiveDocumentID)

	// Delete b (now active); forward scan skips deleted c, backward finds a.
	next, err = SoftDelete(next, "b", t0)
	require.NoError(t, err)
	assert.Equal(t, "a", next.Settings.LastActiveDocumentID)

	// Deleting the last document leaves no active selection.
	next, err = SoftDelete(next, "a", t0)
	require.NoError(t, err)
	assert.Equal(t, "", next.Settings.LastActiveDocumentID)
}

func TestSoftDeleteInactiveKeepsSelection(t *testing.T) {
	s := seed(t, newSnapshot(), "a", "b")
	require.Equal(t, "b", s.Settings.LastActiveDocumentID)

	next, err := SoftDelete(s, "a", t0)
	require.NoError(t, err)
	assert.Equal(t, "b", next.Settings.LastActiveDocumentID)
}

func TestRestore(t *testing.T) {
	s := seed(t, newSnapshot(), "a")
	deleted, err := SoftDelete(s, "a", t0)
	require.NoError(t, err)
	require.Equal(t, "", deleted.Settings.LastActiveDocumentID)

	restored, err := Restore(deleted, "a", t0.Add(time.Hour))
	require.NoError(t, err)

	entry := restored.Entry("a")
	assert.Nil(t, entry.DeletedAt)
	assert.Nil(t, entry.PurgeAfter)
	assert.Equal(t, "a", restored.Settings.LastActiveDocumentID, "restore activates when nothing is active")
	assert.Equal(t, snapshot.AuditDocumentRestored, lastAudit(t, restored).Type)
}

func TestRestoreKeepsExistingActive(t *testing.T) {
	s := seed(t, newSnapshot(), "a", "b")
	deleted, err := SoftDelete(s, "a", t0)
	require.NoError(t, err)

	restored, err := Restore(deleted, "a", t0)
	require.NoError(t, err)
	assert.Equal(t, "b", restored.Settings.LastActiveDocumentID)
}

func TestRestoreNotDeletedNoOps(t *testing.T) {
	s := seed(t, newSnapshot(), "a")
	same, err := Restore(s, "a", t0)
	require.NoError(t, err)
	assert.Same(t, s, same)
}

func TestReorder(t *testing.T) {
	s := seed(t, newSnapshot(), "a", "b", "c")

	next, err := Reorder(s, []string{"c", "a", "b"}, t0)
	require.NoError(t, err)

	ids := make([]string, len(next.Index))
	for i, e := range next.Index {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	audit := lastAudit(t, next)
	assert.Equal(t, snapshot.AuditDocumentReordered, audit.Type)
	assert.Equal(t, []string{"a", "b", "c"}, audit.Metadata["before"])
	assert.Equal(t, []string{"c", "a", "b"}, audit.Metadata["after"])
}

func TestReorderKeepsDeletedTrailing(t *testing.T) {
	s := seed(t, newSnapshot(), "a", "b", "c", "d")
	deleted, err := SoftDelete(s, "b", t0)
	require.NoError(t, err)

	next, err := Reorder(deleted, []string{"d", "c", "a"}, t0)
	require.NoError(t, err)

	ids := make([]string, len(next.Index))
	for i, e := range next.Index {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"d", "c", "a", "b"}, ids)
}

func TestReorderEqualOrderNoOps(t *testing.T) {
	s := seed(t, newSnapshot(), "a", "b")
	same, err := Reorder(s, []string{"a", "b"}, t0)
	require.NoError(t, err)
	assert.Same(t, s, same)
}

func TestReorderValidation(t *testing.T) {
	s := seed(t, newSnapshot(), "a", "b", "c")
	deleted, err := SoftDelete(s, "c", t0)
	require.NoError(t, err)

	cases := []struct {
		name  string
		order []string
	}{
		{"omission", []string{"a"}},
		{"unknown id", []string{"a", "x"}},
		{"deleted id", []string{"a", "c"}},
		{"duplicate", []string{"a", "a"}},
		{"surplus", []string{"a", "b", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Reorder(deleted, tc.order, t0)
			assert.Error(t, err)
		})
	}
}
