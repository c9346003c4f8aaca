// Package document implements the pure snapshot transforms for documents:
// create, update, soft delete, restore and reorder.
//
// Every transform returns the IDENTICAL *snapshot.Snapshot pointer when
// nothing changed. The core relies on that to skip persistence and
// broadcasting, so transforms must never mutate the input in place.
package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelpie-md/kelpie/internal/snapshot"
)

// DefaultTitle is used when a document is created with a blank title.
const DefaultTitle = "Untitled document"

// CreateOptions controls document creation. Zero values mean: generated id,
// default title, empty content, appended after the last active entry.
type CreateOptions struct {
	ID           string
	Title        string
	Content      string
	LastEditedBy string
	// Position is the insertion point counted among ACTIVE entries only;
	// soft-deleted entries are skipped. Nil appends at the end.
	Position *int
}

// Update is a partial patch for a document. Nil fields are left untouched.
type Update struct {
	Title        *string
	Content      *string
	LastEditedBy *string
}

// Create inserts a new document, makes it the active selection and audits
// document.created.
func Create(s *snapshot.Snapshot, opts CreateOptions, now time.Time) (*snapshot.Snapshot, error) {
	id := opts.ID
	if id == "" {
		id = snapshot.NewID()
	}
	if _, exists := s.Documents[id]; exists {
		return nil, fmt.Errorf("document %q already exists", id)
	}
	title := normaliseTitle(opts.Title)

	doc := snapshot.Document{
		ID:           id,
		Title:        title,
		Content:      opts.Content,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastEditedBy: opts.LastEditedBy,
	}
	entry := snapshot.IndexEntry{
		ID:        id,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	next := *s
	next.Index = insertEntry(s.Index, entry, opts.Position)
	next.Documents = cloneDocuments(s.Documents)
	next.Documents[id] = doc
	next.Settings.LastActiveDocumentID = id
	next.Settings.UpdatedAt = now
	next.Audit = snapshot.AppendAudit(s, snapshot.NewAuditEntry(snapshot.AuditDocumentCreated, now, map[string]any{
		"id":    id,
		"title": title,
	}))
	return &next, nil
}

// Apply applies a mutator to the document with the given id. The mutator
// receives a copy of the current document and returns a partial patch, or nil
// for no change. If the patch changes nothing the original snapshot pointer
// is returned. Otherwise the document and its index entry are restamped and
// document.updated is audited with the changed field names.
func Apply(s *snapshot.Snapshot, id string, mutator func(snapshot.Document) *Update, now time.Time) (*snapshot.Snapshot, error) {
	existing, ok := s.Documents[id]
	if !ok {
		return nil, fmt.Errorf("unknown document %q", id)
	}

	patch := mutator(existing)
	if patch == nil {
		return s, nil
	}

	updated := existing
	if patch.Title != nil {
		updated.Title = *patch.Title
	}
	if patch.Content != nil {
		updated.Content = *patch.Content
	}
	if patch.LastEditedBy != nil {
		updated.LastEditedBy = *patch.LastEditedBy
	}

	changed := changedFields(existing, updated)
	if len(changed) == 0 {
		return s, nil
	}
	updated.UpdatedAt = now

	next := *s
	next.Documents = cloneDocuments(s.Documents)
	next.Documents[id] = updated
	next.Index = cloneIndex(s.Index)
	for i := range next.Index {
		if next.Index[i].ID == id {
			next.Index[i].Title = updated.Title
			next.Index[i].UpdatedAt = now
		}
	}
	next.Settings.UpdatedAt = now
	next.Audit = snapshot.AppendAudit(s, snapshot.NewAuditEntry(snapshot.AuditDocumentUpdated, now, map[string]any{
		"id":     id,
		"fields": changed,
	}))
	return &next, nil
}

// SoftDelete marks a document deleted with a purge deadline of now plus the
// configured retention. Deleting the active document reassigns the selection
// to the next active entry scanning forward then backward. Already-deleted
// documents are a no-op.
func SoftDelete(s *snapshot.Snapshot, id string, now time.Time) (*snapshot.Snapshot, error) {
	pos := indexOf(s.Index, id)
	if pos == -1 {
		return nil, fmt.Errorf("unknown document %q", id)
	}
	if s.Index[pos].Deleted() {
		return s, nil
	}

	retention := s.Config.SoftDeleteRetentionDays
	if retention < 0 {
		retention = 0
	}
	purgeAfter := now.Add(time.Duration(retention) * 24 * time.Hour)

	next := *s
	next.Index = cloneIndex(s.Index)
	deletedAt := now
	next.Index[pos].DeletedAt = &deletedAt
	next.Index[pos].PurgeAfter = &purgeAfter
	next.Index[pos].UpdatedAt = now

	if s.Settings.LastActiveDocumentID == id {
		next.Settings.LastActiveDocumentID = nextActiveID(s.Index, pos, id)
	}
	next.Settings.UpdatedAt = now
	next.Audit = snapshot.AppendAudit(s, snapshot.NewAuditEntry(snapshot.AuditDocumentDeleted, now, map[string]any{
		"id":         id,
		"purgeAfter": purgeAfter.Format(time.RFC3339Nano),
	}))
	return &next, nil
}

// Restore clears a soft delete. If no document is currently active, the
// restored one becomes active. Non-deleted documents are a no-op.
func Restore(s *snapshot.Snapshot, id string, now time.Time) (*snapshot.Snapshot, error) {
	pos := indexOf(s.Index, id)
	if pos == -1 {
		return nil, fmt.Errorf("unknown document %q", id)
	}
	if !s.Index[pos].Deleted() {
		return s, nil
	}

	next := *s
	next.Index = cloneIndex(s.Index)
	next.Index[pos].DeletedAt = nil
	next.Index[pos].PurgeAfter = nil
	next.Index[pos].UpdatedAt = now

	if s.Settings.LastActiveDocumentID == "" {
		next.Settings.LastActiveDocumentID = id
	}
	next.Settings.UpdatedAt = now
	next.Audit = snapshot.AppendAudit(s, snapshot.NewAuditEntry(snapshot.AuditDocumentRestored, now, map[string]any{
		"id": id,
	}))
	return &next, nil
}

// Reorder rebuilds the index so the active entries follow newOrder, keeping
// soft-deleted entries after them in their original relative order. newOrder
// must be an exact permutation of the currently active ids; each violation is
// a distinct error. An order equal to the current one is a no-op.
func Reorder(s *snapshot.Snapshot, newOrder []string, now time.Time) (*snapshot.Snapshot, error) {
	active := make([]snapshot.IndexEntry, 0, len(s.Index))
	deleted := make([]snapshot.IndexEntry, 0)
	for _, e := range s.Index {
		if e.Deleted() {
			deleted = append(deleted, e)
		} else {
			active = append(active, e)
		}
	}

	if err := validateReorder(active, newOrder); err != nil {
		return nil, err
	}

	before := make([]string, len(active))
	equal := true
	for i, e := range active {
		before[i] = e.ID
		if e.ID != newOrder[i] {
			equal = false
		}
	}
	if equal {
		return s, nil
	}

	byID := make(map[string]snapshot.IndexEntry, len(active))
	for _, e := range active {
		byID[e.ID] = e
	}
	nextIndex := make([]snapshot.IndexEntry, 0, len(s.Index))
	for _, id := range newOrder {
		nextIndex = append(nextIndex, byID[id])
	}
	nextIndex = append(nextIndex, deleted...)

	next := *s
	next.Index = nextIndex
	next.Audit = snapshot.AppendAudit(s, snapshot.NewAuditEntry(snapshot.AuditDocumentReordered, now, map[string]any{
		"before": before,
		"after":  append([]string(nil), newOrder...),
	}))
	return &next, nil
}

func validateReorder(active []snapshot.IndexEntry, newOrder []string) error {
	if len(newOrder) != len(active) {
		return fmt.Errorf("document reorder payload must include every active document exactly once")
	}
	activeIDs := make(map[string]struct{}, len(active))
	for _, e := range active {
		activeIDs[e.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(newOrder))
	for _, id := range newOrder {
		if _, ok := activeIDs[id]; !ok {
			return fmt.Errorf("cannot reorder unknown or inactive document %q", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("document reorder payload contains duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func normaliseTitle(title string) string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return DefaultTitle
	}
	return trimmed
}

// insertEntry places entry at the requested position counted among active
// entries only, appending when the position is nil or out of range.
func insertEntry(index []snapshot.IndexEntry, entry snapshot.IndexEntry, position *int) []snapshot.IndexEntry {
	activeCount := 0
	for _, e := range index {
		if !e.Deleted() {
			activeCount++
		}
	}
	target := activeCount
	if position != nil {
		target = *position
		if target < 0 {
			target = 0
		}
		if target > activeCount {
			target = activeCount
		}
	}

	next := make([]snapshot.IndexEntry, 0, len(index)+1)
	inserted := false
	seenActive := 0
	for _, e := range index {
		if !inserted && !e.Deleted() && seenActive == target {
			next = append(next, entry)
			inserted = true
		}
		next = append(next, e)
		if !e.Deleted() {
			seenActive++
		}
	}
	if !inserted {
		next = append(next, entry)
	}
	return next
}

func changedFields(prev, next snapshot.Document) []string {
	var changed []string
	if prev.Title != next.Title {
		changed = append(changed, "title")
	}
	if prev.Content != next.Content {
		changed = append(changed, "content")
	}
	if prev.LastEditedBy != next.LastEditedBy {
		changed = append(changed, "lastEditedBy")
	}
	return changed
}

// nextActiveID scans forward from the deleted entry's position, then
// backward, for the next active document. Empty when none remain.
func nextActiveID(index []snapshot.IndexEntry, deletedPos int, deletedID string) string {
	for i := deletedPos + 1; i < len(index); i++ {
		if !index[i].Deleted() && index[i].ID != deletedID {
			return index[i].ID
		}
	}
	for i := deletedPos - 1; i >= 0; i-- {
		if !index[i].Deleted() && index[i].ID != deletedID {
			return index[i].ID
		}
	}
	return ""
}

func indexOf(index []snapshot.IndexEntry, id string) int {
	for i := range index {
		if index[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneIndex(index []snapshot.IndexEntry) []snapshot.IndexEntry {
	next := make([]snapshot.IndexEntry, len(index))
	copy(next, index)
	return next
}

func cloneDocuments(docs map[string]snapshot.Document) map[string]snapshot.Document {
	next := make(map[string]snapshot.Document, len(docs)+1)
	for k, v := range docs {
		next[k] = v
	}
	return next
}
