// Package history implements the two-layer undo/redo model.
//
// The durable layer is the snapshot's flat append-only History list, pruned
// by retention age and entry cap. The volatile layer is a Cache of
// per-(scope, refId) timelines rebuilt from the durable list on load and
// refresh. Redo stacks live only in the cache: they are never persisted and
// do not survive a reload.
package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kelpie-md/kelpie/internal/snapshot"
)

// Target addresses one undo/redo timeline.
type Target struct {
	Scope snapshot.HistoryScope
	RefID string
}

// CaptureInput describes a new history entry to record.
type CaptureInput struct {
	Scope    snapshot.HistoryScope
	RefID    string
	Snapshot json.RawMessage
	Origin   snapshot.HistoryOrigin
	Author   string
	// ID and CreatedAt are generated when zero. Tests inject them for
	// deterministic fixtures.
	ID        string
	CreatedAt time.Time
}

// CaptureResult reports the outcome of a capture: the next snapshot, the
// entry that was recorded, whatever got pruned to stay within retention and
// cap, and the audit entry describing the pruning (nil when nothing was
// pruned or when auditing is disabled).
type CaptureResult struct {
	Snapshot   *snapshot.Snapshot
	Entry      snapshot.HistoryEntry
	Pruned     []snapshot.HistoryEntry
	AuditEntry *snapshot.AuditEntry
}

// UndoContext carries the caller's current state so an undo can be redone.
// The payload is opaque to this package.
type UndoContext struct {
	Snapshot  json.RawMessage
	Origin    snapshot.HistoryOrigin
	Author    string
	ID        string
	CreatedAt time.Time
}

// futureEntry pairs a redo-capable entry with the cursor it departs from, so
// redo can restore that cursor exactly.
type futureEntry struct {
	entry  snapshot.HistoryEntry
	cursor *snapshot.HistoryEntry
}

type timeline struct {
	target Target
	past   []snapshot.HistoryEntry
	cursor *snapshot.HistoryEntry
	future []futureEntry
}

// Cache holds the per-timeline undo/redo state for the current session.
// It is not safe for concurrent use; the core serializes access.
type Cache struct {
	timelines    map[Target]*timeline
	nextSequence int64
}

// TimelineView is a read-only copy of one timeline. Future is returned in
// chronological redo order (the next redo first).
type TimelineView struct {
	Target Target
	Past   []snapshot.HistoryEntry
	Cursor *snapshot.HistoryEntry
	Future []snapshot.HistoryEntry
}

// NewCache replays the snapshot's history into per-target timelines.
// Entries are ordered by (sequence, createdAt); each timeline ends with its
// most recent entry as the cursor and an empty redo stack.
func NewCache(s *snapshot.Snapshot) *Cache {
	cache := &Cache{
		timelines:    make(map[Target]*timeline),
		nextSequence: 1,
	}
	if len(s.History) == 0 {
		return cache
	}

	sorted := make([]snapshot.HistoryEntry, len(s.History))
	copy(sorted, s.History)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Sequence != sorted[j].Sequence {
			return sorted[i].Sequence < sorted[j].Sequence
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	for _, entry := range sorted {
		tl := cache.timeline(Target{Scope: entry.Scope, RefID: entry.RefID})
		if tl.cursor != nil {
			tl.past = append(tl.past, *tl.cursor)
		}
		e := entry
		tl.cursor = &e
		tl.future = nil
	}

	cache.nextSequence = sorted[len(sorted)-1].Sequence + 1
	return cache
}

// Capture validates the target, appends a new history entry with the next
// sequence number, then prunes: entries older than the retention window are
// dropped first, then the oldest entries until the cap is satisfied. One
// history.pruned audit entry summarises any pruning.
func Capture(s *snapshot.Snapshot, input CaptureInput, now time.Time) (CaptureResult, error) {
	if err := validateCapture(s, input); err != nil {
		return CaptureResult{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	id := input.ID
	if id == "" {
		id = snapshot.NewID()
	}
	origin := input.Origin
	if origin == "" {
		origin = snapshot.OriginAPI
	}

	entry := snapshot.HistoryEntry{
		ID:        id,
		Scope:     input.Scope,
		RefID:     input.RefID,
		Snapshot:  input.Snapshot,
		CreatedAt: createdAt,
		Author:    input.Author,
		Origin:    origin,
		Sequence:  nextSequence(s.History),
	}

	extended := make([]snapshot.HistoryEntry, 0, len(s.History)+1)
	extended = append(extended, s.History...)
	extended = append(extended, entry)

	retained, pruned, err := prune(extended, s.Config, now)
	if err != nil {
		return CaptureResult{}, err
	}

	next := *s
	next.History = retained

	result := CaptureResult{Entry: entry, Pruned: pruned}
	if len(pruned) > 0 {
		audit := pruneAuditEntry(pruned, s.Config, now)
		next.Audit = snapshot.AppendAudit(s, audit)
		// AuditEntry reports what actually landed: nil when auditing is
		// disabled, the redacted form when redaction is on.
		if n := len(next.Audit); n > 0 && next.Audit[n-1].ID == audit.ID {
			appended := next.Audit[n-1]
			result.AuditEntry = &appended
		}
	}
	result.Snapshot = &next
	return result, nil
}

// Undo steps the timeline's cursor back one entry. The caller-supplied
// context becomes a fresh redo entry paired with the departing cursor, so a
// later redo restores it exactly. The bool reports whether an undo happened:
// undoing the oldest entry returns (nil, true), an empty timeline returns
// (nil, false).
func (c *Cache) Undo(target Target, ctx UndoContext, now time.Time) (*snapshot.HistoryEntry, bool) {
	tl := c.timeline(target)
	if tl.cursor == nil {
		return nil, false
	}

	departing := tl.cursor
	var nextCursor *snapshot.HistoryEntry
	if n := len(tl.past); n > 0 {
		e := tl.past[n-1]
		tl.past = tl.past[:n-1]
		nextCursor = &e
	}

	createdAt := ctx.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	id := ctx.ID
	if id == "" {
		id = snapshot.NewID()
	}
	origin := ctx.Origin
	if origin == "" {
		origin = snapshot.OriginAPI
	}
	redo := snapshot.HistoryEntry{
		ID:        id,
		Scope:     target.Scope,
		RefID:     target.RefID,
		Snapshot:  ctx.Snapshot,
		CreatedAt: createdAt,
		Author:    ctx.Author,
		Origin:    origin,
		Sequence:  c.nextSequence,
	}
	c.nextSequence++

	tl.future = append(tl.future, futureEntry{entry: redo, cursor: departing})
	tl.cursor = nextCursor
	return nextCursor, true
}

// Redo pops the most recent redo entry, restoring the cursor it was paired
// with. Returns the entry now current, or nil when the redo stack is empty.
func (c *Cache) Redo(target Target) *snapshot.HistoryEntry {
	tl := c.timeline(target)
	n := len(tl.future)
	if n == 0 {
		return nil
	}
	fe := tl.future[n-1]
	tl.future = tl.future[:n-1]

	if tl.cursor != nil {
		tl.past = append(tl.past, *tl.cursor)
	}
	tl.cursor = fe.cursor
	return &fe.entry
}

// Timeline returns a read-only view of one timeline.
func (c *Cache) Timeline(target Target) TimelineView {
	tl := c.timeline(target)
	view := TimelineView{
		Target: target,
		Past:   append([]snapshot.HistoryEntry(nil), tl.past...),
		Future: make([]snapshot.HistoryEntry, 0, len(tl.future)),
	}
	if tl.cursor != nil {
		cursor := *tl.cursor
		view.Cursor = &cursor
	}
	for i := len(tl.future) - 1; i >= 0; i-- {
		view.Future = append(view.Future, tl.future[i].entry)
	}
	return view
}

// Prune drops the given persisted entries from every timeline, re-deriving a
// timeline's cursor from its past when the cursor itself was pruned. Called
// after GC or capture-time pruning removed entries from the durable list.
func (c *Cache) Prune(pruned []snapshot.HistoryEntry) {
	if len(pruned) == 0 {
		return
	}
	ids := make(map[string]struct{}, len(pruned))
	for _, e := range pruned {
		ids[e.ID] = struct{}{}
	}

	for _, tl := range c.timelines {
		past := tl.past[:0:0]
		for _, e := range tl.past {
			if _, gone := ids[e.ID]; !gone {
				past = append(past, e)
			}
		}
		tl.past = past

		future := tl.future[:0:0]
		for _, fe := range tl.future {
			if _, gone := ids[fe.entry.ID]; gone {
				continue
			}
			if fe.cursor != nil {
				if _, gone := ids[fe.cursor.ID]; gone {
					continue
				}
			}
			future = append(future, fe)
		}
		tl.future = future

		if tl.cursor != nil {
			if _, gone := ids[tl.cursor.ID]; gone {
				tl.cursor = nil
				if n := len(tl.past); n > 0 {
					e := tl.past[n-1]
					tl.past = tl.past[:n-1]
					tl.cursor = &e
				}
			}
		}
	}
}

func (c *Cache) timeline(target Target) *timeline {
	tl, ok := c.timelines[target]
	if !ok {
		tl = &timeline{target: target}
		c.timelines[target] = tl
	}
	return tl
}

func validateCapture(s *snapshot.Snapshot, input CaptureInput) error {
	if input.Scope == snapshot.ScopeSettings {
		if input.RefID != snapshot.SettingsRefID {
			return fmt.Errorf("settings history entries must target the %q refId", snapshot.SettingsRefID)
		}
		return nil
	}

	if s.Entry(input.RefID) != nil {
		return nil
	}
	if _, ok := s.Documents[input.RefID]; ok {
		return nil
	}
	return fmt.Errorf("unknown document id %q for history capture", input.RefID)
}

func nextSequence(entries []snapshot.HistoryEntry) int64 {
	var max int64
	for _, e := range entries {
		if e.Sequence > max {
			max = e.Sequence
		}
	}
	return max + 1
}

func prune(entries []snapshot.HistoryEntry, cfg snapshot.Configuration, now time.Time) (retained, pruned []snapshot.HistoryEntry, err error) {
	var threshold time.Time
	if cfg.HistoryRetentionDays > 0 {
		threshold = now.Add(-time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour)
	}

	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			return nil, nil, fmt.Errorf("history entry %q has no timestamp", e.ID)
		}
		if !threshold.IsZero() && e.CreatedAt.Before(threshold) {
			pruned = append(pruned, e)
			continue
		}
		retained = append(retained, e)
	}

	for len(retained) > cfg.HistoryEntryCap {
		pruned = append(pruned, retained[0])
		retained = retained[1:]
	}
	if retained == nil {
		retained = []snapshot.HistoryEntry{}
	}
	return retained, pruned, nil
}

func pruneAuditEntry(pruned []snapshot.HistoryEntry, cfg snapshot.Configuration, now time.Time) snapshot.AuditEntry {
	compact := make([]map[string]any, len(pruned))
	for i, e := range pruned {
		compact[i] = map[string]any{
			"id":       e.ID,
			"refId":    e.RefID,
			"scope":    string(e.Scope),
			"sequence": e.Sequence,
		}
	}
	return snapshot.NewAuditEntry(snapshot.AuditHistoryPruned, now, map[string]any{
		"count":         len(pruned),
		"entryCap":      cfg.HistoryEntryCap,
		"retentionDays": cfg.HistoryRetentionDays,
		"entries":       compact,
	})
}
