// Package gc normalises a snapshot before every persisted write: it purges
// soft-deleted documents whose retention expired, trims history under quota
// pressure, and enforces the hard size limit.
package gc

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelpie-md/kelpie/internal/snapshot"
)

// QuotaError is returned when the snapshot still exceeds the configured hard
// limit after history trimming is exhausted. The write is rejected and the
// mutation must not be applied.
type QuotaError struct {
	AttemptedSize  int
	HardLimitBytes int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage payload of %d bytes exceeds hard limit of %d bytes",
		e.AttemptedSize, e.HardLimitBytes)
}

// IsQuotaError reports whether err is a QuotaError, unwrapping as needed.
func IsQuotaError(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// Result carries the normalised snapshot and its measured size.
type Result struct {
	Snapshot    *snapshot.Snapshot
	SizeInBytes int
	// PrunedHistory lists history entries removed by purge cascade or quota
	// trimming, so the caller can evict them from the undo cache.
	PrunedHistory []snapshot.HistoryEntry
}

// Normalise runs the persistence-time pipeline, in order:
//
//  1. purge expired soft-deleted documents (cascading their history)
//  2. trim oldest history FIFO while over the quota warning threshold
//  3. reject with QuotaError if still over the hard limit
//  4. append a storage.quota.warning audit entry if still over the warning
//  5. recompute Meta.ApproxSizeBytes
//
// The input snapshot is never mutated. When nothing changes the identical
// pointer is carried through with only the size cache refreshed.
func Normalise(s *snapshot.Snapshot, now time.Time) (Result, error) {
	working, purgedHistory := purgeExpired(s, now)

	warning := working.Config.QuotaWarningBytes
	hardLimit := working.Config.QuotaHardLimitBytes
	if warning < 0 {
		warning = 0
	}
	if hardLimit < 0 {
		hardLimit = 0
	}

	size, err := snapshot.EstimateSize(working)
	if err != nil {
		return Result{}, fmt.Errorf("measure snapshot: %w", err)
	}
	var trimmed []snapshot.HistoryEntry

	if warning > 0 && size > warning {
		working, trimmed, size, err = trimHistoryForQuota(working, warning, now)
		if err != nil {
			return Result{}, err
		}
	}

	if hardLimit > 0 && size > hardLimit {
		return Result{}, &QuotaError{AttemptedSize: size, HardLimitBytes: hardLimit}
	}

	if warning > 0 && size > warning {
		entry := snapshot.NewAuditEntry(snapshot.AuditQuotaWarning, now, map[string]any{
			"sizeInBytes":  size,
			"warningBytes": warning,
		})
		next := *working
		next.Audit = snapshot.AppendAudit(working, entry)
		working = &next
		size, err = snapshot.EstimateSize(working)
		if err != nil {
			return Result{}, fmt.Errorf("measure snapshot: %w", err)
		}
	}

	final := *working
	final.Meta.ApproxSizeBytes = size
	return Result{
		Snapshot:      &final,
		SizeInBytes:   size,
		PrunedHistory: append(purgedHistory, trimmed...),
	}, nil
}

// purgeExpired removes index entries (and their documents and history) whose
// purge deadline has passed. One document.purged audit entry per document,
// followed by a single history.pruned entry when history was cascaded.
func purgeExpired(s *snapshot.Snapshot, now time.Time) (*snapshot.Snapshot, []snapshot.HistoryEntry) {
	if len(s.Index) == 0 {
		return s, nil
	}

	purged := make(map[string]snapshot.IndexEntry)
	for _, e := range s.Index {
		if e.DeletedAt == nil || e.PurgeAfter == nil {
			continue
		}
		if !e.PurgeAfter.After(now) {
			purged[e.ID] = e
		}
	}
	if len(purged) == 0 {
		return s, nil
	}

	nextIndex := make([]snapshot.IndexEntry, 0, len(s.Index)-len(purged))
	purgeOrder := make([]snapshot.IndexEntry, 0, len(purged))
	for _, e := range s.Index {
		if _, gone := purged[e.ID]; gone {
			purgeOrder = append(purgeOrder, e)
			continue
		}
		nextIndex = append(nextIndex, e)
	}

	nextDocuments := make(map[string]snapshot.Document, len(s.Documents))
	for id, doc := range s.Documents {
		if _, gone := purged[id]; !gone {
			nextDocuments[id] = doc
		}
	}

	var prunedHistory []snapshot.HistoryEntry
	nextHistory := make([]snapshot.HistoryEntry, 0, len(s.History))
	for _, e := range s.History {
		if e.Scope == snapshot.ScopeDocument {
			if _, gone := purged[e.RefID]; gone {
				prunedHistory = append(prunedHistory, e)
				continue
			}
		}
		nextHistory = append(nextHistory, e)
	}

	next := *s
	next.Index = nextIndex
	next.Documents = nextDocuments
	next.History = nextHistory

	if active := s.Settings.LastActiveDocumentID; active != "" {
		if _, gone := purged[active]; gone {
			fallback := ""
			for _, e := range nextIndex {
				if !e.Deleted() {
					fallback = e.ID
					break
				}
			}
			next.Settings.LastActiveDocumentID = fallback
			next.Settings.UpdatedAt = now
		}
	}

	auditEntries := make([]snapshot.AuditEntry, 0, len(purgeOrder)+1)
	for _, e := range purgeOrder {
		auditEntries = append(auditEntries, snapshot.NewAuditEntry(snapshot.AuditDocumentPurged, now, map[string]any{
			"id":    e.ID,
			"title": e.Title,
		}))
	}
	if len(prunedHistory) > 0 {
		auditEntries = append(auditEntries, snapshot.NewAuditEntry(snapshot.AuditHistoryPruned, now, map[string]any{
			"reason": "documentPurged",
			"count":  len(prunedHistory),
			"refIds": uniqueRefIDs(prunedHistory),
		}))
	}
	next.Audit = snapshot.AppendAudit(&next, auditEntries...)

	return &next, prunedHistory
}

// trimHistoryForQuota drops the oldest history entries, FIFO and irrespective
// of scope, re-measuring after each drop until the snapshot fits under
// targetSize or history is exhausted.
func trimHistoryForQuota(s *snapshot.Snapshot, targetSize int, now time.Time) (*snapshot.Snapshot, []snapshot.HistoryEntry, int, error) {
	working := *s
	workingHistory := append([]snapshot.HistoryEntry(nil), s.History...)
	var pruned []snapshot.HistoryEntry

	size, err := snapshot.EstimateSize(&working)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("measure snapshot: %w", err)
	}
	for size > targetSize && len(workingHistory) > 0 {
		pruned = append(pruned, workingHistory[0])
		workingHistory = workingHistory[1:]
		working.History = workingHistory
		size, err = snapshot.EstimateSize(&working)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("measure snapshot: %w", err)
		}
	}

	if len(pruned) == 0 {
		return s, nil, size, nil
	}

	entry := snapshot.NewAuditEntry(snapshot.AuditHistoryPruned, now, map[string]any{
		"reason": "quota",
		"count":  len(pruned),
		"refIds": uniqueRefIDs(pruned),
	})
	working.Audit = snapshot.AppendAudit(&working, entry)
	size, err = snapshot.EstimateSize(&working)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("measure snapshot: %w", err)
	}
	return &working, pruned, size, nil
}

func uniqueRefIDs(entries []snapshot.HistoryEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	var ids []string
	for _, e := range entries {
		if _, dup := seen[e.RefID]; dup {
			continue
		}
		seen[e.RefID] = struct{}{}
		ids = append(ids, e.RefID)
	}
	return ids
}
