package snapshot

import "time"

// AuditEventType is the closed set of storage-affecting events.
type AuditEventType string

const (
	AuditDocumentCreated    AuditEventType = "document.created"
	AuditDocumentUpdated    AuditEventType = "document.updated"
	AuditDocumentDeleted    AuditEventType = "document.deleted"
	AuditDocumentRestored   AuditEventType = "document.restored"
	AuditDocumentReordered  AuditEventType = "document.reordered"
	AuditDocumentPurged     AuditEventType = "document.purged"
	AuditHistoryPruned      AuditEventType = "history.pruned"
	AuditSettingsUpdated    AuditEventType = "settings.updated"
	AuditMigrationCompleted AuditEventType = "migration.completed"
	AuditStorageReset       AuditEventType = "storage.reset"
	AuditStorageGCRun       AuditEventType = "storage.gc.run"
	AuditStorageCorruption  AuditEventType = "storage.corruption"
	AuditQuotaWarning       AuditEventType = "storage.quota.warning"
)

// AuditEntry is an immutable log record of a storage-affecting event.
type AuditEntry struct {
	ID        string         `json:"id"`
	Type      AuditEventType `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	Author    string         `json:"author,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewAuditEntry builds an audit entry with a generated id.
func NewAuditEntry(typ AuditEventType, createdAt time.Time, metadata map[string]any) AuditEntry {
	return AuditEntry{
		ID:        NewID(),
		Type:      typ,
		CreatedAt: createdAt,
		Metadata:  metadata,
	}
}

// AppendAudit returns the snapshot's audit list with entries appended,
// honouring the runtime configuration:
//
//   - auditing disabled: new entries are silently dropped and the existing
//     list is returned unchanged (intentional, not a bug)
//   - redaction enabled: metadata is stripped from the NEW entries only;
//     existing entries are never retroactively redacted
//   - the result is trimmed to AuditEntryCap, oldest first; a cap of 0
//     yields an empty list
func AppendAudit(s *Snapshot, entries ...AuditEntry) []AuditEntry {
	if len(entries) == 0 {
		return s.Audit
	}
	if !s.Config.EnableAudit {
		return s.Audit
	}

	limit := s.Config.AuditEntryCap
	if limit < 0 {
		limit = 0
	}
	if limit == 0 {
		return []AuditEntry{}
	}

	additions := entries
	if s.Config.RedactAuditMetadata {
		additions = make([]AuditEntry, len(entries))
		for i, e := range entries {
			e.Metadata = nil
			additions[i] = e
		}
	}

	next := make([]AuditEntry, 0, len(s.Audit)+len(additions))
	next = append(next, s.Audit...)
	next = append(next, additions...)
	if len(next) > limit {
		next = next[len(next)-limit:]
	}
	return next
}
