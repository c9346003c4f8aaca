package snapshot

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the schema version written by this build.
// Persisted snapshots at an older version are migrated forward on boot;
// a newer version is a hard error (never silently downgraded).
const SchemaVersion = 1

// Meta describes one installation of the storage engine.
type Meta struct {
	Version         int       `json:"version"`
	InstallationID  string    `json:"installationId"`
	CreatedAt       time.Time `json:"createdAt"`
	LastOpenedAt    time.Time `json:"lastOpenedAt"`
	MigratedFrom    string    `json:"migratedFrom,omitempty"`
	ApproxSizeBytes int       `json:"approxSizeBytes,omitempty"`
}

// Debounce holds rate-limit intervals for callers of the mutation API.
// The core itself does not debounce; these are configuration for the UI
// auto-save and broadcast layers.
type Debounce struct {
	WriteMs     int `json:"writeMs"`
	BroadcastMs int `json:"broadcastMs"`
}

// Configuration is the runtime configuration embedded in every snapshot.
// It is mutated through the same update path as documents.
type Configuration struct {
	Debounce                Debounce `json:"debounce"`
	HistoryRetentionDays    int      `json:"historyRetentionDays"`
	HistoryEntryCap         int      `json:"historyEntryCap"`
	AuditEntryCap           int      `json:"auditEntryCap"`
	EnableAudit             bool     `json:"enableAudit"`
	RedactAuditMetadata     bool     `json:"redactAuditMetadata"`
	SoftDeleteRetentionDays int      `json:"softDeleteRetentionDays"`
	QuotaWarningBytes       int      `json:"quotaWarningBytes"`
	QuotaHardLimitBytes     int      `json:"quotaHardLimitBytes"`
	GCIdleTriggerMs         int      `json:"gcIdleTriggerMs"`
}

// Settings holds UI-facing state that survives restarts.
// LastActiveDocumentID is empty when no document is active.
type Settings struct {
	LastActiveDocumentID string          `json:"lastActiveDocumentId"`
	Panes                map[string]bool `json:"panes"`
	Filters              map[string]any  `json:"filters"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// IndexEntry is one row of the ordered document index.
// The slice order IS the user-visible document order. Soft-deleted entries
// stay in the index (with DeletedAt/PurgeAfter set) until purged.
type IndexEntry struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt"`
	PurgeAfter *time.Time `json:"purgeAfter"`
}

// Deleted reports whether the entry is soft-deleted.
func (e IndexEntry) Deleted() bool {
	return e.DeletedAt != nil
}

// Document is the full persisted state of one document.
// Every id in Documents must have a matching IndexEntry and vice versa.
type Document struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastEditedBy string    `json:"lastEditedBy,omitempty"`
}

// HistoryScope identifies what kind of state a history entry captured.
type HistoryScope string

const (
	ScopeDocument HistoryScope = "document"
	ScopeSettings HistoryScope = "settings"
)

// SettingsRefID is the only valid RefID for settings-scoped history.
const SettingsRefID = "settings"

// HistoryOrigin records which surface triggered a history capture.
type HistoryOrigin string

const (
	OriginKeyboard HistoryOrigin = "keyboard"
	OriginToolbar  HistoryOrigin = "toolbar"
	OriginAPI      HistoryOrigin = "api"
)

// HistoryEntry is an immutable record of a prior state of one document or of
// settings. The payload is opaque to the storage engine: it is stored and
// restored verbatim, never interpreted.
type HistoryEntry struct {
	ID        string          `json:"id"`
	Scope     HistoryScope    `json:"scope"`
	RefID     string          `json:"refId"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"createdAt"`
	Author    string          `json:"author,omitempty"`
	Origin    HistoryOrigin   `json:"origin"`
	Sequence  int64           `json:"sequence"`
}

// Snapshot is the entire persisted storage state at one instant, the unit of
// atomic read/write.
type Snapshot struct {
	Meta      Meta                `json:"meta"`
	Config    Configuration       `json:"config"`
	Settings  Settings            `json:"settings"`
	Index     []IndexEntry        `json:"index"`
	Documents map[string]Document `json:"documents"`
	History   []HistoryEntry      `json:"history"`
	Audit     []AuditEntry        `json:"audit"`
}

// Entry returns the index entry for id, or nil.
func (s *Snapshot) Entry(id string) *IndexEntry {
	for i := range s.Index {
		if s.Index[i].ID == id {
			return &s.Index[i]
		}
	}
	return nil
}

// ActiveIDs returns the ids of non-deleted index entries in order.
func (s *Snapshot) ActiveIDs() []string {
	ids := make([]string, 0, len(s.Index))
	for _, e := range s.Index {
		if !e.Deleted() {
			ids = append(ids, e.ID)
		}
	}
	return ids
}
