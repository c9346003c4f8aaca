package snapshot

import "time"

// Default configuration values. Centralised so retention windows and quota
// thresholds can be tuned without hunting through the engine implementation.
const (
	DefaultHistoryRetentionDays    = 7
	DefaultHistoryEntryCap         = 200
	DefaultAuditEntryCap           = 200
	DefaultSoftDeleteRetentionDays = 7

	DefaultDebounceWriteMs     = 2000
	DefaultDebounceBroadcastMs = 1000

	DefaultQuotaWarningBytes   = 750_000
	DefaultQuotaHardLimitBytes = 1_000_000
	DefaultGCIdleTriggerMs     = 30_000
)

// DefaultConfiguration returns the runtime configuration for a fresh install.
func DefaultConfiguration() Configuration {
	return Configuration{
		Debounce: Debounce{
			WriteMs:     DefaultDebounceWriteMs,
			BroadcastMs: DefaultDebounceBroadcastMs,
		},
		HistoryRetentionDays:    DefaultHistoryRetentionDays,
		HistoryEntryCap:         DefaultHistoryEntryCap,
		AuditEntryCap:           DefaultAuditEntryCap,
		EnableAudit:             true,
		RedactAuditMetadata:     false,
		SoftDeleteRetentionDays: DefaultSoftDeleteRetentionDays,
		QuotaWarningBytes:       DefaultQuotaWarningBytes,
		QuotaHardLimitBytes:     DefaultQuotaHardLimitBytes,
		GCIdleTriggerMs:         DefaultGCIdleTriggerMs,
	}
}

// DefaultSettings returns the UI settings for a fresh install.
func DefaultSettings(now time.Time) Settings {
	return Settings{
		LastActiveDocumentID: "",
		Panes:                map[string]bool{},
		Filters:              map[string]any{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// NewInitial builds the snapshot created once per installation: fresh
// installation id, current schema version, defaults everywhere, empty
// collections, and a cached size estimate.
func NewInitial(now time.Time) *Snapshot {
	s := &Snapshot{
		Meta: Meta{
			Version:        SchemaVersion,
			InstallationID: NewInstallationID(),
			CreatedAt:      now,
			LastOpenedAt:   now,
		},
		Config:    DefaultConfiguration(),
		Settings:  DefaultSettings(now),
		Index:     []IndexEntry{},
		Documents: map[string]Document{},
		History:   []HistoryEntry{},
		Audit:     []AuditEntry{},
	}
	// A fresh snapshot always serialises.
	if size, err := EstimateSize(s); err == nil {
		s.Meta.ApproxSizeBytes = size
	}
	return s
}
