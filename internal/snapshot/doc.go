// Package snapshot defines the persisted storage schema and its primitives.
//
// The StorageSnapshot is the single root aggregate: everything the engine
// persists lives inside one snapshot, serialized as one canonical JSON blob.
// Keeping the schema, defaults, canonical serialization, size estimation and
// audit-log primitives colocated means feature packages (documents, history,
// gc) can focus on behaviour without repeating structural assumptions.
//
// # Canonical serialization
//
// Serialise produces deterministic output: object keys sorted, strings NFC
// normalized, no HTML escaping, non-finite numbers mapped to null. Two
// semantically identical snapshots always serialize to byte-identical
// strings. The driver's checksum and no-op write suppression both depend on
// this property.
//
// # Structural sharing
//
// Snapshots are never mutated in place. Every transform either returns the
// identical *Snapshot pointer (nothing changed) or a freshly built value.
// Callers detect change by pointer comparison.
package snapshot
