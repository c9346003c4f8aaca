// Package migrate upgrades persisted snapshots to the current schema
// version through an ordered chain of single-step migrations.
package migrate

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/kelpie-md/kelpie/internal/snapshot"
)

// Migration is one schema upgrade step. Migrate must not mutate its input.
type Migration struct {
	From    int
	To      int
	Migrate func(*snapshot.Snapshot) (*snapshot.Snapshot, error)
}

// Registry holds the migration steps available to Run. A fresh engine uses
// Default(); tests build their own.
type Registry struct {
	steps []Migration
}

// NewRegistry creates a registry with the given steps.
func NewRegistry(steps ...Migration) *Registry {
	r := &Registry{}
	r.steps = append(r.steps, steps...)
	return r
}

// Register appends a step.
func (r *Registry) Register(m Migration) {
	r.steps = append(r.steps, m)
}

// Default returns the registry of real schema migrations. Schema version 1
// is the first released schema, so the chain is currently empty; steps are
// appended here as the schema evolves.
func Default() *Registry {
	return NewRegistry()
}

// Result reports what Run did.
type Result struct {
	Snapshot *snapshot.Snapshot
	Applied  []Migration
}

// Run walks the registry's steps from the snapshot's version up to target.
//
//   - a persisted version NEWER than target is a hard error: data written by
//     a newer build is never silently downgraded
//   - a snapshot already at target is returned as the identical pointer, so
//     callers can skip persistence
//   - a gap in the chain is a hard error naming the stuck version
//
// On completion Meta.MigratedFrom records the original version (as a string)
// and exactly one migration.completed audit entry summarises every step.
func Run(s *snapshot.Snapshot, target int, registry *Registry, now time.Time) (Result, error) {
	original := s.Meta.Version
	if original > target {
		return Result{}, fmt.Errorf("storage snapshot version %d is newer than supported version %d", original, target)
	}
	if original == target {
		return Result{Snapshot: s}, nil
	}

	steps := append([]Migration(nil), registry.steps...)
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].From != steps[j].From {
			return steps[i].From < steps[j].From
		}
		return steps[i].To < steps[j].To
	})

	current := s
	version := original
	var applied []Migration

	for version < target {
		step, ok := findStep(steps, version)
		if !ok {
			return Result{}, fmt.Errorf("missing migration step from version %d to reach %d", version, target)
		}
		migrated, err := step.Migrate(current)
		if err != nil {
			return Result{}, fmt.Errorf("migration %d->%d: %w", step.From, step.To, err)
		}

		next := *migrated
		next.Meta.Version = step.To
		current = &next
		version = step.To
		applied = append(applied, step)
	}

	if version != target {
		return Result{}, fmt.Errorf("migration chain ended at version %d but expected %d", version, target)
	}

	stepsMeta := make([]map[string]any, len(applied))
	for i, step := range applied {
		stepsMeta[i] = map[string]any{"from": step.From, "to": step.To}
	}
	audit := snapshot.NewAuditEntry(snapshot.AuditMigrationCompleted, now, map[string]any{
		"from":  original,
		"to":    target,
		"steps": stepsMeta,
	})

	final := *current
	final.Meta.MigratedFrom = strconv.Itoa(original)
	final.Audit = snapshot.AppendAudit(current, audit)

	return Result{Snapshot: &final, Applied: applied}, nil
}

func findStep(steps []Migration, from int) (Migration, bool) {
	for _, step := range steps {
		if step.From == from {
			return step, true
		}
	}
	return Migration{}, false
}
