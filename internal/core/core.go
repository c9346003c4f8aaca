// Package core owns the canonical in-memory snapshot and orchestrates the
// storage engine: boot recovery and migration, garbage collection before
// every persisted write, the undo/redo cache, and cross-context broadcasts.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelpie-md/kelpie/internal/broadcast"
	"github.com/kelpie-md/kelpie/internal/driver"
	"github.com/kelpie-md/kelpie/internal/gc"
	"github.com/kelpie-md/kelpie/internal/history"
	"github.com/kelpie-md/kelpie/internal/migrate"
	"github.com/kelpie-md/kelpie/internal/snapshot"
)

// ErrNilUpdate is returned when an updater produces no snapshot.
var ErrNilUpdate = errors.New("snapshot updater returned nil")

// Updater transforms a snapshot. Returning the input pointer unchanged means
// "nothing happened": nothing is persisted or broadcast.
type Updater func(*snapshot.Snapshot) (*snapshot.Snapshot, error)

// State is the triple exposed to observers. Config and Settings are copies
// taken from the same snapshot, so the three always move in lockstep.
type State struct {
	Snapshot *snapshot.Snapshot
	Config   snapshot.Configuration
	Settings snapshot.Settings
}

// Options configure a Core.
type Options struct {
	Driver     *driver.Driver
	Broadcast  *broadcast.Transport
	Migrations *migrate.Registry
	Now        func() time.Time
	Logger     *slog.Logger
}

// Core serializes all snapshot access behind one mutex. Every accepted
// mutation flows through the same pipeline: GC-normalise, persist, commit,
// notify, broadcast.
type Core struct {
	drv   *driver.Driver
	bcast *broadcast.Transport
	now   func() time.Time
	log   *slog.Logger

	mu      sync.Mutex
	current *snapshot.Snapshot
	cache   *history.Cache

	// persisting marks a save in flight so the store's change notification
	// for our own write is not mistaken for an external one.
	persisting atomic.Bool
	stopWatch  func()

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(State)
}

// New boots the engine. Corrupt or absent stored state falls back to a fresh
// snapshot; migrations run before anything else can mutate. A snapshot that
// was freshly created, migrated, or recovered from corruption is normalised
// and persisted immediately so the corrected state is durable.
func New(opts Options) (*Core, error) {
	if opts.Driver == nil {
		return nil, errors.New("core requires a driver")
	}
	c := &Core{
		drv:   opts.Driver,
		bcast: opts.Broadcast,
		now:   opts.Now,
		log:   opts.Logger,
		subs:  make(map[int]func(State)),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	registry := opts.Migrations
	if registry == nil {
		registry = migrate.Default()
	}

	var corruption *driver.CorruptionError
	loaded, err := c.drv.Load(driver.LoadOptions{
		OnCorruption: func(ce *driver.CorruptionError) { corruption = ce },
	})
	if err != nil {
		return nil, fmt.Errorf("boot load: %w", err)
	}

	now := c.now()
	s := loaded
	fresh := s == nil
	if fresh {
		s = snapshot.NewInitial(now)
	}

	migrated, err := migrate.Run(s, snapshot.SchemaVersion, registry, now)
	if err != nil {
		return nil, fmt.Errorf("boot migrations: %w", err)
	}
	changed := migrated.Snapshot != s
	s = migrated.Snapshot

	// The corruption audit is recorded only now, after migrations, so the
	// entry is never fed through a migration step itself.
	if corruption != nil {
		entry := snapshot.NewAuditEntry(snapshot.AuditStorageCorruption, now, map[string]any{
			"reason":           string(corruption.Reason),
			"expectedChecksum": corruption.ExpectedChecksum,
			"actualChecksum":   corruption.ActualChecksum,
		})
		next := *s
		next.Audit = snapshot.AppendAudit(s, entry)
		s = &next
	}

	if fresh || changed || corruption != nil {
		next := *s
		next.Meta.LastOpenedAt = now
		result, err := gc.Normalise(&next, now)
		if err != nil {
			return nil, fmt.Errorf("boot normalise: %w", err)
		}
		if err := c.drv.Save(result.Snapshot); err != nil {
			return nil, fmt.Errorf("boot persist: %w", err)
		}
		s = result.Snapshot
	}

	c.current = s
	c.cache = history.NewCache(s)

	// Writes by other contexts to the driver's key reload the snapshot, so
	// subscribers here see changes made in sibling tabs or processes.
	c.stopWatch = c.drv.Subscribe(c.onStoreChange)
	return c, nil
}

// Close detaches the core from the driver's change notifications. The core
// itself keeps working; it just stops following external writes.
func (c *Core) Close() {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
}

// onStoreChange fires when the driver's key changes in the host store. Stores
// that notify synchronously echo this core's own saves back while the mutex
// is still held, so in-flight saves are skipped.
func (c *Core) onStoreChange() {
	if c.persisting.Load() {
		return
	}
	if err := c.Refresh(); err != nil {
		c.log.Warn("refresh after external store change failed", "error", err)
	}
}

// GetState returns the current snapshot with its config and settings.
func (c *Core) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Core) stateLocked() State {
	return State{
		Snapshot: c.current,
		Config:   c.current.Config,
		Settings: c.current.Settings,
	}
}

// Subscribe registers an observer, invoking it immediately with the current
// state and again after every committed state change. The returned function
// unsubscribes.
func (c *Core) Subscribe(callback func(State)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = callback
	c.subMu.Unlock()

	callback(c.GetState())

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Update applies updater to the current snapshot. When the updater returns
// the identical pointer nothing is persisted or broadcast and Update reports
// false. Otherwise the result is GC-normalised, persisted, committed, and
// broadcast. A quota failure leaves the in-memory snapshot untouched.
func (c *Core) Update(updater Updater) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := updater(c.current)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, ErrNilUpdate
	}
	if next == c.current {
		return false, nil
	}
	if err := c.persistLocked(next); err != nil {
		return false, err
	}
	c.broadcastChange()
	return true, nil
}

// Reset discards all state and persists a fresh default snapshot carrying a
// storage.reset audit entry.
func (c *Core) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	fresh := snapshot.NewInitial(now)
	fresh.Audit = snapshot.AppendAudit(fresh, snapshot.NewAuditEntry(snapshot.AuditStorageReset, now, nil))

	if err := c.persistLocked(fresh); err != nil {
		return err
	}
	c.broadcastChange()
	return nil
}

// Refresh reloads from the driver, replacing the in-memory snapshot with
// whatever is currently stored. A load that finds nothing is a silent no-op:
// in-memory state is never clobbered with emptiness.
func (c *Core) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	loaded, err := c.drv.Load(driver.LoadOptions{})
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if loaded == nil {
		return nil
	}

	rebuild := !historyEqual(c.current.History, loaded.History)
	c.current = loaded
	if rebuild {
		c.cache = history.NewCache(loaded)
	}
	c.notify(c.stateLocked())
	return nil
}

// GC runs the persistence-time normalisation immediately, records a
// storage.gc.run audit entry when it changed anything, and persists.
func (c *Core) GC() (gc.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	result, err := gc.Normalise(c.current, now)
	if err != nil {
		return gc.Result{}, err
	}

	next := result.Snapshot
	if len(result.PrunedHistory) > 0 {
		stamped := *next
		stamped.Audit = snapshot.AppendAudit(next, snapshot.NewAuditEntry(snapshot.AuditStorageGCRun, now, map[string]any{
			"prunedHistoryCount": len(result.PrunedHistory),
			"sizeInBytes":        result.SizeInBytes,
		}))
		next = &stamped
	}

	if err := c.commitLocked(next); err != nil {
		return gc.Result{}, err
	}
	result.Snapshot = next
	return result, nil
}

// CaptureHistory records a history entry and routes the resulting snapshot
// through the same persist-and-broadcast path as Update. The cache rebuild
// on commit clears every redo stack, matching capture-invalidates-redo.
func (c *Core) CaptureHistory(input history.CaptureInput) (history.CaptureResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := history.Capture(c.current, input, c.now())
	if err != nil {
		return history.CaptureResult{}, err
	}
	if err := c.persistLocked(result.Snapshot); err != nil {
		return history.CaptureResult{}, err
	}
	c.broadcastChange()
	// persistLocked may have trimmed further; surface the committed snapshot.
	result.Snapshot = c.current
	return result, nil
}

// Undo steps the target's timeline back one entry, recording ctx as the redo
// entry. The bool reports whether an undo happened; the entry to restore to
// is nil when the oldest entry was undone. Cache-only: nothing is persisted.
func (c *Core) Undo(target history.Target, ctx history.UndoContext) (*snapshot.HistoryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Undo(target, ctx, c.now())
}

// Redo re-applies the most recently undone entry for the target, or nil when
// the redo stack is empty. Cache-only: nothing is persisted.
func (c *Core) Redo(target history.Target) *snapshot.HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Redo(target)
}

// Timeline returns a read-only view of the target's undo/redo state.
func (c *Core) Timeline(target history.Target) history.TimelineView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Timeline(target)
}

// persistLocked normalises, saves, and commits next. On any failure the
// in-memory snapshot is left untouched.
func (c *Core) persistLocked(next *snapshot.Snapshot) error {
	result, err := gc.Normalise(next, c.now())
	if err != nil {
		return err
	}
	return c.commitLocked(result.Snapshot)
}

func (c *Core) commitLocked(next *snapshot.Snapshot) error {
	c.persisting.Store(true)
	err := c.drv.Save(next)
	c.persisting.Store(false)
	if err != nil {
		return err
	}
	rebuild := !historyEqual(c.current.History, next.History)
	c.current = next
	if rebuild {
		c.cache = history.NewCache(next)
	}
	c.notify(c.stateLocked())
	return nil
}

func (c *Core) broadcastChange() {
	if c.bcast == nil {
		return
	}
	c.bcast.Schedule(broadcast.Message{
		Scope:     "snapshot",
		UpdatedAt: c.now(),
		Origin:    "local",
	})
}

func (c *Core) notify(state State) {
	c.subMu.Lock()
	callbacks := make([]func(State), 0, len(c.subs))
	for _, cb := range c.subs {
		callbacks = append(callbacks, cb)
	}
	c.subMu.Unlock()

	for _, cb := range callbacks {
		cb(state)
	}
}

// historyEqual is a shallow identity check over the persisted history list,
// enough to decide whether the undo cache must be rebuilt.
func historyEqual(a, b []snapshot.HistoryEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Sequence != b[i].Sequence {
			return false
		}
	}
	return true
}
