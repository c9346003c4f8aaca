// Package driver persists snapshots into a host key-value store with an
// integrity checksum, timestamped backups of prior payloads, and automatic
// corruption recovery on load.
package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kelpie-md/kelpie/internal/hostkv"
	"github.com/kelpie-md/kelpie/internal/snapshot"
)

// DefaultKey is the primary store key when none is configured.
const DefaultKey = "kelpie.storage"

// DefaultBackupLimit is how many timestamped backups are retained.
const DefaultBackupLimit = 3

// CorruptionReason says which integrity check failed on load.
type CorruptionReason string

const (
	ReasonParse    CorruptionReason = "parse"
	ReasonChecksum CorruptionReason = "checksum"
)

// CorruptionError describes a payload that failed integrity checks. It is
// never returned from Load; it is reported through the OnCorruption callback
// while Load recovers by returning no snapshot.
type CorruptionError struct {
	Reason           CorruptionReason
	ExpectedChecksum string
	ActualChecksum   string
}

func (e *CorruptionError) Error() string {
	if e.Reason == ReasonChecksum {
		return fmt.Sprintf("storage corruption (checksum): expected %s, got %s", e.ExpectedChecksum, e.ActualChecksum)
	}
	return "storage corruption (parse): stored payload is not valid JSON"
}

// QuotaError wraps a host-store capacity rejection raised during Save.
type QuotaError struct {
	Cause error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage driver quota exceeded: %v", e.Cause)
}

func (e *QuotaError) Unwrap() error { return e.Cause }

// IsQuotaError reports whether err is a driver quota failure.
func IsQuotaError(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// Checksum returns the 8-hex-digit FNV-1a checksum of payload.
func Checksum(payload string) string {
	h := fnv.New32a()
	h.Write([]byte(payload))
	return fmt.Sprintf("%08x", h.Sum32())
}

// Transform rewrites a serialised payload, for example to encrypt it.
type Transform func(string) (string, error)

// Options configure a Driver. The zero value of every field has a usable
// default; in particular a nil Store falls back to an in-memory store whose
// subscribers are notified synchronously on every write.
type Options struct {
	Store       hostkv.Store
	Key         string
	BackupLimit int
	Now         func() time.Time
	Logger      *slog.Logger

	// Encrypt and Decrypt, when set, wrap the serialised payload before it
	// touches the store. The checksum always covers the plaintext.
	Encrypt Transform
	Decrypt Transform
}

// Driver reads and writes snapshots under a single key pair
// (<key>, <key>.checksum) in a host store.
type Driver struct {
	store       hostkv.Store
	key         string
	backupLimit int
	now         func() time.Time
	log         *slog.Logger
	encrypt     Transform
	decrypt     Transform

	lastPayload  string
	lastChecksum string
	hasLast      bool
}

// New builds a Driver from opts, applying defaults for unset fields.
func New(opts Options) *Driver {
	d := &Driver{
		store:       opts.Store,
		key:         opts.Key,
		backupLimit: opts.BackupLimit,
		now:         opts.Now,
		log:         opts.Logger,
		encrypt:     opts.Encrypt,
		decrypt:     opts.Decrypt,
	}
	if d.store == nil {
		d.store = hostkv.NewMemory()
	}
	if d.key == "" {
		d.key = DefaultKey
	}
	if d.backupLimit <= 0 {
		d.backupLimit = DefaultBackupLimit
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Key returns the primary store key.
func (d *Driver) Key() string { return d.key }

func (d *Driver) checksumKey() string { return d.key + ".checksum" }

func (d *Driver) backupPrefix() string { return d.key + ".backup." }

// LoadOptions carry the corruption callback for Load.
type LoadOptions struct {
	// OnCorruption is invoked when the stored payload fails an integrity
	// check. The raw payload has already been backed up when it fires.
	OnCorruption func(*CorruptionError)
}

// Load reads the stored snapshot. It returns (nil, nil) when nothing is
// stored, and also when the payload is corrupt: corruption is recovered
// internally by backing up the raw value and reporting through
// opts.OnCorruption, so callers uniformly fall back to a fresh snapshot.
func (d *Driver) Load(opts LoadOptions) (*snapshot.Snapshot, error) {
	raw, ok, err := d.store.Get(d.key)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return nil, nil
	}

	payload := raw
	if d.decrypt != nil {
		payload, err = d.decrypt(raw)
		if err != nil {
			d.recover(raw, &CorruptionError{Reason: ReasonParse}, opts.OnCorruption)
			return nil, nil
		}
	}

	stored, hasSum, err := d.store.Get(d.checksumKey())
	if err != nil {
		return nil, fmt.Errorf("load checksum: %w", err)
	}
	// Legacy payloads written before checksums existed load without one.
	if hasSum {
		actual := Checksum(payload)
		if actual != stored {
			d.recover(raw, &CorruptionError{
				Reason:           ReasonChecksum,
				ExpectedChecksum: stored,
				ActualChecksum:   actual,
			}, opts.OnCorruption)
			return nil, nil
		}
	}

	var s snapshot.Snapshot
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		d.recover(raw, &CorruptionError{Reason: ReasonParse}, opts.OnCorruption)
		return nil, nil
	}
	return &s, nil
}

// Save serialises and writes the snapshot plus its checksum. When both the
// serialised form and checksum match the last successful save, the write is
// skipped entirely. The previous raw value is kept as a timestamped backup.
// Host capacity rejections come back as a QuotaError.
func (d *Driver) Save(s *snapshot.Snapshot) error {
	payload, err := snapshot.Serialise(s)
	if err != nil {
		return fmt.Errorf("serialise snapshot: %w", err)
	}
	sum := Checksum(payload)
	if d.hasLast && payload == d.lastPayload && sum == d.lastChecksum {
		return nil
	}

	stored := payload
	if d.encrypt != nil {
		stored, err = d.encrypt(payload)
		if err != nil {
			return fmt.Errorf("encrypt snapshot: %w", err)
		}
	}

	if prev, ok, err := d.store.Get(d.key); err == nil && ok {
		d.writeBackup(prev)
	}

	if err := d.store.Set(d.key, stored); err != nil {
		return d.wrapSetError("write snapshot", err)
	}
	if err := d.store.Set(d.checksumKey(), sum); err != nil {
		return d.wrapSetError("write checksum", err)
	}

	d.lastPayload = payload
	d.lastChecksum = sum
	d.hasLast = true
	return nil
}

func (d *Driver) wrapSetError(op string, err error) error {
	if errors.Is(err, hostkv.ErrQuotaExceeded) {
		return &QuotaError{Cause: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Clear removes the snapshot and its checksum. Backups are left in place.
func (d *Driver) Clear() error {
	if err := d.store.Delete(d.key); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	if err := d.store.Delete(d.checksumKey()); err != nil {
		return fmt.Errorf("clear checksum: %w", err)
	}
	d.lastPayload = ""
	d.lastChecksum = ""
	d.hasLast = false
	return nil
}

// Subscribe registers callback for changes to this driver's key made through
// the host store. Stores without change notification get a no-op
// unsubscribe.
func (d *Driver) Subscribe(callback func()) func() {
	notifier, ok := d.store.(hostkv.Notifier)
	if !ok {
		return func() {}
	}
	return notifier.Subscribe(func(key string) {
		if key == d.key {
			callback()
		}
	})
}

// Backups returns the retained backup keys, oldest first.
func (d *Driver) Backups() ([]string, error) {
	keys, err := d.store.Keys(d.backupPrefix())
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// ReadBackup returns the raw payload stored under a backup key.
func (d *Driver) ReadBackup(key string) (string, bool, error) {
	if !strings.HasPrefix(key, d.backupPrefix()) {
		return "", false, fmt.Errorf("key %q is not a backup of %q", key, d.key)
	}
	return d.store.Get(key)
}

func (d *Driver) recover(raw string, cerr *CorruptionError, onCorruption func(*CorruptionError)) {
	d.writeBackup(raw)
	d.log.Debug("recovered from corrupt storage payload",
		"key", d.key,
		"reason", string(cerr.Reason),
	)
	if onCorruption != nil {
		onCorruption(cerr)
	}
}

// writeBackup stores raw under a timestamped key and trims old backups.
// Backup failures are logged and swallowed: recovery and saving must not
// fail because a backup could not be written.
func (d *Driver) writeBackup(raw string) {
	key := d.backupPrefix() + sanitizeTimestamp(d.now())
	if err := d.store.Set(key, raw); err != nil {
		d.log.Warn("backup write failed", "key", key, "error", err)
		return
	}
	d.trimBackups()
}

func (d *Driver) trimBackups() {
	keys, err := d.store.Keys(d.backupPrefix())
	if err != nil {
		d.log.Warn("backup listing failed", "error", err)
		return
	}
	sort.Strings(keys)
	for len(keys) > d.backupLimit {
		if err := d.store.Delete(keys[0]); err != nil {
			d.log.Warn("backup trim failed", "key", keys[0], "error", err)
			return
		}
		keys = keys[1:]
	}
}

// sanitizeTimestamp renders ts as a fixed-width UTC timestamp safe for use
// inside store keys. Fixed width keeps lexicographic order chronological.
func sanitizeTimestamp(ts time.Time) string {
	iso := ts.UTC().Format("2006-01-02T15:04:05.000000000Z")
	return strings.NewReplacer(":", "-", ".", "-").Replace(iso)
}
