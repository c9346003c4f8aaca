// Package hostkv abstracts the synchronous key-value store the driver
// persists into. In the browser deployment this is localStorage; for native
// builds and tests the package provides in-memory, directory-backed and
// SQLite-backed implementations. The implementation is selected once at
// driver construction, never branched on per call.
package hostkv

import "errors"

// ErrQuotaExceeded is returned by Set when the host store rejects a write
// for capacity reasons. The driver wraps it in a DriverQuotaError.
var ErrQuotaExceeded = errors.New("host store quota exceeded")

// Store is a synchronous string key-value store. All operations complete on
// the calling goroutine or return an error; nothing blocks on I/O beyond the
// host's own synchronous write.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	// Keys returns all keys with the given prefix, in unspecified order.
	Keys(prefix string) ([]string, error)
}

// Notifier is implemented by stores that can report key changes, either from
// other contexts (the browser storage event) or locally (the in-memory
// fallback, which notifies synchronously on Set so the subscriber contract
// stays uniform even without real cross-tab behaviour).
type Notifier interface {
	// Subscribe registers a callback invoked with the changed key.
	// The returned function unsubscribes.
	Subscribe(func(key string)) func()
}
