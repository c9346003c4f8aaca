package hostkv

import "sync"

// Memory is an in-process Store used as the fallback when no native host
// store is available, and by tests. It optionally enforces a byte quota so
// quota handling can be exercised without a real browser.
type Memory struct {
	mu         sync.RWMutex
	values     map[string]string
	quotaBytes int

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(key string)
}

// NewMemory creates an empty in-memory store with no quota.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string), subs: make(map[int]func(string))}
}

// NewMemoryWithQuota creates an in-memory store that rejects writes once the
// total stored bytes would exceed quotaBytes.
func NewMemoryWithQuota(quotaBytes int) *Memory {
	m := NewMemory()
	m.quotaBytes = quotaBytes
	return m
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	if m.quotaBytes > 0 {
		total := len(value)
		for k, v := range m.values {
			if k == key {
				continue
			}
			total += len(v)
		}
		if total > m.quotaBytes {
			m.mu.Unlock()
			return ErrQuotaExceeded
		}
	}
	m.values[key] = value
	m.mu.Unlock()

	m.notify(key)
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.values {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Subscribe registers a callback invoked synchronously on every Set.
// There is no cross-process transport here; this keeps the subscriber
// contract uniform for same-process consumers.
func (m *Memory) Subscribe(callback func(key string)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = callback
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Memory) notify(key string) {
	m.subMu.Lock()
	callbacks := make([]func(string), 0, len(m.subs))
	for _, cb := range m.subs {
		callbacks = append(callbacks, cb)
	}
	m.subMu.Unlock()

	for _, cb := range callbacks {
		cb(key)
	}
}

var (
	_ Store    = (*Memory)(nil)
	_ Notifier = (*Memory)(nil)
)
