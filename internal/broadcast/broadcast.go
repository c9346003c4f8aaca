// Package broadcast delivers change notifications to other contexts
// (tabs, processes) observing the same store. Messages are coalesced so a
// burst of schedules collapses to a single delivery of the last message.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kelpie-md/kelpie/internal/hostkv"
)

// DefaultKey is the fallback store key used when no pub/sub channel is
// available. It lives outside the snapshot's own key namespace.
const DefaultKey = "kelpie.storage.broadcast"

// Message is what callers schedule for delivery.
type Message struct {
	Scope     string    `json:"scope"`
	UpdatedAt time.Time `json:"updatedAt"`
	Origin    string    `json:"origin"`
}

// Envelope is the wire form of a Message. Timestamp (unix milliseconds) and
// Sequence let receivers detect stale or out-of-order deliveries.
type Envelope struct {
	Message
	Timestamp int64 `json:"__timestamp"`
	Sequence  int64 `json:"__sequence"`
}

// Channel is a low-latency pub/sub transport between contexts. When Post
// fails once, the transport downgrades to the store fallback for the rest of
// the process lifetime.
type Channel interface {
	Post(payload []byte) error
	Subscribe(callback func(payload []byte)) func()
	Close() error
}

// Options configure a Transport.
type Options struct {
	// Channel is the preferred delivery path. May be nil.
	Channel Channel
	// Store carries the fallback path: envelopes are written under Key so
	// stores with change notification surface them as key changes.
	Store hostkv.Store
	Key   string
	Now   func() time.Time
	Logger *slog.Logger
	// Schedule defers a flush to the next tick. Tests inject a manual
	// scheduler; the default is an immediate timer.
	Schedule func(flush func())
}

// Transport coalesces and delivers envelopes. Each transport keeps its own
// monotonically increasing sequence.
type Transport struct {
	channel  Channel
	store    hostkv.Store
	key      string
	now      func() time.Time
	log      *slog.Logger
	schedule func(func())

	mu          sync.Mutex
	channelDown bool
	sequence    int64
	pending     *Message
	scheduled   bool
}

// New builds a Transport from opts, applying defaults for unset fields.
func New(opts Options) *Transport {
	t := &Transport{
		channel:  opts.Channel,
		store:    opts.Store,
		key:      opts.Key,
		now:      opts.Now,
		log:      opts.Logger,
		schedule: opts.Schedule,
	}
	if t.key == "" {
		t.key = DefaultKey
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.schedule == nil {
		t.schedule = func(flush func()) { time.AfterFunc(0, flush) }
	}
	return t
}

// Schedule queues msg for delivery on the next tick. Calls arriving before
// the tick replace the pending message, so only the last one is delivered.
func (t *Transport) Schedule(msg Message) {
	t.mu.Lock()
	t.pending = &msg
	schedule := !t.scheduled
	t.scheduled = true
	t.mu.Unlock()

	if schedule {
		t.schedule(t.Flush)
	}
}

// Flush delivers the pending message immediately, if any. Safe to call when
// nothing is pending.
func (t *Transport) Flush() {
	t.mu.Lock()
	msg := t.pending
	t.pending = nil
	t.scheduled = false
	if msg == nil {
		t.mu.Unlock()
		return
	}
	t.sequence++
	env := Envelope{
		Message:   *msg,
		Timestamp: t.now().UnixMilli(),
		Sequence:  t.sequence,
	}
	t.mu.Unlock()

	t.deliver(env)
}

func (t *Transport) deliver(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		t.log.Warn("broadcast encode failed", "error", err)
		return
	}

	t.mu.Lock()
	useChannel := t.channel != nil && !t.channelDown
	t.mu.Unlock()

	if useChannel {
		if err := t.channel.Post(payload); err == nil {
			return
		}
		// The channel never recovers within this process once it fails.
		t.mu.Lock()
		t.channelDown = true
		t.mu.Unlock()
		t.log.Warn("broadcast channel failed, downgrading to store fallback")
	}

	if t.store == nil {
		return
	}
	if err := t.store.Set(t.key, string(payload)); err != nil {
		t.log.Warn("broadcast fallback write failed", "error", err)
	}
}

// Subscribe registers callback for envelopes from other contexts, wiring
// both the channel and, when the store supports change notification, the
// fallback key. The returned function unsubscribes from both paths.
//
// A store that notifies synchronously on local writes will echo this
// transport's own fallback envelopes back to the subscriber; receivers are
// expected to treat refresh as idempotent.
func (t *Transport) Subscribe(callback func(Envelope)) func() {
	var unsubs []func()

	if t.channel != nil {
		unsubs = append(unsubs, t.channel.Subscribe(func(payload []byte) {
			t.dispatch(payload, callback)
		}))
	}

	if notifier, ok := t.store.(hostkv.Notifier); ok {
		unsubs = append(unsubs, notifier.Subscribe(func(key string) {
			if key != t.key {
				return
			}
			raw, ok, err := t.store.Get(t.key)
			if err != nil || !ok {
				return
			}
			t.dispatch([]byte(raw), callback)
		}))
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (t *Transport) dispatch(payload []byte, callback func(Envelope)) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.log.Warn("broadcast decode failed", "error", err)
		return
	}
	callback(env)
}
