package store

import (
	"sync"

	"github.com/nugget/ikigai/internal/ikerrors"
)

// Notification is one delivered channel/payload pair, matching the
// `{"mail", "dead", "fork", "idle"}` payload vocabulary.
type Notification struct {
	Channel string
	Payload string
}

// notifyHub fans out notifications to every Store currently listening on
// a given channel, process-wide. This is the in-process stand-in for a
// database backend's native LISTEN/NOTIFY: every Store opened against
// the same database shares one hub instance.
type notifyHub struct {
	mu   sync.Mutex
	subs map[string]map[*Store]struct{}
}

var hub = &notifyHub{subs: make(map[string]map[*Store]struct{})}

func (h *notifyHub) subscribe(channel string, s *Store) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*Store]struct{})
		h.subs[channel] = set
	}
	set[s] = struct{}{}
}

func (h *notifyHub) unsubscribe(channel string, s *Store) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[channel]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, channel)
	}
}

func (h *notifyHub) publish(channel, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[channel] {
		n := Notification{Channel: channel, Payload: payload}
		select {
		case s.inbox <- n:
		default:
			// Subscriber's inbox is full; the direct-polling fallback
			// recovers any notification dropped here.
		}
	}
}

// Listen subscribes this Store to channel. Must be called outside any
// transaction.
func (s *Store) Listen(channel string) error {
	if s.tx != nil {
		return ikerrors.New(ikerrors.InvalidArg, "listen must be called outside a transaction")
	}
	if s.listening[channel] {
		return nil
	}
	s.listening[channel] = true
	hub.subscribe(channel, s)
	return nil
}

// Unlisten removes a subscription. Safe to call on a channel that was
// never subscribed.
func (s *Store) Unlisten(channel string) error {
	if !s.listening[channel] {
		return nil
	}
	delete(s.listening, channel)
	hub.unsubscribe(channel, s)
	return nil
}

// Notify sends a point-to-point notification to every Store currently
// listening on channel. Called inside a transaction, it is a silent
// no-op returning success — the message payload becomes advisory only,
// and the polling fallback recovers it.
func (s *Store) Notify(channel, payload string) error {
	if s.tx != nil {
		return nil
	}
	hub.publish(channel, payload)
	return nil
}

// DrainNotifications invokes callback(channel, payload) for every
// notification currently queued for this Store, non-blocking, and
// returns the count delivered.
func (s *Store) DrainNotifications(callback func(channel, payload string)) int {
	count := 0
	for {
		select {
		case n := <-s.inbox:
			callback(n.Channel, n.Payload)
			count++
		default:
			return count
		}
	}
}

// Notifications exposes the Store's wake channel directly, so a caller
// driving its own select (WaitEngine's cooperative loop) can block on
// notification arrival instead of a busy-poll. This is the Go-idiomatic
// substitute for blocking on EventStore's socket_fd, which SQLite cannot
// provide.
func (s *Store) Notifications() <-chan Notification {
	return s.inbox
}
