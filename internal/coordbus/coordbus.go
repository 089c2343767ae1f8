// Package coordbus implements CoordinationBus: a thin layer over
// EventStore's listen/notify that names channels by agent UUID and
// gives WaitEngine a single place to subscribe to the agents it cares
// about, backed by internal/store's notify hub rather than a
// process-local pub/sub map.
package coordbus

// Payload is the closed set of short tags a notification carries.
type Payload string

const (
	PayloadMail = Payload("mail")
	PayloadDead = Payload("dead")
	PayloadFork = Payload("fork")
	PayloadIdle = Payload("idle")
)

// Backend is the subset of internal/store.Store's surface the bus
// needs. Kept as an interface so coordbus and store never need to
// import one another's concrete types.
type Backend interface {
	Listen(channel string) error
	Unlisten(channel string) error
	Notify(channel, payload string) error
	DrainNotifications(callback func(channel, payload string)) int
}

// Channel names an agent's own notification channel.
func Channel(agentUUID string) string {
	return "agent_event_" + agentUUID
}

// Bus subscribes to and publishes on agent channels through a Backend.
type Bus struct {
	backend Backend
}

// New wraps backend (typically a session's *store.Store).
func New(backend Backend) *Bus {
	return &Bus{backend: backend}
}

// SubscribeAgent listens on uuid's own channel.
func (b *Bus) SubscribeAgent(uuid string) error {
	return b.backend.Listen(Channel(uuid))
}

// UnsubscribeAgent stops listening on uuid's channel.
func (b *Bus) UnsubscribeAgent(uuid string) error {
	return b.backend.Unlisten(Channel(uuid))
}

// Publish notifies uuid's channel with payload. Best-effort: see
// internal/store.Store.Notify for the inside-a-transaction no-op rule.
func (b *Bus) Publish(uuid string, payload Payload) error {
	return b.backend.Notify(Channel(uuid), string(payload))
}

// Drain delivers every pending notification for every channel this Bus
// has subscribed to, non-blocking, returning the count delivered.
func (b *Bus) Drain(callback func(agentUUID string, payload Payload)) int {
	return b.backend.DrainNotifications(func(channel, payload string) {
		callback(agentUUIDFromChannel(channel), Payload(payload))
	})
}

func agentUUIDFromChannel(channel string) string {
	const prefix = "agent_event_"
	if len(channel) > len(prefix) && channel[:len(prefix)] == prefix {
		return channel[len(prefix):]
	}
	return channel
}
