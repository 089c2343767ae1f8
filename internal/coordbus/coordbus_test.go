package coordbus

import "testing"

type fakeBackend struct {
	listening map[string]bool
	notified  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{listening: make(map[string]bool)}
}

func (f *fakeBackend) Listen(channel string) error {
	f.listening[channel] = true
	return nil
}

func (f *fakeBackend) Unlisten(channel string) error {
	delete(f.listening, channel)
	return nil
}

func (f *fakeBackend) Notify(channel, payload string) error {
	if f.listening[channel] {
		f.notified = append(f.notified, channel+":"+payload)
	}
	return nil
}

func (f *fakeBackend) DrainNotifications(callback func(channel, payload string)) int {
	n := 0
	for _, entry := range f.notified {
		// channel:payload, split on first colon-like separator used above
		for i := 0; i < len(entry); i++ {
			if entry[i] == ':' {
				callback(entry[:i], entry[i+1:])
				n++
				break
			}
		}
	}
	f.notified = nil
	return n
}

func TestChannelNaming(t *testing.T) {
	if got := Channel("abc-123"); got != "agent_event_abc-123" {
		t.Errorf("Channel() = %q", got)
	}
}

func TestSubscribePublishDrain(t *testing.T) {
	backend := newFakeBackend()
	bus := New(backend)

	if err := bus.SubscribeAgent("agent-1"); err != nil {
		t.Fatalf("SubscribeAgent: %v", err)
	}
	if err := bus.Publish("agent-1", PayloadMail); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var got []string
	n := bus.Drain(func(uuid string, payload Payload) {
		got = append(got, uuid+"="+string(payload))
	})
	if n != 1 || len(got) != 1 || got[0] != "agent-1=mail" {
		t.Errorf("Drain = %d/%v", n, got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	backend := newFakeBackend()
	bus := New(backend)
	bus.SubscribeAgent("agent-1")
	bus.UnsubscribeAgent("agent-1")
	bus.Publish("agent-1", PayloadDead)

	n := bus.Drain(func(string, Payload) {})
	if n != 0 {
		t.Errorf("Drain after unsubscribe = %d, want 0", n)
	}
}

func TestAgentUUIDFromChannel(t *testing.T) {
	if got := agentUUIDFromChannel("agent_event_xyz"); got != "xyz" {
		t.Errorf("agentUUIDFromChannel = %q", got)
	}
}
