package bus

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, bufSize int) *Client {
	t.Helper()
	return New(Config{
		Broker:            "localhost",
		Port:              1883,
		ClientID:          "test-client",
		PublishBufferSize: bufSize,
	}, zerolog.Nop())
}

func TestBufferDropsOldestOnOverflow(t *testing.T) {
	c := newTestClient(t, 2)

	c.buffer(bufferedPublish{topic: "a"})
	c.buffer(bufferedPublish{topic: "b"})
	c.buffer(bufferedPublish{topic: "c"}) // overflow: drops "a"

	if got := c.PublishesDropped(); got != 1 {
		t.Errorf("PublishesDropped() = %d, want 1", got)
	}

	c.mu.Lock()
	pending := c.ringLen
	c.mu.Unlock()
	if pending != 2 {
		t.Errorf("ringLen = %d, want 2", pending)
	}
}

func TestDrainBufferPreservesOrder(t *testing.T) {
	c := newTestClient(t, 4)
	c.buffer(bufferedPublish{topic: "a"})
	c.buffer(bufferedPublish{topic: "b"})
	c.buffer(bufferedPublish{topic: "c"})

	c.mu.Lock()
	var order []string
	head, length := c.ringHead, c.ringLen
	for i := 0; i < length; i++ {
		order = append(order, c.ring[(head+i)%c.ringCap].topic)
	}
	c.mu.Unlock()

	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestNewDefaultsConnectTimeoutAndBackoff(t *testing.T) {
	c := New(Config{Broker: "localhost", Port: 1883, ClientID: "t"}, zerolog.Nop())
	if c.cfg.ConnectTimeout <= 0 {
		t.Error("ConnectTimeout should default to a positive duration")
	}
	if c.cfg.MaxReconnectBackoff <= 0 {
		t.Error("MaxReconnectBackoff should default to a positive duration")
	}
	if c.cfg.PublishBufferSize != 1024 {
		t.Errorf("PublishBufferSize = %d, want default 1024", c.cfg.PublishBufferSize)
	}
}

func TestIsConnectedInitiallyFalse(t *testing.T) {
	c := newTestClient(t, 4)
	if c.IsConnected() {
		t.Error("IsConnected() should be false before Connect is called")
	}
}
