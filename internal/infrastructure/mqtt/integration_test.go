//go:build integration

package mqtt

import (
	"sync/atomic"
	"testing"
	"time"
)

// Run with: go test -tags=integration ./internal/infrastructure/mqtt/...
// Requires a broker at 127.0.0.1:1883.

func TestIntegration_RetainedRoundtrip(t *testing.T) {
	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // test cleanup

	topic := client.Topics().State("light.integration")
	if err := client.PublishRetained(topic, []byte(`{"state":"on"}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}

	var got atomic.Value
	err = client.Subscribe(client.Topics().AllStates(), 1, func(tp string, payload []byte) error {
		if tp == topic {
			got.Store(string(payload))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", client.SubscriptionCount())
	}

	deadline := time.Now().Add(3 * time.Second)
	for got.Load() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got.Load() != `{"state":"on"}` {
		t.Errorf("retained payload = %v", got.Load())
	}

	// Clear the retained message.
	_ = client.Publish(topic, nil, 1, true)
}

func TestIntegration_OnConnectCallback(t *testing.T) {
	var called atomic.Bool
	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // test cleanup
	client.SetOnConnect(func() { called.Store(true) })

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
}
