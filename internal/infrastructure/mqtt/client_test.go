package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-mirror-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "test/mirror",
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		got    func(Topics) string
		want   string
	}{
		{"status", "home/mirror", Topics.Status, "home/mirror/status"},
		{"bridge", "home/mirror", Topics.Bridge, "home/mirror/bridge"},
		{"state", "home/mirror", func(t Topics) string { return t.State("light.kitchen") }, "home/mirror/state/light.kitchen"},
		{"command", "home/mirror", func(t Topics) string { return t.Command("lock.front_door") }, "home/mirror/command/lock.front_door"},
		{"ack", "home/mirror", func(t Topics) string { return t.Ack("lock.front_door") }, "home/mirror/ack/lock.front_door"},
		{"all commands", "home/mirror", Topics.AllCommands, "home/mirror/command/+"},
		{"all states", "home/mirror", Topics.AllStates, "home/mirror/state/+"},
		{"trimmed prefix", "/home/mirror/", Topics.Status, "home/mirror/status"},
		{"default prefix", "", Topics.Status, "graylogic/mirror/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.got(Topics{Prefix: tt.prefix}); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTopics_CommandEntity(t *testing.T) {
	topics := Topics{Prefix: "graylogic/mirror"}

	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"graylogic/mirror/command/light.kitchen", "light.kitchen", true},
		{"graylogic/mirror/command/", "", false},
		{"graylogic/mirror/command/a/b", "", false},
		{"graylogic/mirror/state/light.kitchen", "", false},
		{"other/command/light.kitchen", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := topics.CommandEntity(tt.topic)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("CommandEntity(%q) = (%q, %v), want (%q, %v)", tt.topic, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestStatusPayload(t *testing.T) {
	var msg StatusMessage
	if err := json.Unmarshal(statusPayload(StatusOffline, "mirror-1", "graceful_shutdown"), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Status != StatusOffline || msg.ClientID != "mirror-1" || msg.Reason != "graceful_shutdown" {
		t.Errorf("payload = %+v", msg)
	}
	if msg.Timestamp == "" {
		t.Error("timestamp missing")
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "mirror"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "graylogic-mirror-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "mirror" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig not set")
	}
	if !opts.WillEnabled || opts.WillTopic != "test/mirror/bridge" || !opts.WillRetained {
		t.Errorf("will = enabled:%v topic:%q retained:%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect should be enabled")
	}
}

// An unconnected client validates arguments before touching the network.
func TestClient_ValidationWithoutBroker(t *testing.T) {
	c := newClient(testConfig())
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 0, false), ErrInvalidTopic},
		{"publish bad qos", c.Publish("a", nil, 3, false), ErrInvalidQoS},
		{"publish oversized", c.Publish("a", make([]byte, maxPayloadSize+1), 0, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("a", []byte("x"), 1, false), ErrNotConnected},
		{"retained disconnected", c.PublishRetained("a", []byte("x")), ErrNotConnected},
		{"subscribe empty topic", c.Subscribe("", 0, handler), ErrInvalidTopic},
		{"subscribe bad qos", c.Subscribe("a", 5, handler), ErrInvalidQoS},
		{"subscribe nil handler", c.Subscribe("a", 0, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("a", 0, handler), ErrNotConnected},
		{"unsubscribe empty", c.Unsubscribe(""), ErrInvalidTopic},
		{"unsubscribe disconnected", c.Unsubscribe("a"), ErrNotConnected},
		{"health", c.HealthCheck(context.Background()), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true for unconnected client")
	}
}

func TestClient_HealthCheckCancelled(t *testing.T) {
	c := newClient(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() = %v, want context.Canceled", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 1 // nothing listens here

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client = %v", err)
	}
}

type recordingLogger struct {
	errors, warns int
}

func (l *recordingLogger) Error(string, ...any) { l.errors++ }
func (l *recordingLogger) Warn(string, ...any)  { l.warns++ }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestWrapHandler(t *testing.T) {
	c := newClient(testConfig())
	log := &recordingLogger{}
	c.SetLogger(log)

	msg := fakeMessage{topic: "test/mirror/command/light.kitchen", payload: []byte("{}")}

	c.wrapHandler(func(string, []byte) error { return errors.New("bad payload") })(nil, msg)
	c.wrapHandler(func(string, []byte) error { panic("boom") })(nil, msg)

	if log.warns != 1 {
		t.Errorf("warns = %d, want 1", log.warns)
	}
	if log.errors != 1 {
		t.Errorf("errors = %d, want 1 (recovered panic)", log.errors)
	}
}
