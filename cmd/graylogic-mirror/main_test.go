package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-mirror/internal/auth"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mirror/internal/protocol"
	"github.com/nerrad567/gray-logic-mirror/internal/protocol/remotetest"
)

const testSecret = "test-secret-that-is-at-least-32-characters"

const testCatalog = `
entities:
  - id: light.kitchen
    room: Kitchen
    floor: Ground
  - id: lock.front_door
    room: Hall
    floor: Ground
`

// writeFile writes content under dir and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want loading config error", err)
	}
}

// TestRun_ValidationFailure verifies a config without a remote is rejected.
func TestRun_ValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeFile(t, tmpDir, "config.yaml", `
remote:
  token: abc
api:
  enabled: false
`)
	t.Setenv("GRAYLOGIC_CONFIG", configPath)
	t.Setenv("GRAYLOGIC_REMOTE_URL", "")

	err := run(context.Background())
	if err == nil {
		t.Fatal("run() should fail without remote.url")
	}
	if !strings.Contains(err.Error(), "remote.url") {
		t.Errorf("run() error = %v, want remote.url mentioned", err)
	}
}

// TestRun_MissingCatalog verifies run fails before connecting when the
// catalog cannot be read.
func TestRun_MissingCatalog(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeFile(t, tmpDir, "config.yaml", `
remote:
  url: ws://127.0.0.1:1/api/websocket
  token: abc
catalog:
  path: "`+filepath.Join(tmpDir, "missing.yaml")+`"
database:
  enabled: false
api:
  enabled: false
`)
	t.Setenv("GRAYLOGIC_CONFIG", configPath)

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "loading catalog") {
		t.Fatalf("run() error = %v, want loading catalog error", err)
	}
}

// TestRun_StartupAndShutdown runs the relay against an in-process remote
// until the context expires.
func TestRun_StartupAndShutdown(t *testing.T) {
	remote := remotetest.NewServer(t,
		remotetest.State{EntityID: "light.kitchen", State: "on"},
		remotetest.State{EntityID: "lock.front_door", State: "locked"},
	)

	tmpDir := t.TempDir()
	catalogPath := writeFile(t, tmpDir, "catalog.yaml", testCatalog)
	dbPath := filepath.Join(tmpDir, "data", "mirror.db")
	configPath := writeFile(t, tmpDir, "config.yaml", `
remote:
  url: "`+remote.URL()+`"
  token: "`+remotetest.Token+`"
  reconnect:
    base_delay_ms: 50
    max_delay_ms: 200
catalog:
  path: "`+catalogPath+`"
database:
  enabled: true
  path: "`+dbPath+`"
api:
  enabled: false
logging:
  level: warn
  format: text
`)
	t.Setenv("GRAYLOGIC_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("journal database not created: %v", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("GRAYLOGIC_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestProtocolConfig(t *testing.T) {
	rc := config.RemoteConfig{
		URL:              "ws://hub.local:8123/api/websocket",
		Token:            "abc",
		HandshakeTimeout: 5,
		RequestTimeout:   7,
		PingInterval:     0,
		Reconnect: config.ReconnectConfig{
			BaseDelayMS: 250,
			MaxDelayMS:  4000,
			MaxAttempts: 3,
		},
	}

	got := protocolConfig(rc)
	want := protocol.Config{
		URL:              rc.URL,
		Token:            "abc",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     7 * time.Second,
		PingInterval:     -1,
		Backoff: protocol.Backoff{
			Base:        250 * time.Millisecond,
			Cap:         4 * time.Second,
			MaxAttempts: 3,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("protocolConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestHealthCheck_NothingEnabled(t *testing.T) {
	if err := healthCheck(context.Background(), nil, nil, nil); err != nil {
		t.Errorf("healthCheck() error = %v, want nil", err)
	}
}

func TestRunToken(t *testing.T) {
	t.Setenv("GRAYLOGIC_JWT_SECRET", "")

	var out bytes.Buffer
	err := runToken([]string{
		"--subject", "kitchen-panel",
		"--role", "operator",
		"--rooms", "Kitchen,Hall",
		"--ttl", "5",
		"--secret", testSecret,
	}, &out)
	if err != nil {
		t.Fatalf("runToken() error = %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "kitchen-panel" || claims.Role != auth.RoleOperator {
		t.Errorf("claims = %s/%s, want kitchen-panel/operator", claims.Subject, claims.Role)
	}
	if diff := cmp.Diff([]string{"Kitchen", "Hall"}, claims.Rooms); diff != "" {
		t.Errorf("rooms mismatch (-want +got):\n%s", diff)
	}
	if left := time.Until(claims.ExpiresAt.Time); left <= 0 || left > 5*time.Minute {
		t.Errorf("token expires in %v, want within 5m", left)
	}
}

func TestRunToken_SecretFromEnvironment(t *testing.T) {
	t.Setenv("GRAYLOGIC_JWT_SECRET", testSecret)

	var out bytes.Buffer
	if err := runToken([]string{"--subject", "dashboard", "--ttl", "1"}, &out); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}
	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Role != auth.RoleViewer || len(claims.Rooms) != 0 {
		t.Errorf("claims = %s rooms=%v, want viewer with all rooms", claims.Role, claims.Rooms)
	}
}

func TestRunToken_SecretAndTTLFromConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_JWT_SECRET", "")
	configPath := writeFile(t, t.TempDir(), "config.yaml", `
remote:
  url: ws://hub.local:8123/api/websocket
  token: abc
security:
  jwt:
    secret: "`+testSecret+`"
    access_token_ttl: 2
`)
	t.Setenv("GRAYLOGIC_CONFIG", configPath)

	var out bytes.Buffer
	if err := runToken([]string{"--subject", "dashboard"}, &out); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}
	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if left := time.Until(claims.ExpiresAt.Time); left > 2*time.Minute {
		t.Errorf("token expires in %v, want within 2m", left)
	}
}

func TestRunToken_Errors(t *testing.T) {
	t.Setenv("GRAYLOGIC_JWT_SECRET", testSecret)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing subject", []string{"--ttl", "1"}, "--subject is required"},
		{"invalid role", []string{"--subject", "x", "--role", "root", "--ttl", "1"}, "invalid role"},
		{"unknown flag", []string{"--subject", "x", "--bogus"}, "unknown flag"},
		{"extra argument", []string{"--subject", "x", "--ttl", "1", "extra"}, "unexpected argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runToken(tt.args, &out)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("runToken() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
