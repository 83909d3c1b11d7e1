package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
	require.NoError(t, Validate(DefaultRelayConfig()))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	relay, err := LoadRelay()
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "superadmin"}, relay.AdminRoles)
	assert.Equal(t, 10*time.Second, relay.WriteTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REALTIME_ENDPOINT", "wss://rt.example.edu/ws")
	t.Setenv("REALTIME_CODEC", "msgpack")
	t.Setenv("REALTIME_RECONNECT_ATTEMPTS", "0")
	t.Setenv("REALTIME_CONNECT_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://rt.example.edu/ws", cfg.Endpoint)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Zero(t, cfg.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("REALTIME_CODEC", "xml")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsEvictLargerThanCapacity(t *testing.T) {
	t.Setenv("REALTIME_DEDUP_CAPACITY", "10")
	t.Setenv("REALTIME_DEDUP_EVICT", "20")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RELAY_ADDR=:9090\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("RELAY_ADDR") })

	relay, err := LoadRelay(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", relay.Addr)

	_, err = LoadRelay(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestDefaultFeatureTable(t *testing.T) {
	table := DefaultFeatureTable()
	names := make([]string, 0, len(table.Features))
	for _, f := range table.Features {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"chat", "counseling", "announcement", "notification", "presence"}, names)

	chat, ok := table.Feature("chat")
	require.True(t, ok)
	assert.True(t, chat.Can("typing_indicator"))
	assert.True(t, chat.Routes[0].RequireIdentity)

	office, ok := table.Audience("office")
	require.True(t, ok)
	assert.Contains(t, office.Features, "counseling")
}

func TestDefaultTableNormalizesChatAliases(t *testing.T) {
	chat, _ := DefaultFeatureTable().Feature("chat")
	route := chat.Routes[0]

	_, a, ok := route.Normalize("new_chat_message", map[string]any{"inquiry_id": 42, "message_id": 7})
	require.True(t, ok)
	_, b, ok := route.Normalize("student_message_sent", map[string]any{"inquiry_id": float64(42), "id": "7"})
	require.True(t, ok)
	assert.Equal(t, a, b)
}

func TestDefaultTableRoutesHaveDistinctKeys(t *testing.T) {
	payload := map[string]any{"message_id": 7, "session_id": "s1", "status": "read"}
	for _, f := range DefaultFeatureTable().Features {
		seen := map[string]string{}
		for _, route := range f.Routes {
			_, key, ok := route.Normalize(route.Events[0], payload)
			if !ok {
				continue
			}
			prev, dup := seen[key]
			assert.False(t, dup, "%s: %s and %s share key %q", f.Name, prev, route.Notification, key)
			seen[key] = route.Notification
		}
	}
}

func TestParseFeatureTableErrors(t *testing.T) {
	_, err := ParseFeatureTable([]byte("features:\n  - name: chat\n    colour: blue\n"))
	assert.Error(t, err)

	_, err = ParseFeatureTable([]byte("features: []\naudiences:\n  - name: x\n    features: [chat]\n"))
	assert.ErrorIs(t, err, router.ErrUnknownFeature)
}

func TestLoadFeatureTableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
features:
  - name: alerts
    routes:
      - events: [system_alert]
        notification: "alerts:received"
`), 0o600))

	table, err := LoadFeatureTable(path)
	require.NoError(t, err)
	require.Len(t, table.Features, 1)

	_, err = LoadFeatureTable(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
