package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDefaultsFollowMode(t *testing.T) {
	s, err := Load(nil, env(nil))
	require.NoError(t, err)
	assert.Equal(t, ModeDev, s.Mode)
	assert.True(t, s.Debug)
	assert.Equal(t, "sqlite://db.sqlite3", s.DBURL)
	assert.Equal(t, "memory://", s.BroadcastURL)
	assert.Equal(t, "memory", s.Presence)
	assert.False(t, s.SnapshotShared)
	assert.Equal(t, 500, s.CanvasSize)
	assert.Equal(t, "ffffff", s.DefaultColor)
	assert.Equal(t, ":8080", s.Addr)
	assert.Equal(t, 10*time.Second, s.SnapshotTTL)
	assert.Equal(t, "canvas", s.Topic)
	assert.Equal(t, "debug", s.LogLevel)

	s, err = Load(nil, env(map[string]string{"MODE": "production"}))
	require.NoError(t, err)
	assert.False(t, s.Debug)
	assert.Equal(t, "redis://redis:6379", s.BroadcastURL)
	assert.Equal(t, "redis", s.Presence)
	assert.True(t, s.SnapshotShared)
	assert.Equal(t, "info", s.LogLevel)

	s, err = Load(nil, env(map[string]string{"MODE": "test"}))
	require.NoError(t, err)
	assert.Equal(t, "sqlite://:memory:", s.DBURL)
}

func TestMQURLBecomesBroadcast(t *testing.T) {
	s, err := Load(nil, env(map[string]string{"MQ_URL": "amqp://guest:guest@mq:5672/"}))
	require.NoError(t, err)
	assert.Equal(t, "amqp://guest:guest@mq:5672/", s.BroadcastURL)

	s, err = Load(nil, env(map[string]string{
		"MQ_URL":        "amqp://mq/",
		"BROADCAST_URL": "nats://nats:4222",
	}))
	require.NoError(t, err)
	assert.Equal(t, "nats://nats:4222", s.BroadcastURL)
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "canvas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
canvas_size: 100
default_color: "000000"
addr: ":9000"
snapshot_ttl: 3s
`), 0o644))

	s, err := Load([]string{"--config", path}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, 100, s.CanvasSize)
	assert.Equal(t, "000000", s.DefaultColor)
	assert.Equal(t, 3*time.Second, s.SnapshotTTL)

	s, err = Load([]string{"--config", path}, env(map[string]string{"CANVAS_SIZE": "200", "ADDR": ":7000"}))
	require.NoError(t, err)
	assert.Equal(t, 200, s.CanvasSize, "env overrides file")
	assert.Equal(t, ":7000", s.Addr)
	assert.Equal(t, "000000", s.DefaultColor, "file value survives")

	s, err = Load([]string{"--config", path, "--canvas-size", "300"}, env(map[string]string{"CANVAS_SIZE": "200"}))
	require.NoError(t, err)
	assert.Equal(t, 300, s.CanvasSize, "flag overrides env")
	assert.Equal(t, ":9000", s.Addr)
}

func TestExplicitDebugOverridesMode(t *testing.T) {
	s, err := Load([]string{"--debug=false"}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, ModeDev, s.Mode)
	assert.False(t, s.Debug)
	assert.Equal(t, "redis", s.Presence)

	s, err = Load(nil, env(map[string]string{"MODE": "production", "DEBUG": "true", "PRESENCE": "redis"}))
	require.NoError(t, err)
	assert.True(t, s.Debug)
	assert.Equal(t, "memory://", s.BroadcastURL)
	assert.Equal(t, "redis", s.Presence)
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"size":      {"CANVAS_SIZE": "0"},
		"color":     {"DEFAULT_COLOR": "FFFFFF"},
		"db scheme": {"DB_URL": "postgres://db"},
		"bus":       {"BROADCAST_URL": "kafka://k"},
		"presence":  {"PRESENCE": "etcd"},
		"level":     {"LOG_LEVEL": "loud"},
		"format":    {"LOG_FORMAT": "xml"},
		"mode":      {"MODE": "staging"},
		"ttl":       {"SNAPSHOT_TTL": "0s"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(nil, env(vars))
			assert.Error(t, err)
		})
	}
}

func TestBadEnvValues(t *testing.T) {
	_, err := Load(nil, env(map[string]string{"CANVAS_SIZE": "big"}))
	assert.ErrorContains(t, err, "CANVAS_SIZE")
	_, err = Load(nil, env(map[string]string{"SUPPRESS_ECHO": "maybe"}))
	assert.ErrorContains(t, err, "SUPPRESS_ECHO")
	_, err = Load(nil, env(map[string]string{"SNAPSHOT_TTL": "soon"}))
	assert.ErrorContains(t, err, "SNAPSHOT_TTL")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}, env(nil))
	assert.Error(t, err)
}

func TestHelp(t *testing.T) {
	_, err := Load([]string{"--help"}, env(nil))
	assert.ErrorIs(t, err, pflag.ErrHelp)
	assert.Contains(t, Usage(), "--broadcast-url")
}

func TestLocation(t *testing.T) {
	s := &Settings{TZ: "Not/AZone"}
	assert.Equal(t, "UTC", s.Location().String())
	s.TZ = "UTC"
	assert.Equal(t, "UTC", s.Location().String())
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	s := &Settings{LogLevel: "warn", LogFormat: "json"}
	log := s.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", 1)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"msg":"shown"`)
}
