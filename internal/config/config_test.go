package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postdeck/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./postdeck.db
scanner:
  schedule: "@every 1m"
  batch_size: 50
media:
  driver: local
  root: ./media
  max_size: 10MB
platforms:
  twitter:
    rate_per_sec: 1.5
    concurrency: 2
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	m.lookupEnv = func(string) (string, bool) { return "", false }

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.Scanner.BatchSize)
	assert.Equal(t, 1.5, cfg.Platforms["twitter"].RatePerSec)
	assert.True(t, cfg.Platforms["twitter"].IsEnabled())
	assert.Same(t, cfg, m.Get())
	require.NoError(t, Validate(cfg))
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"scanner":{"bogus":1}}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{} {}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"storage":{"driver":"postgres","dsn":"from-file"}}`)
	m := NewConfigManager(p)
	env := map[string]string{
		EnvStorageDSN:    "postgres://env",
		EnvTelegramToken: "bot-token",
		EnvOpsToken:      "  ",
	}
	m.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Storage.DSN)
	assert.Equal(t, "bot-token", cfg.Platforms["telegram"].Token)
	assert.Empty(t, cfg.Ops.Token, "blank env values are ignored")
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Storage: StorageConfig{Driver: "postgres"},
		Queue:   QueueConfig{Backend: "kafka", RetryBase: "soon"},
		Media:   MediaConfig{MaxSize: "lots"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "storage.dsn")
	assert.Contains(t, msg, "queue.backend")
	assert.Contains(t, msg, "queue.retry_base")
	assert.Contains(t, msg, "media.max_size")

	require.NoError(t, Validate(&Config{}))
}

func TestParseSizeOrDefault(t *testing.T) {
	n, err := ParseSizeOrDefault("x", "", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	n, err = ParseSizeOrDefault("x", "2KB", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), n)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "secret-a"}}
	newCfg := &Config{
		Storage:   StorageConfig{Driver: "postgres", DSN: "secret-b"},
		Platforms: map[string]PlatformConfig{"telegram": {Token: "t"}},
	}
	changed, attrs, platforms := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"platforms", "storage"}, changed)
	assert.Equal(t, []string{"telegram"}, platforms)
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	assert.Contains(t, buf.String(), "storage.dsn_set")
	assert.NotContains(t, buf.String(), "secret")
}

func TestWatchPublishesValidatedConfig(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"scanner":{"batch_size":1}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "config.json", `{"scanner":{"batch_size":2}}`)
	select {
	case cfg := <-ch:
		assert.Equal(t, 2, cfg.Scanner.BatchSize)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not published")
	}
}

func TestReloadKeepsCurrentOnRejection(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"scanner":{"batch_size":1}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	writeFile(t, dir, "config.json", `{"queue":{"backend":"kafka"}}`)
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, m.Get().Scanner.BatchSize)
	assert.Empty(t, ch)

	writeFile(t, dir, "config.json", `{"scanner":{"batch_size":3}}`)
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 3, (<-ch).Scanner.BatchSize)
}

func TestYAMLMustBeSingleDocument(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yml", "scanner:\n  batch_size: 1\n---\nscanner:\n  batch_size: 2\n")
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)

	p = writeFile(t, t.TempDir(), "empty.yaml", "")
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)
	assert.Zero(t, cfg.Scanner.BatchSize)
}
