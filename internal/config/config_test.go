package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cronrelay/pkg/logx"
)

const sampleJSON = `{
  "server": {"addr": "127.0.0.1:3000"},
  "auth": {"access_key": "from-file"},
  "rate_limit": {"enabled": true, "rate_per_sec": 5, "burst": 10},
  "scheduler": {"timezone": "UTC"},
  "executor": {"retry_max": 2, "default_timeout": "10s"},
  "action": {"timeout": "5s"},
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}, "webhook": {"enabled": false}},
  "storage": {"driver": "file", "path": "./data/cronrelay"}
}`

const sampleYAML = `
server:
  addr: 127.0.0.1:3000
auth:
  access_key: from-file
scheduler:
  timezone: UTC
  keep_fired_once: true
executor:
  retry_max: 2
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
  webhook:
    enabled: false
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func newTestManager(path string, env map[string]string) *ConfigManager {
	m := NewConfigManager(path)
	m.getenv = func(k string) string { return env[k] }
	return m
}

func TestParse_JSON(t *testing.T) {
	m := newTestManager(writeFile(t, "config.json", sampleJSON), nil)
	cfg, err := m.Parse()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:3000", cfg.Server.Addr)
	assert.Equal(t, "from-file", cfg.Auth.AccessKey)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	require.NotNil(t, cfg.Executor)
	assert.Equal(t, 2, cfg.Executor.RetryMax)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "file", cfg.Storage.Driver)
}

func TestParse_YAML(t *testing.T) {
	m := newTestManager(writeFile(t, "config.yaml", sampleYAML), nil)
	cfg, err := m.Parse()
	require.NoError(t, err)

	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.True(t, cfg.Scheduler.KeepFiredOnce)
	require.NotNil(t, cfg.Executor)
	assert.Equal(t, 2, cfg.Executor.RetryMax)
	assert.Nil(t, cfg.Storage)
}

func TestDecode_YAMLEdgeCases(t *testing.T) {
	cfg, err := Decode("empty.yml", []byte("# nothing here\n"))
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	_, err = Decode("bad.yaml", []byte("server:\n  1: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `non-string key 1 under "server"`)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	m := newTestManager(writeFile(t, "config.json", `{"scheduler": {"enabled": true}}`), nil)
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestParse_RejectsTrailingData(t *testing.T) {
	m := newTestManager(writeFile(t, "config.json", `{} {}`), nil)
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestParse_EnvOverridesAccessKey(t *testing.T) {
	m := newTestManager(writeFile(t, "config.json", sampleJSON), map[string]string{EnvAccessKey: " from-env "})
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.AccessKey)
}

func TestLoad_CommitsConfig(t *testing.T) {
	m := newTestManager(writeFile(t, "config.json", sampleJSON), nil)
	assert.Nil(t, m.Get())

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
}

func TestReload_PublishesOnlyValidChanges(t *testing.T) {
	path := writeFile(t, "config.json", sampleJSON)
	m := newTestManager(path, nil)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	// same content: skipped
	m.reload(context.Background())
	assert.Len(t, sub, 0)

	// rejected by the validator: skipped
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleJSON, `"debug"`, `"warn"`, 1)), 0o600))
	m.reload(context.Background())
	assert.Len(t, sub, 0)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	m.SetValidator(nil)
	m.reload(context.Background())
	require.Len(t, sub, 1)
	got := <-sub
	assert.Equal(t, "warn", got.Logging.Level)
	assert.Same(t, got, m.Get())
}

func TestPublish_DropsOldestForSlowSubscriber(t *testing.T) {
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	first := &Config{Server: ServerConfig{Addr: "a"}}
	second := &Config{Server: ServerConfig{Addr: "b"}}
	m.publish(first)
	m.publish(second)

	require.Len(t, sub, 1)
	assert.Same(t, second, <-sub)
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
	m.Unsubscribe(sub) // second call is a no-op
}

func TestSummarizeConfigChange_NeverLeaksSecrets(t *testing.T) {
	oldCfg := &Config{Auth: AuthConfig{AccessKey: "old-secret"}, Admin: AdminConfig{Token: "tok-1"}}
	newCfg := &Config{
		Auth:    AuthConfig{AccessKey: "new-secret"},
		Admin:   AdminConfig{Token: "tok-2", Enabled: true},
		Logging: LoggingConfig{Webhook: LoggingWebhook{Enabled: true, URL: "https://hooks.example.com/T0KEN"}},
	}

	var buf strings.Builder
	log := logx.NewWriter(&buf, "debug")
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	log.Info("changed", attrs...)

	assert.Equal(t, []string{"admin", "auth", "logging"}, changed)
	out := buf.String()
	for _, secret := range []string{"old-secret", "new-secret", "tok-1", "tok-2", "T0KEN"} {
		assert.NotContains(t, out, secret)
	}
	assert.Contains(t, out, `"auth.access_key_set":true`)
}

func TestSummarizeConfigChange_NoChanges(t *testing.T) {
	cfg := &Config{Executor: &ExecutorConfig{RetryMax: 1}}
	same := &Config{Executor: &ExecutorConfig{RetryMax: 1}}
	changed, attrs := SummarizeConfigChange(cfg, same)
	assert.Empty(t, changed)
	assert.Empty(t, attrs)
}

func TestRestartRequired(t *testing.T) {
	changed, _ := SummarizeConfigChange(
		&Config{Scheduler: SchedulerConfig{Timezone: "UTC"}},
		&Config{Scheduler: SchedulerConfig{Timezone: "Asia/Jakarta"}, Storage: &StorageConfig{Driver: "file"}, Action: ActionConfig{Timeout: "1s"}},
	)
	assert.Equal(t, []string{"scheduler.timezone", "storage"}, RestartRequired(changed))
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationField("x", " 1500ms ")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, err = ParseDurationField("executor.retry_base", "soon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor.retry_base")

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)

	d, err = ParseDurationOrDefault("x", "0s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}
