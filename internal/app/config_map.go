package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cronrelay/internal/action"
	"cronrelay/internal/config"
	"cronrelay/internal/observability/admin"
	"cronrelay/internal/storage"
	"cronrelay/internal/task/engine"
	"cronrelay/internal/transport/httpapi"
	logx "cronrelay/pkg/logx"
)

const defaultShutdownTimeout = 10 * time.Second

func mapServerConfig(cfg *config.Config) (httpapi.Config, error) {
	sc := cfg.Server
	out := httpapi.Config{Addr: strings.TrimSpace(sc.Addr), MaxBodyBytes: sc.MaxBodyBytes}
	if sc.MaxBodyBytes < 0 {
		return httpapi.Config{}, errors.New("server.max_body_bytes must be >= 0")
	}
	var err error
	if out.ReadHeaderTimeout, err = config.ParseDurationOrDefault("server.read_header_timeout", sc.ReadHeaderTimeout, 5*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.ReadTimeout, err = config.ParseDurationField("server.read_timeout", sc.ReadTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("server.write_timeout", sc.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapShutdownTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
}

func mapAccess(cfg *config.Config) (httpapi.Access, error) {
	rl := cfg.RateLimit
	if rl.RatePerSec < 0 {
		return httpapi.Access{}, errors.New("rate_limit.rate_per_sec must be >= 0")
	}
	if rl.Burst < 0 {
		return httpapi.Access{}, errors.New("rate_limit.burst must be >= 0")
	}
	return httpapi.Access{
		Header:         cfg.Auth.Header,
		AccessKey:      strings.TrimSpace(cfg.Auth.AccessKey),
		RateLimit:      rl.Enabled,
		RatePerSec:     rl.RatePerSec,
		Burst:          rl.Burst,
		TrustForwarded: rl.TrustForwarded,
	}, nil
}

// mapEngineConfig applies the executor defaults when the section is omitted.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		HistorySize:   200,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 15 * time.Second,
		RetryJitter:   0.2,
	}
	ec := cfg.Executor
	if ec == nil {
		return out, nil
	}
	if ec.HistorySize < 0 {
		return engine.Config{}, errors.New("executor.history_size must be >= 0")
	}
	if ec.RetryMax < 0 {
		return engine.Config{}, errors.New("executor.retry_max must be >= 0")
	}
	if ec.HistorySize > 0 {
		out.HistorySize = ec.HistorySize
	}
	out.RetryMax = ec.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("executor.default_timeout", ec.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("executor.retry_base", ec.RetryBase, out.RetryBase); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("executor.retry_max_delay", ec.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay < out.RetryBase {
		return engine.Config{}, errors.Newf("executor.retry_max_delay (%s) must be >= retry_base (%s)", out.RetryMaxDelay, out.RetryBase)
	}
	return out, nil
}

func mapActionConfig(cfg *config.Config) (action.Config, error) {
	ac := cfg.Action
	if ac.MaxResponseBytes < 0 {
		return action.Config{}, errors.New("action.max_response_bytes must be >= 0")
	}
	timeout, err := config.ParseDurationField("action.timeout", ac.Timeout)
	if err != nil {
		return action.Config{}, err
	}
	return action.Config{
		Timeout:          timeout,
		MaxResponseBytes: ac.MaxResponseBytes,
		UserAgent:        strings.TrimSpace(ac.UserAgent),
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Webhook: logx.WebhookConfig{
			Enabled:    lc.Webhook.Enabled,
			URL:        strings.TrimSpace(lc.Webhook.URL),
			MinLevel:   lc.Webhook.MinLevel,
			RatePerSec: lc.Webhook.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	if !storage.ValidDriver(driver) {
		return storage.Config{}, false, errors.WithHint(
			errors.Newf("unknown storage.driver: %s", sc.Driver),
			"use one of: none, file, sqlite")
	}
	if sc.MaxRecordsPerJob < 0 {
		return storage.Config{}, false, errors.New("storage.max_records_per_job must be >= 0")
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, errors.Newf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:           driver,
		Path:             path,
		BusyTimeout:      busy,
		MaxRecordsPerJob: sc.MaxRecordsPerJob,
	}, true, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	out := admin.Config{
		Enabled:              ac.Enabled,
		Addr:                 strings.TrimSpace(ac.Addr),
		PprofPrefix:          ac.PprofPrefix,
		Token:                strings.TrimSpace(ac.Token),
		AllowInsecure:        ac.AllowInsecure,
		MutexProfileFraction: ac.MutexProfileFraction,
		BlockProfileRate:     ac.BlockProfileRate,
		MemProfileRate:       ac.MemProfileRate,
	}
	if out.Addr == "" {
		out.Addr = admin.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second); err != nil {
		return admin.Config{}, err
	}
	// 0 keeps /profile and /trace usable
	if out.WriteTimeout, err = config.ParseDurationField("admin.write_timeout", ac.WriteTimeout); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

// validateConfig rejects a config before it is committed, on startup and on
// hot reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapShutdownTimeout(cfg); err != nil {
		return err
	}
	if _, err := mapAccess(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.Wrapf(err, "scheduler.timezone: invalid %q", tz)
		}
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapActionConfig(cfg); err != nil {
		return err
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return errors.Newf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if wh := cfg.Logging.Webhook; wh.Enabled {
		if strings.TrimSpace(wh.URL) == "" {
			return errors.New("logging.webhook.url is required when logging.webhook.enabled")
		}
		if !logx.ValidLevel(wh.MinLevel) {
			return errors.Newf("logging.webhook.min_level: unknown level %q", wh.MinLevel)
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	return nil
}
