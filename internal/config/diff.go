package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronrelay/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"server":             true,
	"storage":            true,
	"scheduler.timezone": true,
}

// RestartRequired reports which of the changed sections need a process restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Secrets (access key, admin token, webhook URL)
// are reported only as "*_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Int64("server.max_body_bytes", newCfg.Server.MaxBodyBytes),
		)
	}

	if strings.TrimSpace(oldCfg.Auth.Header) != strings.TrimSpace(newCfg.Auth.Header) ||
		oldCfg.Auth.AccessKey != newCfg.Auth.AccessKey {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.String("auth.header", strings.TrimSpace(newCfg.Auth.Header)),
			logx.Bool("auth.access_key_set", strings.TrimSpace(newCfg.Auth.AccessKey) != ""),
		)
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Bool("rate_limit.enabled", newCfg.RateLimit.Enabled),
			logx.Any("rate_limit.rate_per_sec", newCfg.RateLimit.RatePerSec),
			logx.Int("rate_limit.burst", newCfg.RateLimit.Burst),
			logx.Bool("rate_limit.trust_forwarded", newCfg.RateLimit.TrustForwarded),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler.timezone")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}
	if oldCfg.Scheduler.KeepFiredOnce != newCfg.Scheduler.KeepFiredOnce {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Bool("scheduler.keep_fired_once", newCfg.Scheduler.KeepFiredOnce))
	}

	oE, nE := derefExecutor(oldCfg.Executor), derefExecutor(newCfg.Executor)
	if (oldCfg.Executor != nil) != (newCfg.Executor != nil) || oE != nE {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Bool("executor.present", newCfg.Executor != nil),
			logx.String("executor.default_timeout", strings.TrimSpace(nE.DefaultTimeout)),
			logx.Int("executor.history_size", nE.HistorySize),
			logx.Int("executor.retry_max", nE.RetryMax),
		)
	}

	if oldCfg.Action != newCfg.Action {
		changed = append(changed, "action")
		attrs = append(attrs,
			logx.String("action.timeout", strings.TrimSpace(newCfg.Action.Timeout)),
			logx.Int64("action.max_response_bytes", newCfg.Action.MaxResponseBytes),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.webhook_enabled", newCfg.Logging.Webhook.Enabled),
			logx.Bool("logging.webhook_url_set", strings.TrimSpace(newCfg.Logging.Webhook.URL) != ""),
		)
	}

	// nil means disabled
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Int("storage.max_records_per_job", nS.MaxRecordsPerJob),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.allow_insecure", newCfg.Admin.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefExecutor(e *ExecutorConfig) ExecutorConfig {
	if e == nil {
		return ExecutorConfig{}
	}
	return *e
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
