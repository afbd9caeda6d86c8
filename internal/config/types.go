package config

// Config is the on-disk shape of cronrelay's configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Executor controls how a single job invocation runs.
	// If omitted, runtime defaults apply (single attempt, no global timeout).
	Executor *ExecutorConfig `json:"executor,omitempty"`

	Action  ActionConfig   `json:"action"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Admin   AdminConfig    `json:"admin,omitempty"`
}

// ServerConfig controls the public HTTP API listener.
type ServerConfig struct {
	Addr string `json:"addr,omitempty"` // default: ":3000"

	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ReadTimeout       string `json:"read_timeout,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`

	// MaxBodyBytes bounds request bodies on /jobs/schedule and /jobs/update.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
}

// AuthConfig holds the shared secret required on every /jobs route.
//
// The CRONRELAY_ACCESS_KEY environment variable overrides AccessKey.
type AuthConfig struct {
	Header    string `json:"header,omitempty"`     // default: "access-key"
	AccessKey string `json:"access_key,omitempty"` // do not log
}

// RateLimitConfig is a per-client token bucket applied to /jobs routes.
type RateLimitConfig struct {
	Enabled    bool    `json:"enabled"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	// TrustForwarded keys clients by X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that sets these headers.
	TrustForwarded bool `json:"trust_forwarded,omitempty"`
}

// SchedulerConfig controls the timer runtime.
type SchedulerConfig struct {
	// Timezone is an IANA zone name used for cron expressions and zone-less
	// timestamps. Empty means the process local zone.
	Timezone string `json:"timezone,omitempty"`

	// KeepFiredOnce keeps one-shot jobs listed after their single fire.
	KeepFiredOnce bool `json:"keep_fired_once,omitempty"`
}

// ExecutorConfig controls the synchronous task engine.
//
// Defaults (when fields are omitted/zero):
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0 (single attempt)
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
type ExecutorConfig struct {
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// ActionConfig controls the outbound HTTP client used by jobs.
type ActionConfig struct {
	Timeout          string `json:"timeout,omitempty"` // default: "30s"
	MaxResponseBytes int64  `json:"max_response_bytes,omitempty"`
	UserAgent        string `json:"user_agent,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Webhook LoggingWebhook `json:"webhook"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingWebhook struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"` // may embed a token; do not log
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the optional execution history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cronrelay.db" }
type StorageConfig struct {
	Driver           string `json:"driver"`
	Path             string `json:"path"`
	BusyTimeout      string `json:"busy_timeout,omitempty"` // sqlite only
	MaxRecordsPerJob int    `json:"max_records_per_job,omitempty"`
}

// AdminConfig controls the optional admin HTTP server (healthz, metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:6060"
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`        // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
