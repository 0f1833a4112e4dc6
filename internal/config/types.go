package config

// Config is the on-disk configuration of the relay daemon.
//
// It accepts JSON or YAML (see asStrictJSON); decoding is strict, so
// unknown keys are rejected rather than silently ignored. All duration
// fields are Go duration strings (e.g. "500ms", "45s", "5m").
type Config struct {
	Transport  TransportConfig  `json:"transport"`
	Session    SessionConfig    `json:"session"`
	Recipients RecipientsConfig `json:"recipients"`
	Gate       GateConfig       `json:"gate"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Logging    LoggingConfig    `json:"logging"`

	// Operator enables the out-of-band Telegram channel used to surface
	// pairing challenges and terminal session states to a human.
	Operator *OperatorConfig `json:"operator,omitempty"`

	// Storage configures the durable store (credential blob, audit rows).
	// If omitted, a file store next to the binary is used.
	Storage *StorageConfig `json:"storage,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance"`

	// HTTP is the listen address of the thin front-door shim ("" disables it).
	HTTP HTTPConfig `json:"http"`
}

// TransportConfig points at the sidecar gateway that owns the actual
// messaging-network connection.
type TransportConfig struct {
	// BaseURL of the gateway, e.g. "http://127.0.0.1:3000".
	BaseURL string `json:"base_url"`

	// HealthInterval controls how often the bridge polls the gateway for
	// connection-state changes. Default "2s".
	HealthInterval string `json:"health_interval,omitempty"`

	// RequestTimeout bounds individual gateway calls. Default "30s".
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type SessionConfig struct {
	// ReconnectBase is the first reconnect delay. Default "2s".
	ReconnectBase string `json:"reconnect_base,omitempty"`
	// ReconnectMax caps the backoff. Default "5m".
	ReconnectMax string `json:"reconnect_max,omitempty"`
	// ReconnectCeiling is the number of consecutive failed reconnect
	// attempts tolerated before the session is declared terminated and an
	// operator alert is raised. Default 10.
	ReconnectCeiling int `json:"reconnect_ceiling,omitempty"`
}

type RecipientsConfig struct {
	// Numbers is the raw recipient list; entries are normalized at load.
	Numbers []string `json:"numbers"`
	// CountryPrefix is prepended to numbers that lack one (digits only,
	// e.g. "20"). Empty disables the rewrite.
	CountryPrefix string `json:"country_prefix,omitempty"`
	// MinDigits rejects addresses shorter than this after normalization.
	// Default 10.
	MinDigits int `json:"min_digits,omitempty"`
}

type GateConfig struct {
	// Cooldown is the minimum spacing between admitted alerts sharing a
	// dedupe key. Default "45s".
	Cooldown string `json:"cooldown,omitempty"`
	// HourlyMax caps admissions per key per hour. Default 20; -1 disables
	// the cap.
	HourlyMax int `json:"hourly_max,omitempty"`
	// Retention is how long idle rate-limit entries are kept before the
	// sweep evicts them. Default "1h".
	Retention string `json:"retention,omitempty"`
}

type DispatchConfig struct {
	// Workers bounds concurrent in-flight sends per alert. Default 4.
	Workers int `json:"workers,omitempty"`
	// SendTimeout bounds each per-recipient send. Default "30s".
	SendTimeout string `json:"send_timeout,omitempty"`
	// RatePerSec paces sends across the whole engine; 0 disables pacing.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// HistorySize bounds the in-memory result history. Default 128.
	HistorySize int `json:"history_size,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type OperatorConfig struct {
	Enabled bool `json:"enabled"`
	// Token is the Telegram bot token. Never logged.
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// RatePerSec throttles operator messages. Default 1.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the durable store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wagate.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type MaintenanceConfig struct {
	// SweepSpec is a cron spec for background sweeps (gate retention,
	// history trim, audit pruning). Default "@every 5m".
	SweepSpec string `json:"sweep_spec,omitempty"`
}

type HTTPConfig struct {
	// Listen is the bind address of the front-door shim, e.g. "127.0.0.1:8080".
	// Empty disables the shim.
	Listen string `json:"listen,omitempty"`
}
