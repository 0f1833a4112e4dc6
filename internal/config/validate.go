package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks cross-field constraints that strict decoding can't express.
// It is used both at startup and as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Transport.BaseURL) == "" {
		return errors.New("transport.base_url is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"transport.health_interval", cfg.Transport.HealthInterval},
		{"transport.request_timeout", cfg.Transport.RequestTimeout},
		{"session.reconnect_base", cfg.Session.ReconnectBase},
		{"session.reconnect_max", cfg.Session.ReconnectMax},
		{"gate.cooldown", cfg.Gate.Cooldown},
		{"gate.retention", cfg.Gate.Retention},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if cfg.Session.ReconnectCeiling < 0 {
		return errors.New("session.reconnect_ceiling must be >= 0")
	}
	if cfg.Gate.HourlyMax < -1 {
		return errors.New("gate.hourly_max must be >= -1")
	}
	if cfg.Dispatch.Workers < 0 {
		return errors.New("dispatch.workers must be >= 0")
	}
	if len(cfg.Recipients.Numbers) == 0 {
		return errors.New("recipients.numbers must not be empty")
	}
	if p := cfg.Recipients.CountryPrefix; p != "" {
		for _, r := range p {
			if r < '0' || r > '9' {
				return fmt.Errorf("recipients.country_prefix must be digits only, got %q", p)
			}
		}
	}

	if op := cfg.Operator; op != nil && op.Enabled {
		if strings.TrimSpace(op.Token) == "" {
			return errors.New("operator.token is required when operator is enabled")
		}
		if op.ChatID == 0 {
			return errors.New("operator.chat_id is required when operator is enabled")
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver %q is not supported", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
	}

	return nil
}
