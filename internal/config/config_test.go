package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
transport:
  base_url: http://127.0.0.1:3000
recipients:
  numbers:
    - "12345678900"
  country_prefix: "20"
gate:
  cooldown: 45s
  hourly_max: 20
logging:
  level: INFO
  console: true
`

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.BaseURL != "http://127.0.0.1:3000" {
		t.Fatalf("base_url = %q", cfg.Transport.BaseURL)
	}
	if len(cfg.Recipients.Numbers) != 1 || cfg.Recipients.CountryPrefix != "20" {
		t.Fatalf("recipients = %+v", cfg.Recipients)
	}
	if cfg.Gate.Cooldown != "45s" || cfg.Gate.HourlyMax != 20 {
		t.Fatalf("gate = %+v", cfg.Gate)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"transport": {"base_url": "http://localhost:3000"},
		"recipients": {"numbers": ["12345678900"]},
		"gate": {},
		"session": {},
		"dispatch": {},
		"logging": {"console": true, "file": {"enabled": false}},
		"maintenance": {},
		"http": {}
	}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.BaseURL != "http://localhost:3000" {
		t.Fatalf("base_url = %q", cfg.Transport.BaseURL)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML+"\nbogus_section:\n  x: 1\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"transport":{"base_url":"x"}} {}`)
	_, err := NewManager(path).Parse()
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err = %v, want trailing data rejection", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Transport:  TransportConfig{BaseURL: "http://127.0.0.1:3000"},
			Recipients: RecipientsConfig{Numbers: []string{"12345678900"}},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.Transport.BaseURL = " " }, wantErr: "base_url"},
		{name: "bad duration", mutate: func(c *Config) { c.Gate.Cooldown = "45 parsecs" }, wantErr: "cooldown"},
		{name: "no recipients", mutate: func(c *Config) { c.Recipients.Numbers = nil }, wantErr: "numbers"},
		{name: "prefix with plus", mutate: func(c *Config) { c.Recipients.CountryPrefix = "+20" }, wantErr: "country_prefix"},
		{name: "operator missing token", mutate: func(c *Config) {
			c.Operator = &OperatorConfig{Enabled: true, ChatID: 1}
		}, wantErr: "token"},
		{name: "operator disabled skips checks", mutate: func(c *Config) {
			c.Operator = &OperatorConfig{Enabled: false}
		}},
		{name: "bad storage driver", mutate: func(c *Config) {
			c.Storage = &StorageConfig{Driver: "redis"}
		}, wantErr: "storage.driver"},
		{name: "hourly max below -1", mutate: func(c *Config) { c.Gate.HourlyMax = -2 }, wantErr: "hourly_max"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5)
	if err != nil || d != 5 {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "10s", 5)
	if err != nil || d.Seconds() != 10 {
		t.Fatalf("10s: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "nope", 5); err == nil {
		t.Fatal("invalid duration accepted")
	}
}
