// Package config loads the YAML configuration file used by the server and
// client binaries, grounded on the teacher's colon-path config.go but
// typed against the transport's own tunables instead of a raw map lookup
// for everything callers actually need.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/emberproto/ember/rudp"
)

// Config is the top-level document shape for ember-serverd.yml /
// ember-client.yml.
type Config struct {
	Listen       string        `yaml:"listen"`
	LogFile      string        `yaml:"log_file"`
	BanDBPath    string        `yaml:"ban_db_path"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	PeerLimit    int           `yaml:"player_limit"`
	Discovery    Discovery     `yaml:"discovery"`
	Tunables     TunablesSpec  `yaml:"tunables"`

	raw map[interface{}]interface{}
}

// Discovery configures LAN discovery announce/listen (§4.9).
type Discovery struct {
	Enabled       bool   `yaml:"enabled"`
	Group         string `yaml:"group"`
	Port          int    `yaml:"port"`
	AnnounceName  string `yaml:"announce_name"`
}

// TunablesSpec mirrors rudp.Tunables in a YAML-friendly, millisecond-based
// shape; zero fields fall back to rudp.DefaultTunables().
type TunablesSpec struct {
	ResendTimeoutMs             int     `yaml:"resend_timeout_ms"`
	ResendLimit                 int     `yaml:"resend_limit"`
	ResendPingMultiplier        float64 `yaml:"resend_ping_multiplier"`
	DisconnectTimeoutMs         int     `yaml:"disconnect_timeout_ms"`
	KeepAliveIntervalMs         int     `yaml:"keep_alive_interval_ms"`
	MissingPingsUntilDisconnect int     `yaml:"missing_pings_until_disconnect"`
}

// Tunables materializes the YAML spec into a rudp.Tunables, substituting
// defaults for anything left at its zero value.
func (s TunablesSpec) Tunables() rudp.Tunables {
	t := rudp.DefaultTunables()
	if s.ResendTimeoutMs > 0 {
		t.ResendTimeout = time.Duration(s.ResendTimeoutMs) * time.Millisecond
	}
	if s.ResendLimit > 0 {
		t.ResendLimit = s.ResendLimit
	}
	if s.ResendPingMultiplier > 0 {
		t.ResendPingMultiplier = s.ResendPingMultiplier
	}
	if s.DisconnectTimeoutMs > 0 {
		t.DisconnectTimeout = time.Duration(s.DisconnectTimeoutMs) * time.Millisecond
	}
	if s.KeepAliveIntervalMs > 0 {
		t.KeepAliveInterval = time.Duration(s.KeepAliveIntervalMs) * time.Millisecond
	}
	if s.MissingPingsUntilDisconnect > 0 {
		t.MissingPingsUntilDisconnect = s.MissingPingsUntilDisconnect
	}
	return t
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read file")
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse yaml")
	}

	raw := make(map[interface{}]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "config: parse yaml")
	}
	cfg.raw = raw

	if cfg.PeerLimit == 0 {
		cfg.PeerLimit = -1
	}
	return cfg, nil
}

// Key resolves a colon-path lookup against the raw document, for ad-hoc
// settings that don't warrant a typed field (grounded on the teacher's
// GetConfKey).
func (c *Config) Key(key string) interface{} {
	parts := strings.Split(key, ":")
	cur := c.raw
	for i := 0; i < len(parts)-1; i++ {
		next, ok := cur[parts[i]].(map[interface{}]interface{})
		if !ok {
			return nil
		}
		cur = next
	}
	return cur[parts[len(parts)-1]]
}
