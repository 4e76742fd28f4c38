package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsPeerLimit(t *testing.T) {
	path := writeTempConfig(t, "listen: \":40000\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PeerLimit != -1 {
		t.Errorf("PeerLimit = %d, want -1 (unlimited)", cfg.PeerLimit)
	}
}

func TestTunablesSpecFallsBackToDefaults(t *testing.T) {
	var spec TunablesSpec
	got := spec.Tunables()
	if got.KeepAliveInterval != 1500*time.Millisecond {
		t.Errorf("KeepAliveInterval = %v, want default", got.KeepAliveInterval)
	}
}

func TestTunablesSpecOverridesWin(t *testing.T) {
	spec := TunablesSpec{KeepAliveIntervalMs: 2500, ResendLimit: 3}
	got := spec.Tunables()
	if got.KeepAliveInterval != 2500*time.Millisecond {
		t.Errorf("KeepAliveInterval = %v, want 2500ms", got.KeepAliveInterval)
	}
	if got.ResendLimit != 3 {
		t.Errorf("ResendLimit = %d, want 3", got.ResendLimit)
	}
}

func TestKeyColonPathLookup(t *testing.T) {
	path := writeTempConfig(t, "discovery:\n  group: \"239.0.0.1\"\n  port: 30000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Key("discovery:group"); got != "239.0.0.1" {
		t.Errorf("Key(discovery:group) = %v, want 239.0.0.1", got)
	}
	if got := cfg.Key("discovery:missing"); got != nil {
		t.Errorf("Key(discovery:missing) = %v, want nil", got)
	}
}
