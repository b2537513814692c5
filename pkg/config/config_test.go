package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
)

func TestDefaultServerConfigPathUsesConfigToml(t *testing.T) {
	if got := filepath.Base(DefaultServerConfigPath()); got != defaultConfigFileName {
		t.Fatalf("expected default config file %q, got %q", defaultConfigFileName, got)
	}
}

func TestUpstreamSecretsOmittedWhenEmpty(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.IncomingTokens = []IncomingAPIToken{{Key: "k"}}
	cfg.Normalize()
	b, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	s := string(b)
	for _, forbidden := range []string{
		"\nsecret_key = ''\n",
		"\naccess_token = ''\n",
		"\ndevice_id = ''\n",
		"\ncert_pem = ''\n",
	} {
		if strings.Contains(s, forbidden) {
			t.Fatalf("found unexpected blank field %q in TOML:\n%s", forbidden, s)
		}
	}
}

func TestNormalizeFillsDefaultsAndDedupesTokens(t *testing.T) {
	cfg := &ServerConfig{
		IncomingTokens: []IncomingAPIToken{
			{Key: " k1 "},
			{Key: "k1", Name: "dupe"},
			{Key: ""},
			{Key: "k2", Name: "Second"},
		},
	}
	cfg.Normalize()
	if cfg.ListenAddr != DefaultListenAddr || cfg.DefaultModel != DefaultModel {
		t.Fatalf("unexpected defaults %q %q", cfg.ListenAddr, cfg.DefaultModel)
	}
	if cfg.Upstream.Username != DefaultUpstreamUser || cfg.Upstream.UserID != DefaultUpstreamUserID {
		t.Fatalf("unexpected upstream defaults %+v", cfg.Upstream)
	}
	if cfg.Sessions.SoftTurnCap != DefaultSoftTurnCap || cfg.Sessions.DefaultSessionID != DefaultSessionID {
		t.Fatalf("unexpected session defaults %+v", cfg.Sessions)
	}
	if len(cfg.IncomingTokens) != 2 {
		t.Fatalf("expected 2 tokens after normalize, got %+v", cfg.IncomingTokens)
	}
	if cfg.IncomingTokens[0].Key != "k1" || cfg.IncomingTokens[0].Name != "Token 1" || cfg.IncomingTokens[0].ID == "" {
		t.Fatalf("unexpected first token %+v", cfg.IncomingTokens[0])
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestNegativeSoftTurnCapIsKept(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Sessions.SoftTurnCap = -1
	cfg.Normalize()
	if cfg.Sessions.SoftTurnCap != -1 {
		t.Fatalf("expected disabled soft cap to survive normalize, got %d", cfg.Sessions.SoftTurnCap)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*ServerConfig){
		"base url":      func(c *ServerConfig) { c.Upstream.BaseURL = "ftp://x" },
		"expires":       func(c *ServerConfig) { c.IncomingTokens = []IncomingAPIToken{{ID: "a", Key: "k", ExpiresAt: "tomorrow"}} },
		"upkeep":        func(c *ServerConfig) { c.Upkeep.Enabled = true },
		"tls domain":    func(c *ServerConfig) { c.TLS.Enabled = true },
		"tls pem":       func(c *ServerConfig) { c.TLS.Enabled = true; c.TLS.Mode = "pem" },
		"long timeout":  func(c *ServerConfig) { c.Upstream.TimeoutSeconds = 3600 },
		"duplicate ids": func(c *ServerConfig) { c.IncomingTokens = []IncomingAPIToken{{ID: "a", Key: "1"}, {ID: "a", Key: "2"}} },
	}
	for name, mutate := range cases {
		cfg := NewDefaultServerConfig()
		cfg.Normalize()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateForServe(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Normalize()
	if err := cfg.ValidateForServe(); err == nil {
		t.Fatal("expected missing secret key to fail")
	}
	cfg.Upstream.SecretKey = "s"
	if err := cfg.ValidateForServe(); err == nil {
		t.Fatal("expected missing access token to fail")
	}
	cfg.IncomingTokens = []IncomingAPIToken{{ID: "a", Key: "k", AccessToken: "tok"}}
	if err := cfg.ValidateForServe(); err != nil {
		t.Fatalf("per-key access tokens should be enough: %v", err)
	}
	cfg.IncomingTokens = append(cfg.IncomingTokens, IncomingAPIToken{ID: "b", Key: "k2"})
	if err := cfg.ValidateForServe(); err == nil {
		t.Fatal("expected key without access token to fail")
	}
	cfg.Auth.Enabled = true
	if err := cfg.ValidateForServe(); err != nil {
		t.Fatalf("account directory supplies tokens: %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvUsername:       "web.2",
		EnvSecretKey:      "sek",
		EnvAccessToken:    "tok",
		EnvDeviceID:       "dev",
		EnvPort:           "9000",
		EnvSessionDataDir: "/data",
	}
	cfg := NewDefaultServerConfig()
	ApplyEnv(cfg, func(k string) string { return env[k] })
	if cfg.Upstream.Username != "web.2" || cfg.Upstream.SecretKey != "sek" || cfg.Upstream.AccessToken != "tok" || cfg.Upstream.DeviceID != "dev" {
		t.Fatalf("unexpected upstream after env %+v", cfg.Upstream)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.Sessions.Path != filepath.Join("/data", "sessions") || cfg.Sessions.LegacyJSON != filepath.Join("/data", "sessions.json") {
		t.Fatalf("unexpected sessions paths %+v", cfg.Sessions)
	}

	cfg = NewDefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:8000"
	ApplyEnv(cfg, func(k string) string {
		if k == EnvPort {
			return "8100"
		}
		return ""
	})
	if cfg.ListenAddr != "127.0.0.1:8100" {
		t.Fatalf("expected host to be kept, got %q", cfg.ListenAddr)
	}
}

func TestEnsureDeviceID(t *testing.T) {
	cfg := NewDefaultServerConfig()
	if !EnsureDeviceID(cfg, func() string { return "gen" }) || cfg.Upstream.DeviceID != "gen" {
		t.Fatalf("expected generated device id, got %q", cfg.Upstream.DeviceID)
	}
	if EnsureDeviceID(cfg, func() string { return "other" }) {
		t.Fatal("existing device id must not be replaced")
	}
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", defaultConfigFileName)
	cfg, err := LoadOrCreateServerConfig(path)
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if !strings.Contains(string(b), "[upstream]") || !strings.Contains(string(b), "[sessions]") {
		t.Fatalf("expected sections in written config:\n%s", b)
	}
}

func TestStoreUpdatePersistsAndSnapshotIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), defaultConfigFileName)
	cfg, err := LoadOrCreateServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	store := NewServerConfigStore(path, cfg)
	if err := store.Update(func(c *ServerConfig) error {
		c.IncomingTokens = append(c.IncomingTokens, IncomingAPIToken{Key: "new"})
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap := store.Snapshot()
	snap.IncomingTokens[0].Key = "mutated"
	if store.Snapshot().IncomingTokens[0].Key != "new" {
		t.Fatal("snapshot must not alias store state")
	}
	reloaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.IncomingTokens) != 1 || reloaded.IncomingTokens[0].Key != "new" {
		t.Fatalf("update not persisted: %+v", reloaded.IncomingTokens)
	}

	if err := store.Update(func(c *ServerConfig) error {
		c.Upstream.BaseURL = "not a url"
		return nil
	}); err == nil {
		t.Fatal("expected invalid update to be rejected")
	}
	if store.Snapshot().Upstream.BaseURL != DefaultUpstreamURL {
		t.Fatal("rejected update must not change the store")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), defaultConfigFileName)
	cfg, err := LoadOrCreateServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	store := NewServerConfigStore(path, cfg)
	store.SetOverlay(func(c *ServerConfig) { c.Upstream.SecretKey = "from-env" })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan ServerConfig, 4)
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, 20*time.Millisecond, func(c ServerConfig) { changed <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	next := NewDefaultServerConfig()
	next.Upstream.AccessToken = "rotated"
	if err := Save(path, next); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case c := <-changed:
		if c.Upstream.AccessToken != "rotated" {
			t.Fatalf("expected reloaded access token, got %q", c.Upstream.AccessToken)
		}
		if c.Upstream.SecretKey != "from-env" {
			t.Fatalf("expected overlay to be reapplied, got %q", c.Upstream.SecretKey)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}
