package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables understood by ApplyEnv.
const (
	EnvUsername       = "API_USERNAME"
	EnvSecretKey      = "API_SECRET_KEY"
	EnvAccessToken    = "ACCESS_TOKEN"
	EnvDeviceID       = "DEVICE_ID"
	EnvPort           = "PORT"
	EnvSessionDataDir = "SESSION_DATA_DIR"
)

// ApplyEnv overlays non-empty environment values on cfg. A nil getenv reads
// the process environment.
func ApplyEnv(cfg *ServerConfig, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get(EnvUsername); v != "" {
		cfg.Upstream.Username = v
	}
	if v := get(EnvSecretKey); v != "" {
		cfg.Upstream.SecretKey = v
	}
	if v := get(EnvAccessToken); v != "" {
		cfg.Upstream.AccessToken = v
	}
	if v := get(EnvDeviceID); v != "" {
		cfg.Upstream.DeviceID = v
	}
	if v := get(EnvPort); v != "" {
		host := "0.0.0.0"
		if h, _, err := net.SplitHostPort(cfg.ListenAddr); err == nil && h != "" {
			host = h
		}
		cfg.ListenAddr = net.JoinHostPort(host, v)
	}
	if v := get(EnvSessionDataDir); v != "" {
		cfg.Sessions.Path = filepath.Join(v, "sessions")
		if cfg.Sessions.LegacyJSON == "" {
			cfg.Sessions.LegacyJSON = filepath.Join(v, "sessions.json")
		}
	}
}

// EnsureDeviceID fills an empty upstream device id with gen's result and
// reports whether it did.
func EnsureDeviceID(cfg *ServerConfig, gen func() string) bool {
	if cfg.Upstream.DeviceID != "" || gen == nil {
		return false
	}
	cfg.Upstream.DeviceID = gen()
	return true
}
