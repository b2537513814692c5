package config

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "xiaobairouter.toml"
	appDirName            = "xiaobairouter"

	DefaultListenAddr      = "0.0.0.0:8000"
	DefaultModel           = "wenxiaobai-deep-thought"
	DefaultUpstreamURL     = "https://api-bj.wenxiaobai.com"
	DefaultUpstreamUser    = "web.1.0.beta"
	DefaultUpstreamUserID  = 128122134
	DefaultTimeoutSeconds  = 30
	DefaultSoftTurnCap     = 10
	DefaultSessionID       = "default-session"
	DefaultAuthCacheSecs   = 30
	DefaultBalanceSchedule = "0 */6 * * *"
	DefaultTasksSchedule   = "15 8 * * *"
)

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mode       string `toml:"mode"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
	CertPEM    string `toml:"cert_pem,omitempty"`
	KeyPEM     string `toml:"key_pem,omitempty"`
}

// UpstreamConfig holds the signing identity and the fallback end-user
// account used when the account directory is disabled.
type UpstreamConfig struct {
	BaseURL            string `toml:"base_url"`
	Username           string `toml:"username"`
	SecretKey          string `toml:"secret_key,omitempty"`
	AccessToken        string `toml:"access_token,omitempty"`
	DeviceID           string `toml:"device_id,omitempty"`
	UserID             int64  `toml:"user_id"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify,omitempty"`
}

type SessionsConfig struct {
	Path             string `toml:"path"`
	LegacyJSON       string `toml:"legacy_json,omitempty"`
	SoftTurnCap      int    `toml:"soft_turn_cap"`
	DefaultSessionID string `toml:"default_session_id"`
}

type AuthConfig struct {
	Enabled      bool   `toml:"enabled"`
	DBPath       string `toml:"db_path"`
	CacheSeconds int    `toml:"cache_seconds"`
}

type UpkeepConfig struct {
	Enabled           bool    `toml:"enabled"`
	BalanceSchedule   string  `toml:"balance_schedule"`
	TasksSchedule     string  `toml:"tasks_schedule"`
	BalanceEveryCalls int     `toml:"balance_every_calls"`
	LowBalance        float64 `toml:"low_balance"`
	DailyBrowseLimit  int     `toml:"daily_browse_limit"`
	DailyCheckinLimit int     `toml:"daily_checkin_limit"`
}

// IncomingAPIToken is a static caller key. AccessToken and DeviceID override
// the upstream account for calls made with this key.
type IncomingAPIToken struct {
	ID          string `toml:"id"`
	Name        string `toml:"name"`
	Comment     string `toml:"comment,omitempty"`
	Key         string `toml:"key"`
	AccessToken string `toml:"access_token,omitempty"`
	DeviceID    string `toml:"device_id,omitempty"`
	ExpiresAt   string `toml:"expires_at,omitempty"`
	CreatedAt   string `toml:"created_at,omitempty"`
}

type ServerConfig struct {
	ListenAddr                    string             `toml:"listen_addr"`
	DefaultModel                  string             `toml:"default_model"`
	ModelsFile                    string             `toml:"models_file,omitempty"`
	AllowLocalhostNoAuth          bool               `toml:"allow_localhost_no_auth"`
	AllowHostDockerInternalNoAuth bool               `toml:"allow_host_docker_internal_no_auth"`
	IncomingTokens                []IncomingAPIToken `toml:"incoming_tokens"`
	Upstream                      UpstreamConfig     `toml:"upstream"`
	Sessions                      SessionsConfig     `toml:"sessions"`
	Auth                          AuthConfig         `toml:"auth"`
	Upkeep                        UpkeepConfig       `toml:"upkeep"`
	TLS                           TLSConfig          `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", appDirName, defaultConfigFileName)
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "share", appDirName, name)
}

func DefaultSessionsPath() string {
	return defaultDataPath("sessions")
}

func DefaultAccountsDBPath() string {
	return defaultDataPath("accounts.db")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", appDirName, "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:     DefaultListenAddr,
		DefaultModel:   DefaultModel,
		IncomingTokens: []IncomingAPIToken{},
		Upstream: UpstreamConfig{
			BaseURL:        DefaultUpstreamURL,
			Username:       DefaultUpstreamUser,
			UserID:         DefaultUpstreamUserID,
			TimeoutSeconds: DefaultTimeoutSeconds,
		},
		Sessions: SessionsConfig{
			Path:             DefaultSessionsPath(),
			SoftTurnCap:      DefaultSoftTurnCap,
			DefaultSessionID: DefaultSessionID,
		},
		Auth: AuthConfig{
			Enabled:      false,
			DBPath:       DefaultAccountsDBPath(),
			CacheSeconds: DefaultAuthCacheSecs,
		},
		Upkeep: UpkeepConfig{
			Enabled:           false,
			BalanceSchedule:   DefaultBalanceSchedule,
			TasksSchedule:     DefaultTasksSchedule,
			BalanceEveryCalls: 50,
			LowBalance:        10,
			DailyBrowseLimit:  200,
			DailyCheckinLimit: 1,
		},
		TLS: TLSConfig{
			Enabled:    false,
			Mode:       "letsencrypt",
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	return load(path, v)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	c.DefaultModel = strings.TrimSpace(c.DefaultModel)
	if c.DefaultModel == "" {
		c.DefaultModel = DefaultModel
	}
	c.ModelsFile = strings.TrimSpace(c.ModelsFile)

	u := &c.Upstream
	u.BaseURL = strings.TrimRight(strings.TrimSpace(u.BaseURL), "/")
	if u.BaseURL == "" {
		u.BaseURL = DefaultUpstreamURL
	}
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		u.Username = DefaultUpstreamUser
	}
	u.SecretKey = strings.TrimSpace(u.SecretKey)
	u.AccessToken = strings.TrimSpace(u.AccessToken)
	u.DeviceID = strings.TrimSpace(u.DeviceID)
	if u.UserID <= 0 {
		u.UserID = DefaultUpstreamUserID
	}
	if u.TimeoutSeconds <= 0 {
		u.TimeoutSeconds = DefaultTimeoutSeconds
	}

	s := &c.Sessions
	s.Path = strings.TrimSpace(s.Path)
	if s.Path == "" {
		s.Path = DefaultSessionsPath()
	}
	s.LegacyJSON = strings.TrimSpace(s.LegacyJSON)
	if s.SoftTurnCap == 0 {
		s.SoftTurnCap = DefaultSoftTurnCap
	}
	s.DefaultSessionID = strings.TrimSpace(s.DefaultSessionID)
	if s.DefaultSessionID == "" {
		s.DefaultSessionID = DefaultSessionID
	}

	c.Auth.DBPath = strings.TrimSpace(c.Auth.DBPath)
	if c.Auth.DBPath == "" {
		c.Auth.DBPath = DefaultAccountsDBPath()
	}
	if c.Auth.CacheSeconds < 0 {
		c.Auth.CacheSeconds = 0
	}

	k := &c.Upkeep
	k.BalanceSchedule = strings.TrimSpace(k.BalanceSchedule)
	k.TasksSchedule = strings.TrimSpace(k.TasksSchedule)
	if k.BalanceEveryCalls < 0 {
		k.BalanceEveryCalls = 0
	}
	if k.DailyBrowseLimit < 0 {
		k.DailyBrowseLimit = 0
	}
	if k.DailyCheckinLimit < 0 {
		k.DailyCheckinLimit = 0
	}

	c.TLS.Mode = strings.ToLower(strings.TrimSpace(c.TLS.Mode))
	if c.TLS.Mode != "letsencrypt" && c.TLS.Mode != "pem" {
		c.TLS.Mode = "letsencrypt"
	}
	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	c.TLS.CertPEM = strings.TrimSpace(c.TLS.CertPEM)
	c.TLS.KeyPEM = strings.TrimSpace(c.TLS.KeyPEM)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}

	tokenSeen := map[string]struct{}{}
	tokens := make([]IncomingAPIToken, 0, len(c.IncomingTokens))
	for i, t := range c.IncomingTokens {
		t.ID = strings.TrimSpace(t.ID)
		t.Name = strings.TrimSpace(t.Name)
		t.Comment = strings.TrimSpace(t.Comment)
		t.Key = strings.TrimSpace(t.Key)
		t.AccessToken = strings.TrimSpace(t.AccessToken)
		t.DeviceID = strings.TrimSpace(t.DeviceID)
		t.ExpiresAt = strings.TrimSpace(t.ExpiresAt)
		t.CreatedAt = strings.TrimSpace(t.CreatedAt)
		if t.Key == "" {
			continue
		}
		if _, ok := tokenSeen[t.Key]; ok {
			continue
		}
		tokenSeen[t.Key] = struct{}{}
		if t.ID == "" {
			t.ID = tokenID(t.Key, i)
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("Token %d", len(tokens)+1)
		}
		tokens = append(tokens, t)
	}
	c.IncomingTokens = tokens
}

func (c *ServerConfig) Validate() error {
	idSeen := map[string]struct{}{}
	for _, t := range c.IncomingTokens {
		if t.ID == "" {
			return errors.New("incoming token id cannot be empty")
		}
		if _, ok := idSeen[t.ID]; ok {
			return fmt.Errorf("duplicate incoming token id %q", t.ID)
		}
		idSeen[t.ID] = struct{}{}
		if t.Key == "" {
			return fmt.Errorf("incoming token %q key cannot be empty", t.ID)
		}
		if t.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, t.ExpiresAt); err != nil {
				return fmt.Errorf("incoming token %q has invalid expires_at (RFC3339 required)", t.ID)
			}
		}
		if t.CreatedAt != "" {
			if _, err := time.Parse(time.RFC3339, t.CreatedAt); err != nil {
				return fmt.Errorf("incoming token %q has invalid created_at (RFC3339 required)", t.ID)
			}
		}
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url %q must be an http(s) URL", c.Upstream.BaseURL)
	}
	if c.Upstream.TimeoutSeconds > 600 {
		return errors.New("upstream.timeout_seconds must be <= 600")
	}
	if c.Upkeep.Enabled && !c.Auth.Enabled {
		return errors.New("upkeep.enabled requires auth.enabled (tokens come from the account directory)")
	}
	if c.TLS.Enabled {
		switch c.TLS.Mode {
		case "letsencrypt":
			if c.TLS.Domain == "" {
				return errors.New("tls.domain is required when tls.enabled=true and tls.mode=letsencrypt")
			}
		case "pem":
			if c.TLS.CertPEM == "" || c.TLS.KeyPEM == "" {
				return errors.New("tls.cert_pem and tls.key_pem are required when tls.enabled=true and tls.mode=pem")
			}
		default:
			return errors.New("tls.mode must be one of letsencrypt, pem")
		}
	}
	return nil
}

// ValidateForServe checks what a running proxy needs on top of Validate:
// the signing secret, and an end-user token unless callers bring their own.
func (c *ServerConfig) ValidateForServe() error {
	if c.Upstream.SecretKey == "" {
		return errors.New("upstream.secret_key is required (or set API_SECRET_KEY)")
	}
	if c.Auth.Enabled {
		return nil
	}
	if c.Upstream.AccessToken != "" {
		return nil
	}
	for _, t := range c.IncomingTokens {
		if t.AccessToken == "" {
			return fmt.Errorf("incoming token %q has no access_token and upstream.access_token is empty", t.ID)
		}
	}
	if len(c.IncomingTokens) == 0 {
		return errors.New("upstream.access_token is required (or set ACCESS_TOKEN)")
	}
	return nil
}

type ServerConfigStore struct {
	mu      sync.RWMutex
	path    string
	cfg     *ServerConfig
	overlay func(*ServerConfig)
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Path() string {
	return s.path
}

// SetOverlay registers a function reapplied after every reload, typically
// the environment overrides.
func (s *ServerConfigStore) SetOverlay(fn func(*ServerConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = fn
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.cfg
	cp.IncomingTokens = append([]IncomingAPIToken(nil), s.cfg.IncomingTokens...)
	return cp
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	cp.IncomingTokens = append([]IncomingAPIToken(nil), s.cfg.IncomingTokens...)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

// Reload re-reads the file. An invalid file leaves the current config in place.
func (s *ServerConfigStore) Reload() error {
	cfg, err := LoadServerConfig(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overlay != nil {
		s.overlay(cfg)
		cfg.Normalize()
	}
	s.cfg = cfg
	return nil
}

func tokenID(key string, idx int) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("tok-%d-%x", idx+1, h.Sum64())
}
