package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lkarlslund/xiaobairouter/pkg/accounts"
	"github.com/lkarlslund/xiaobairouter/pkg/cache"
	"github.com/lkarlslund/xiaobairouter/pkg/config"
	"github.com/lkarlslund/xiaobairouter/pkg/logutil"
	"github.com/lkarlslund/xiaobairouter/pkg/upstream"
)

var lookupHost = net.LookupHost

type dockerInternalCache struct {
	mu      sync.Mutex
	expires time.Time
	ips     []net.IP
}

var hostDockerInternalIPs dockerInternalCache

var (
	errUnauthorized  = errors.New("invalid or missing api key")
	errNoActiveToken = errors.New("no active upstream token for this api key")
)

// KeyResolver turns a caller API key into an upstream account.
type KeyResolver interface {
	ResolveAPIKey(ctx context.Context, key string) (accounts.Grant, error)
}

// caller is the authenticated identity of one request.
type caller struct {
	Name        string
	Credentials upstream.Credentials
	UserID      int64
	APIKeyID    int64
	TokenID     int64
}

func (c caller) fromDirectory() bool {
	return c.TokenID != 0
}

type callerKey struct{}

func withCaller(ctx context.Context, c caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerKey{}).(caller)
	return c, ok
}

// Authenticator resolves bearer keys against the static incoming tokens and,
// when enabled, the account directory. Directory answers are cached briefly.
type Authenticator struct {
	resolver KeyResolver
	grants   *cache.TTLMap[string, accounts.Grant]
}

func NewAuthenticator(resolver KeyResolver) *Authenticator {
	return &Authenticator{resolver: resolver, grants: cache.NewTTLMap[string, accounts.Grant]()}
}

// Invalidate drops cached directory answers, for example after a config reload.
func (a *Authenticator) Invalidate() {
	if a != nil {
		a.grants.Clear()
	}
}

func (a *Authenticator) authenticate(r *http.Request, cfg config.ServerConfig) (caller, error) {
	token := bearerToken(r.Header)
	if tok, ok := resolveIncomingToken(token, cfg.IncomingTokens); ok {
		c := defaultCaller(cfg)
		c.Name = tok.Name
		if tok.AccessToken != "" {
			c.Credentials.AccessToken = tok.AccessToken
		}
		if tok.DeviceID != "" {
			c.Credentials.DeviceID = tok.DeviceID
		}
		return c, nil
	}
	if token != "" && cfg.Auth.Enabled && a != nil && a.resolver != nil {
		g, err := a.resolve(r.Context(), token, time.Duration(cfg.Auth.CacheSeconds)*time.Second)
		switch {
		case err == nil:
			c := defaultCaller(cfg)
			c.Name = g.Username
			c.UserID = g.UserID
			c.APIKeyID = g.APIKeyID
			c.TokenID = g.Token.ID
			c.Credentials.AccessToken = g.Token.AccessToken
			if g.Token.DeviceID != "" {
				c.Credentials.DeviceID = g.Token.DeviceID
			}
			return c, nil
		case errors.Is(err, accounts.ErrNoActiveToken):
			return caller{}, errNoActiveToken
		case !errors.Is(err, accounts.ErrInvalidKey):
			return caller{}, err
		}
		slog.Debug("unknown api key", "key", logutil.Redact(token), "remote", r.RemoteAddr)
	}
	if cfg.AllowLocalhostNoAuth && requestIsTrustedNoAuth(r, cfg) {
		return defaultCaller(cfg), nil
	}
	if !authRequired(cfg) {
		return defaultCaller(cfg), nil
	}
	return caller{}, errUnauthorized
}

func (a *Authenticator) resolve(ctx context.Context, key string, ttl time.Duration) (accounts.Grant, error) {
	now := nowUTC()
	if ttl > 0 {
		if g, ok := a.grants.GetFresh(key, now); ok {
			return g, nil
		}
	}
	g, err := a.resolver.ResolveAPIKey(ctx, key)
	if err != nil {
		return accounts.Grant{}, err
	}
	if ttl > 0 {
		a.grants.SetWithTTL(key, g, now, ttl)
	}
	return g, nil
}

// authRequired reports whether callers must present a key. A proxy with no
// incoming tokens and no account directory is open, like a plain local relay.
func authRequired(cfg config.ServerConfig) bool {
	return cfg.Auth.Enabled || len(cfg.IncomingTokens) > 0
}

func defaultCaller(cfg config.ServerConfig) caller {
	return caller{
		Name: "default",
		Credentials: upstream.Credentials{
			Username:    cfg.Upstream.Username,
			SecretKey:   cfg.Upstream.SecretKey,
			AccessToken: cfg.Upstream.AccessToken,
			DeviceID:    cfg.Upstream.DeviceID,
		},
	}
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func resolveIncomingToken(token string, tokens []config.IncomingAPIToken) (config.IncomingAPIToken, bool) {
	if token == "" {
		return config.IncomingAPIToken{}, false
	}
	for _, t := range tokens {
		if token != strings.TrimSpace(t.Key) {
			continue
		}
		if strings.TrimSpace(t.ExpiresAt) != "" {
			expiresAt, err := parseRFC3339(t.ExpiresAt)
			if err != nil || !nowUTC().Before(expiresAt) {
				return config.IncomingAPIToken{}, false
			}
		}
		return t, true
	}
	return config.IncomingAPIToken{}, false
}

func requestIsTrustedNoAuth(r *http.Request, cfg config.ServerConfig) bool {
	host := remoteHost(r)
	if hostIsLoopback(host) {
		return true
	}
	if cfg.AllowHostDockerInternalNoAuth && hostIsHostDockerInternal(host) {
		return true
	}
	return false
}

func remoteHost(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func hostIsLoopback(host string) bool {
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

func hostIsHostDockerInternal(host string) bool {
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "host.docker.internal") {
		return true
	}
	remoteIP := net.ParseIP(host)
	if remoteIP == nil {
		return false
	}
	for _, ip := range cachedHostDockerInternalIPs() {
		if ip.Equal(remoteIP) {
			return true
		}
	}
	return false
}

func cachedHostDockerInternalIPs() []net.IP {
	now := nowUTC()
	hostDockerInternalIPs.mu.Lock()
	defer hostDockerInternalIPs.mu.Unlock()
	if now.Before(hostDockerInternalIPs.expires) && len(hostDockerInternalIPs.ips) > 0 {
		return append([]net.IP(nil), hostDockerInternalIPs.ips...)
	}
	raw, err := lookupHost("host.docker.internal")
	if err != nil {
		hostDockerInternalIPs.expires = now.Add(30 * time.Second)
		hostDockerInternalIPs.ips = nil
		return nil
	}
	ips := make([]net.IP, 0, len(raw))
	for _, s := range raw {
		if ip := net.ParseIP(strings.TrimSpace(s)); ip != nil {
			ips = append(ips, ip)
		}
	}
	hostDockerInternalIPs.expires = now.Add(5 * time.Minute)
	hostDockerInternalIPs.ips = ips
	return append([]net.IP(nil), ips...)
}

var nowUTC = func() time.Time { return time.Now().UTC() }

func parseRFC3339(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(v))
}
