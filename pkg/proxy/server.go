package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/xiaobairouter/pkg/accounts"
	"github.com/lkarlslund/xiaobairouter/pkg/config"
	"github.com/lkarlslund/xiaobairouter/pkg/engine"
	"golang.org/x/crypto/acme/autocert"
)

// Ledger records per-token calls and usage for directory-authenticated callers.
type Ledger interface {
	RecordCall(ctx context.Context, tokenID int64) (int, error)
	LogUsage(ctx context.Context, e accounts.UsageEntry) error
}

// CallObserver is told how many calls a token has served today.
type CallObserver interface {
	OnCall(callsToday int)
}

type Options struct {
	Keys    KeyResolver
	Ledger  Ledger
	Upkeep  CallObserver
	Metrics *Metrics
}

type Server struct {
	store               *config.ServerConfigStore
	engine              *engine.Engine
	auth                *Authenticator
	ledger              Ledger
	upkeep              CallObserver
	metrics             *Metrics
	handler             http.Handler
	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func NewServer(store *config.ServerConfigStore, eng *engine.Engine, opts Options) *Server {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Server{
		store:   store,
		engine:  eng,
		auth:    NewAuthenticator(opts.Keys),
		ledger:  opts.Ledger,
		upkeep:  opts.Upkeep,
		metrics: metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authAPIMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Get("/models/{id}", s.handleModel)
		v1.Post("/chat/completions", s.handleChat)
		v1.Post("/deployments/{name}/chat/completions", s.handleDeploymentChat)
	})
	s.handler = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Authenticator exposes the caller cache so config reloads can flush it.
func (s *Server) Authenticator() *Authenticator {
	return s.auth
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
}

// Run serves until ctx is done, then drains in-flight completions before
// shutting the listeners down.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)

	if cfg.TLS.Enabled {
		httpsSrv := s.newHTTPServer(cfg.TLS.ListenAddr)
		var httpChallenge *http.Server
		switch cfg.TLS.Mode {
		case "pem":
			cert, err := tls.X509KeyPair([]byte(cfg.TLS.CertPEM), []byte(cfg.TLS.KeyPEM))
			if err != nil {
				return fmt.Errorf("load tls certificate: %w", err)
			}
			httpsSrv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		default:
			mgr := &autocert.Manager{
				Cache:      autocert.DirCache(cfg.TLS.CacheDir),
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
				Email:      cfg.TLS.Email,
			}
			httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}
			httpChallenge = &http.Server{
				Addr:              ":80",
				Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				slog.Info("http challenge/redirect listening", "addr", ":80")
				if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("http challenge server: %w", err)
				}
			}()
		}

		go func() {
			slog.Info("https listening", "addr", httpsSrv.Addr, "mode", cfg.TLS.Mode, "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		s.awaitShutdown(ctx, errCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if httpChallenge != nil {
			_ = httpChallenge.Shutdown(shutdownCtx)
		}
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	srv := s.newHTTPServer(cfg.ListenAddr)
	go func() {
		slog.Info("proxy listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	s.awaitShutdown(ctx, errCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

// awaitShutdown blocks until ctx ends or a listener fails, then drains.
func (s *Server) awaitShutdown(ctx context.Context, errCh chan error) {
	select {
	case <-ctx.Done():
	case err := <-errCh:
		errCh <- err
		return
	}
	s.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.waitForProxyIdle(drainCtx)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, errTypeAPI, "server shutting down", "shutting_down")
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			slog.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			slog.Info("shutdown: waiting for active proxy requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			slog.Warn("shutdown: giving up on active proxy requests", "active", active)
			return
		case <-t.C:
		}
	}
}

func (s *Server) authAPIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := s.auth.authenticate(r, s.store.Snapshot())
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), who)))
		case errors.Is(err, errUnauthorized):
			writeError(w, http.StatusUnauthorized, errTypeAuthentication, err.Error(), "invalid_api_key")
		case errors.Is(err, errNoActiveToken):
			writeError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error(), "no_active_token")
		default:
			reqID := middleware.GetReqID(r.Context())
			slog.Error("api key lookup failed", "request_id", reqID, "error", err)
			writeError(w, http.StatusInternalServerError, errTypeInternal, "internal error (request id "+reqID+")", "")
		}
	})
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
