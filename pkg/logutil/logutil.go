// Package logutil wires charmbracelet/log as the process logger and as the
// log/slog default handler.
package logutil

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
)

var (
	mu     sync.Mutex
	output io.Writer = os.Stderr
)

// Configure sets the minimum level and installs the logger for both the
// charm and slog package-level functions.
func Configure(levelRaw string) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	install(level)
	return nil
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	install(log.GetLevel())
}

func install(level log.Level) {
	logger := log.NewWithOptions(output, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	log.SetDefault(logger)
	slog.SetDefault(slog.New(logger))
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	switch levelRaw {
	case "":
		return log.InfoLevel, nil
	case "trace", "trac":
		// No trace level; treat as debug.
		return log.DebugLevel, nil
	case "warning":
		return log.WarnLevel, nil
	default:
		level, err := log.ParseLevel(levelRaw)
		if err != nil {
			return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
		}
		return level, nil
	}
}

// Redact shortens a secret to a recognisable but unusable form.
func Redact(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 12 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

var sensitiveHeaders = map[string]bool{
	"authorization":           true,
	"x-yuanshi-authorization": true,
	"cookie":                  true,
	"x-api-key":               true,
}

// RedactHeaders flattens h for logging with credentials redacted.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := strings.Join(h.Values(k), ", ")
		if sensitiveHeaders[strings.ToLower(k)] {
			v = redactAuthValue(v)
		}
		out[k] = v
	}
	return out
}

func redactAuthValue(v string) string {
	scheme, rest, ok := strings.Cut(v, " ")
	if ok && (strings.EqualFold(scheme, "bearer") || strings.EqualFold(scheme, "hmac")) {
		return scheme + " " + Redact(rest)
	}
	return Redact(v)
}
