// Package wizard asks for the handful of settings a first run needs and
// writes them to the server config.
package wizard

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/lkarlslund/xiaobairouter/pkg/config"
)

type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func RunServerWizard(in io.Reader, out io.Writer, path string, cfg *config.ServerConfig) error {
	p := prompter{in: bufio.NewScanner(in), out: out}
	fmt.Fprintln(out, "Server configuration wizard")
	cfg.ListenAddr = p.ask("Listen address", cfg.ListenAddr)
	cfg.DefaultModel = p.ask("Default model", cfg.DefaultModel)

	fmt.Fprintln(out, "Upstream account (leave secrets empty to supply them via environment)")
	cfg.Upstream.BaseURL = p.ask("  base_url", cfg.Upstream.BaseURL)
	cfg.Upstream.Username = p.ask("  username", cfg.Upstream.Username)
	cfg.Upstream.SecretKey = p.ask("  secret_key", cfg.Upstream.SecretKey)
	cfg.Upstream.AccessToken = p.ask("  access_token", cfg.Upstream.AccessToken)

	keys := make([]string, 0, len(cfg.IncomingTokens))
	for _, t := range cfg.IncomingTokens {
		keys = append(keys, t.Key)
	}
	keys = splitCSV(p.ask("Incoming API keys (comma-separated, empty for open access)", strings.Join(keys, ",")))
	cfg.IncomingTokens = mergeTokens(cfg.IncomingTokens, keys)
	cfg.AllowLocalhostNoAuth = p.yes("Allow localhost without a key? (y/N)", cfg.AllowLocalhostNoAuth)

	cfg.TLS.Enabled = p.yes("Enable Let's Encrypt TLS? (y/N)", cfg.TLS.Enabled)
	if cfg.TLS.Enabled {
		cfg.TLS.Mode = "letsencrypt"
		cfg.TLS.Domain = p.ask("  TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = p.ask("  ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = p.ask("  ACME cache dir", cfg.TLS.CacheDir)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

// mergeTokens keeps existing entries for keys that survive and adds bare
// entries for new ones.
func mergeTokens(existing []config.IncomingAPIToken, keys []string) []config.IncomingAPIToken {
	byKey := make(map[string]config.IncomingAPIToken, len(existing))
	for _, t := range existing {
		byKey[t.Key] = t
	}
	out := make([]config.IncomingAPIToken, 0, len(keys))
	for _, k := range keys {
		if t, ok := byKey[k]; ok {
			out = append(out, t)
			continue
		}
		out = append(out, config.IncomingAPIToken{Key: k})
	}
	return out
}

func (p prompter) ask(label, def string) string {
	if def == "" {
		fmt.Fprintf(p.out, "%s: ", label)
	} else {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	}
	if !p.in.Scan() {
		return def
	}
	txt := strings.TrimSpace(p.in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func (p prompter) yes(label string, def bool) bool {
	switch strings.ToLower(p.ask(label, boolStr(def))) {
	case "y", "yes", "true":
		return true
	default:
		return false
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
