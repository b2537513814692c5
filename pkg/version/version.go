package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// Set at build time, e.g.
	// -ldflags "-X github.com/lkarlslund/xiaobairouter/pkg/version.Version=v1.2.0"
	// Commit, Date and Dirty follow the same pattern.
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

// Component is the name reported by /health and the version command.
const Component = "xiaobairouter"

type Info struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func Current() Info {
	info := Info{
		Service: Component,
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
		Dirty:   strings.EqualFold(strings.TrimSpace(Dirty), "true"),
	}
	if info.Version == "" {
		info.Version = "dev"
	}

	// Fallback to embedded VCS info when ldflags are not provided.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = strings.TrimSpace(s.Value)
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = strings.TrimSpace(s.Value)
				}
			case "vcs.modified":
				if !info.Dirty {
					info.Dirty = strings.EqualFold(strings.TrimSpace(s.Value), "true")
				}
			}
		}
	}
	return info
}

func String() string {
	v := Current()
	parts := []string{v.Version}
	if v.Commit != "" {
		short := v.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		parts = append(parts, short)
	}
	if v.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

func Detailed(component string) string {
	v := Current()
	if strings.TrimSpace(component) == "" {
		component = Component
	}
	out := fmt.Sprintf("%s %s", component, String())
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}
