package version

import (
	"strings"
	"testing"
)

func TestDetailedUsesComponent(t *testing.T) {
	orig := Version
	t.Cleanup(func() { Version = orig })
	Version = "v1.2.3"
	got := Detailed("")
	if !strings.HasPrefix(got, Component+" v1.2.3") {
		t.Fatalf("unexpected detailed version %q", got)
	}
	if Current().Service != Component {
		t.Fatalf("unexpected service %q", Current().Service)
	}
}

func TestEmptyVersionFallsBackToDev(t *testing.T) {
	orig := Version
	t.Cleanup(func() { Version = orig })
	Version = "  "
	if Current().Version != "dev" {
		t.Fatalf("expected dev, got %q", Current().Version)
	}
}
