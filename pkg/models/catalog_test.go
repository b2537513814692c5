package models

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultCatalogTable(t *testing.T) {
	c := Default()
	if got := len(c.List()); got != 21 {
		t.Fatalf("expected 21 built-in models, got %d", got)
	}
	d, ok := c.Lookup("wenxiaobai-search-deep-thought")
	if !ok {
		t.Fatal("expected wenxiaobai-search-deep-thought in catalog")
	}
	if d.ModelID != "deepseekV3_2" {
		t.Fatalf("unexpected model id %q", d.ModelID)
	}
	if got := d.Abilities(); !reflect.DeepEqual(got, []string{"web_search", "deep_thought"}) {
		t.Fatalf("unexpected abilities %v", got)
	}
	d, _ = c.Lookup("deepseek-v3")
	if got := d.Abilities(); !reflect.DeepEqual(got, []string{"deep_search"}) {
		t.Fatalf("unexpected deepseek-v3 abilities %v", got)
	}
	d, _ = c.Lookup("xiaobai-5-base")
	if got := d.Abilities(); len(got) != 0 {
		t.Fatalf("expected no abilities for base model, got %v", got)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	c := Default()
	d, found := c.Resolve("gpt-4o")
	if found {
		t.Fatal("expected unknown model to report not found")
	}
	if d.Name != DefaultModel || d.ModelID != "deepseekV3_2" || !d.DeepThought {
		t.Fatalf("unexpected fallback descriptor %+v", d)
	}
}

func TestLoadMergesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	doc := `default: xiaobai-5
models:
  - name: xiaobai-5
    model_id: xiaobai5
    search: true
    description: overridden
  - name: house-model
    model_id: deepseekV3
    deep_thought: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.DefaultName() != "xiaobai-5" {
		t.Fatalf("unexpected default %q", c.DefaultName())
	}
	d, _ := c.Lookup("xiaobai-5")
	if !d.Search || d.Description != "overridden" {
		t.Fatalf("expected override to apply, got %+v", d)
	}
	names := c.Names()
	if names[len(names)-1] != "house-model" {
		t.Fatalf("expected new model appended, got %v", names)
	}
	if len(names) != 22 {
		t.Fatalf("expected 22 names, got %d", len(names))
	}
}

func TestNewRejectsUnknownDefault(t *testing.T) {
	if _, err := New([]Descriptor{{Name: "a", ModelID: "x"}}, "b"); err == nil {
		t.Fatal("expected error for default outside catalog")
	}
}
