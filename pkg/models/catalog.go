package models

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultModel = "wenxiaobai-deep-thought"

const (
	AbilityWebSearch   = "web_search"
	AbilityDeepThought = "deep_thought"
	AbilityDeepSearch  = "deep_search"
)

// Descriptor maps a caller-facing model name to the upstream model id and
// the abilities switched on for it.
type Descriptor struct {
	Name        string `yaml:"name" json:"id"`
	ModelID     string `yaml:"model_id" json:"-"`
	Search      bool   `yaml:"search" json:"-"`
	DeepThought bool   `yaml:"deep_thought" json:"-"`
	DeepSearch  bool   `yaml:"deep_search" json:"-"`
	Description string `yaml:"description" json:"description"`
}

// Abilities lists ability ids in the order the upstream expects.
func (d Descriptor) Abilities() []string {
	out := make([]string, 0, 3)
	if d.Search {
		out = append(out, AbilityWebSearch)
	}
	if d.DeepThought {
		out = append(out, AbilityDeepThought)
	}
	if d.DeepSearch {
		out = append(out, AbilityDeepSearch)
	}
	return out
}

type Catalog struct {
	order       []string
	byName      map[string]Descriptor
	defaultName string
}

func builtin() []Descriptor {
	return []Descriptor{
		{Name: "wenxiaobai-base", ModelID: "deepseekV3_2", Description: "Base model (deepseekV3_2) without search or deep thought"},
		{Name: "wenxiaobai-v3_2-base", ModelID: "deepseekV3_2", Description: "DeepSeek V3_2 base model without search or deep thought"},
		{Name: "wenxiaobai-search", ModelID: "deepseekV3_2", Search: true, Description: "Search model (deepseekV3_2) with web search"},
		{Name: "wenxiaobai-v3_2-search", ModelID: "deepseekV3_2", Search: true, Description: "DeepSeek V3_2 with web search"},
		{Name: "wenxiaobai-deep-thought", ModelID: "deepseekV3_2", DeepThought: true, Description: "Deep thought model (deepseekV3_2) with extended reasoning"},
		{Name: "wenxiaobai-v3_2-deep-thought", ModelID: "deepseekV3_2", DeepThought: true, Description: "DeepSeek V3_2 with extended reasoning"},
		{Name: "wenxiaobai-search-deep-thought", ModelID: "deepseekV3_2", Search: true, DeepThought: true, Description: "Search and deep thought model (deepseekV3_2)"},
		{Name: "wenxiaobai-v3_2-search-deep-thought", ModelID: "deepseekV3_2", Search: true, DeepThought: true, Description: "DeepSeek V3_2 with web search and extended reasoning"},

		{Name: "deepseek-v3", ModelID: "deepseekV3", DeepSearch: true, Description: "DeepSeek V3 with deep search"},
		{Name: "deepseek-v3-base", ModelID: "deepseekV3", Description: "DeepSeek V3 base model"},
		{Name: "deepseek-v3-search", ModelID: "deepseekV3", Search: true, Description: "DeepSeek V3 with web search"},
		{Name: "deepseek-v3-deep-thought", ModelID: "deepseekV3", DeepThought: true, Description: "DeepSeek V3 with extended reasoning"},
		{Name: "deepseek-v3-search-deep-thought", ModelID: "deepseekV3", Search: true, DeepThought: true, Description: "DeepSeek V3 with web search and extended reasoning"},

		{Name: "xiaobai-5", ModelID: "xiaobai5", Description: "Xiaobai 5 chat model"},
		{Name: "xiaobai-5-base", ModelID: "xiaobai5", Description: "Xiaobai 5 base model"},
		{Name: "xiaobai-5-search", ModelID: "xiaobai5", Search: true, Description: "Xiaobai 5 with web search"},
		{Name: "xiaobai-5-deep-thought", ModelID: "xiaobai5", DeepThought: true, Description: "Xiaobai 5 with extended reasoning"},
		{Name: "xiaobai-5-search-deep-thought", ModelID: "xiaobai5", Search: true, DeepThought: true, Description: "Xiaobai 5 with web search and extended reasoning"},

		{Name: "deepseekV3", ModelID: "deepseekV3", DeepSearch: true, Description: "Raw DeepSeek V3 model id"},
		{Name: "xiaobai5", ModelID: "xiaobai5", Description: "Raw Xiaobai 5 model id"},
		{Name: "deepseekV3_2", ModelID: "deepseekV3_2", Description: "Raw DeepSeek V3_2 model id"},
	}
}

// Default returns the built-in table.
func Default() *Catalog {
	c, _ := New(builtin(), DefaultModel)
	return c
}

func New(descs []Descriptor, defaultName string) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		d.Name = strings.TrimSpace(d.Name)
		d.ModelID = strings.TrimSpace(d.ModelID)
		if d.Name == "" {
			return nil, errors.New("model name cannot be empty")
		}
		if d.ModelID == "" {
			return nil, fmt.Errorf("model %q has no model_id", d.Name)
		}
		if _, ok := c.byName[d.Name]; !ok {
			c.order = append(c.order, d.Name)
		}
		c.byName[d.Name] = d
	}
	defaultName = strings.TrimSpace(defaultName)
	if defaultName == "" {
		defaultName = DefaultModel
	}
	if _, ok := c.byName[defaultName]; !ok {
		return nil, fmt.Errorf("default model %q not in catalog", defaultName)
	}
	c.defaultName = defaultName
	return c, nil
}

type fileFormat struct {
	Default string       `yaml:"default"`
	Models  []Descriptor `yaml:"models"`
}

// Load merges a YAML model file over the built-in table. Entries with a known
// name replace the built-in one; new names are appended.
func Load(path, defaultName string) (*Catalog, error) {
	descs := builtin()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read models file: %w", err)
		}
		var f fileFormat
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("parse models file: %w", err)
		}
		descs = append(descs, f.Models...)
		if strings.TrimSpace(defaultName) == "" {
			defaultName = f.Default
		}
	}
	return New(descs, defaultName)
}

func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// Resolve returns the descriptor for name, or the default model when name is
// unknown. The boolean reports whether name itself was found.
func (c *Catalog) Resolve(name string) (Descriptor, bool) {
	if d, ok := c.byName[name]; ok {
		return d, true
	}
	return c.byName[c.defaultName], false
}

func (c *Catalog) DefaultName() string {
	return c.defaultName
}

func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}
