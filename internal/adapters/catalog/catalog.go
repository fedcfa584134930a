// Package catalog serves the document catalog from a YAML definition.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"subsidy/internal/domain"
	pstrings "subsidy/pkg/platform/strings"
	"subsidy/pkg/platform/sentinel"
)

//go:embed seed.yaml
var seedYAML []byte

const bytesPerMB = 1024 * 1024

type yamlEntry struct {
	Type           string   `yaml:"type"`
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Mandatory      bool     `yaml:"mandatory"`
	AllowedFormats []string `yaml:"allowed_formats"`
	MaxSizeMB      int64    `yaml:"max_size_mb"`
	ValidityDays   int      `yaml:"validity_days"`
	Order          int      `yaml:"order"`
	Inactive       bool     `yaml:"inactive"`
}

// Catalog is a read-only, in-memory catalog.
type Catalog struct {
	entries map[string]domain.CatalogEntry
	ordered []domain.CatalogEntry
}

// Default returns the catalog built from the embedded seed.
func Default() *Catalog {
	c, err := Parse(seedYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog seed is invalid: %v", err))
	}
	return c
}

// Load reads a catalog definition from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var raw []yamlEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	entries := make([]domain.CatalogEntry, 0, len(raw))
	for _, r := range raw {
		if r.Type == "" {
			return nil, fmt.Errorf("catalog entry without type")
		}
		if r.MaxSizeMB <= 0 {
			return nil, fmt.Errorf("catalog entry %s: max_size_mb must be positive", r.Type)
		}
		formats := pstrings.DedupeAndTrimLower(r.AllowedFormats)
		if len(formats) == 0 {
			return nil, fmt.Errorf("catalog entry %s: allowed_formats is empty", r.Type)
		}
		entries = append(entries, domain.CatalogEntry{
			Type:           r.Type,
			Name:           r.Name,
			Description:    r.Description,
			Mandatory:      r.Mandatory,
			AllowedFormats: formats,
			MaxSizeBytes:   r.MaxSizeMB * bytesPerMB,
			ValidityDays:   r.ValidityDays,
			Active:         !r.Inactive,
			Order:          r.Order,
		})
	}
	return New(entries...)
}

// New builds a catalog from explicit entries. Duplicate types are rejected.
func New(entries ...domain.CatalogEntry) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]domain.CatalogEntry, len(entries))}
	for _, e := range entries {
		if _, dup := c.entries[e.Type]; dup {
			return nil, fmt.Errorf("duplicate catalog type %s", e.Type)
		}
		c.entries[e.Type] = e
		c.ordered = append(c.ordered, e)
	}
	sort.SliceStable(c.ordered, func(i, j int) bool { return c.ordered[i].Order < c.ordered[j].Order })
	return c, nil
}

func (c *Catalog) GetEntry(_ context.Context, docType string) (*domain.CatalogEntry, error) {
	e, ok := c.entries[docType]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &e, nil
}

// ListMandatory returns active mandatory entries in display order.
func (c *Catalog) ListMandatory(_ context.Context) ([]domain.CatalogEntry, error) {
	var out []domain.CatalogEntry
	for _, e := range c.ordered {
		if e.Mandatory && e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}

// List returns active entries in display order.
func (c *Catalog) List(_ context.Context) ([]domain.CatalogEntry, error) {
	var out []domain.CatalogEntry
	for _, e := range c.ordered {
		if e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}
