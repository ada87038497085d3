package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentdiff/agentdiff/internal/models"
)

// bundleDoc is the on-disk YAML form of a template.
type bundleDoc struct {
	Service     string                      `yaml:"service"`
	Name        string                      `yaml:"name"`
	Description string                      `yaml:"description"`
	Version     string                      `yaml:"version"`
	Visibility  string                      `yaml:"visibility"`
	Owner       string                      `yaml:"owner"`
	Definition  models.StructuralDefinition `yaml:"definition"`
	Seed        models.SeedBundle           `yaml:"seed"`
}

// LoadFile parses a single template bundle.
func LoadFile(path string) (*models.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc bundleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if doc.Service == "" || doc.Name == "" {
		return nil, fmt.Errorf("%s: service and name are required", path)
	}
	if len(doc.Definition.Tables) == 0 {
		return nil, fmt.Errorf("%s: definition has no tables", path)
	}
	for table := range doc.Seed {
		if !hasTable(doc.Definition, table) {
			return nil, fmt.Errorf("%s: seed references unknown table %q", path, table)
		}
	}
	return &models.Template{
		Service:     doc.Service,
		Name:        doc.Name,
		Description: doc.Description,
		Version:     doc.Version,
		Visibility:  doc.Visibility,
		Owner:       doc.Owner,
		Definition:  doc.Definition,
		Seed:        doc.Seed,
	}, nil
}

// LoadDir parses every .yaml/.yml bundle in a directory, sorted by filename
// for stable registration order.
func LoadDir(dir string) ([]*models.Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	var out []*models.Template
	for _, p := range paths {
		t, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func hasTable(def models.StructuralDefinition, name string) bool {
	for _, t := range def.Tables {
		if t.Name == name {
			return true
		}
	}
	return false
}
