package rpc

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

type Tool struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	InputSchema map[string]any `yaml:"inputSchema" json:"inputSchema"`
}

type Resource struct {
	URI         string `yaml:"uri" json:"uri"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	MimeType    string `yaml:"mimeType" json:"mimeType"`
}

type Catalog struct {
	Tools     []Tool     `yaml:"tools" json:"tools"`
	Resources []Resource `yaml:"resources" json:"resources"`
}

func LoadCatalog() (Catalog, error) {
	return parseCatalog(catalogYAML)
}

func parseCatalog(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse rpc catalog: %w", err)
	}
	seen := map[string]bool{}
	for _, t := range c.Tools {
		if t.Name == "" {
			return Catalog{}, fmt.Errorf("rpc catalog: tool without name")
		}
		if seen[t.Name] {
			return Catalog{}, fmt.Errorf("rpc catalog: duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
	}
	return c, nil
}

func (c Catalog) Has(name string) bool {
	for _, t := range c.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
