package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/orchestra-mcp/realtime/src/router"
	"gopkg.in/yaml.v3"
)

//go:embed features.yaml
var defaultFeatures []byte

// DefaultFeatureTable returns the embedded feature table.
func DefaultFeatureTable() *router.Table {
	t, err := ParseFeatureTable(defaultFeatures)
	if err != nil {
		panic(fmt.Sprintf("embedded feature table: %v", err))
	}
	return t
}

// LoadFeatureTable reads a feature table from path, or returns the embedded
// table when path is empty.
func LoadFeatureTable(path string) (*router.Table, error) {
	if path == "" {
		return DefaultFeatureTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature table: %w", err)
	}
	return ParseFeatureTable(data)
}

// ParseFeatureTable decodes and validates a YAML feature table. Unknown
// keys are rejected.
func ParseFeatureTable(data []byte) (*router.Table, error) {
	var t router.Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parse feature table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
