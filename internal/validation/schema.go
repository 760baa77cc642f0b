// Package validation checks deposit submissions: the structured ticket title,
// the layout of the ticket body and the metadata/citations CSV tables.
//
// Everything here is pure. Column sets, identifier schemas and the title
// format come from a versioned Schema (YAML) so schema updates never touch the
// validator's control flow. Malformed input is always reported as
// model.ValidationError values and never returned as a Go error.
package validation

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_schema.yaml
var defaultSchemaYAML []byte

// TableSchema describes one CSV table.
type TableSchema struct {
	// Columns is the exact, case-sensitive set of header names.
	Columns []string `yaml:"columns"`
	// Required columns must hold a non-empty value on every row.
	Required []string `yaml:"required"`
	// IdentifierColumns hold whitespace-separated schema:value identifiers.
	IdentifierColumns []string `yaml:"identifier_columns"`
	// ReferenceColumns must only point at identifiers declared in the
	// metadata table. Only meaningful for the citations table.
	ReferenceColumns []string `yaml:"reference_columns"`
}

// TitleRule describes the structured ticket title. Pattern is a Go regexp;
// when it defines the named groups "schema" and "identifier" the captured
// identifier is checked like any table identifier.
type TitleRule struct {
	Pattern string `yaml:"pattern"`
	Hint    string `yaml:"hint"`
}

// Schema is the versioned deposit format configuration.
type Schema struct {
	Version           int         `yaml:"version"`
	Separator         string      `yaml:"separator"`
	Title             TitleRule   `yaml:"title"`
	IdentifierSchemas []string    `yaml:"identifier_schemas"`
	Metadata          TableSchema `yaml:"metadata"`
	Citations         TableSchema `yaml:"citations"`

	titleRE *regexp.Regexp
	schemes map[string]struct{}
}

// DefaultSchema returns the schema compiled into the binary.
func DefaultSchema() *Schema {
	s, err := ParseSchema(defaultSchemaYAML)
	if err != nil {
		panic(fmt.Sprintf("validation: embedded schema is invalid: %v", err))
	}
	return s
}

// ParseSchema decodes and validates a schema document.
func ParseSchema(data []byte) (*Schema, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("schema: document is empty")
	}
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSchema reads a schema file. An empty path selects DefaultSchema.
func LoadSchema(path string) (*Schema, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultSchema(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	s, err := ParseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("schema: %s: %w", path, err)
	}
	return s, nil
}

func (s *Schema) compile() error {
	if s.Version <= 0 {
		return fmt.Errorf("schema: version must be positive")
	}
	if s.Separator == "" {
		return fmt.Errorf("schema: separator is required")
	}
	if s.Title.Pattern == "" {
		return fmt.Errorf("schema: title.pattern is required")
	}
	re, err := regexp.Compile(s.Title.Pattern)
	if err != nil {
		return fmt.Errorf("schema: title.pattern: %w", err)
	}
	s.titleRE = re

	s.schemes = make(map[string]struct{}, len(s.IdentifierSchemas))
	for _, name := range s.IdentifierSchemas {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return fmt.Errorf("schema: identifier_schemas contains an empty entry")
		}
		s.schemes[name] = struct{}{}
	}

	if err := s.Metadata.check("metadata"); err != nil {
		return err
	}
	if err := s.Citations.check("citations"); err != nil {
		return err
	}
	if len(s.Metadata.ReferenceColumns) > 0 {
		return fmt.Errorf("schema: metadata cannot declare reference_columns")
	}
	if len(s.Citations.ReferenceColumns) > 0 && len(s.Metadata.IdentifierColumns) == 0 {
		return fmt.Errorf("schema: citations reference metadata but metadata declares no identifier_columns")
	}
	return nil
}

func (t TableSchema) check(name string) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("schema: %s.columns is empty", name)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, col := range t.Columns {
		if col == "" {
			return fmt.Errorf("schema: %s.columns contains an empty name", name)
		}
		if _, dup := seen[col]; dup {
			return fmt.Errorf("schema: %s.columns lists %q twice", name, col)
		}
		seen[col] = struct{}{}
	}
	for field, cols := range map[string][]string{
		"required":           t.Required,
		"identifier_columns": t.IdentifierColumns,
		"reference_columns":  t.ReferenceColumns,
	} {
		for _, col := range cols {
			if _, ok := seen[col]; !ok {
				return fmt.Errorf("schema: %s.%s names unknown column %q", name, field, col)
			}
		}
	}
	return nil
}

// SupportsScheme reports whether identifiers of the given scheme are accepted.
func (s *Schema) SupportsScheme(scheme string) bool {
	_, ok := s.schemes[strings.ToLower(scheme)]
	return ok
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
