package scamdetector

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"karmaguard/internal/pkg/models"
)

//go:embed template_schema.json
var templateSchemaJSON string

var (
	compileOnce    sync.Once
	templateSchema *jsonschema.Schema
	compileErr     error
)

type templateFile struct {
	Templates []Template `json:"templates"`
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("template_schema.json", strings.NewReader(templateSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		templateSchema, compileErr = compiler.Compile("template_schema.json")
	})
	return templateSchema, compileErr
}

// Reads a YAML template file, validates it and compiles it into a Set.
// Every failure wraps ErrTemplateLoad.
func LoadFile(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTemplateLoad, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Set, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", models.ErrTemplateLoad, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: template file is empty", models.ErrTemplateLoad)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: convert yaml: %v", models.ErrTemplateLoad, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTemplateLoad, err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTemplateLoad, err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("%w: schema validation failed: %v", models.ErrTemplateLoad, err)
	}

	var file templateFile
	if err := json.Unmarshal(encoded, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTemplateLoad, err)
	}
	return NewSet(file.Templates)
}
