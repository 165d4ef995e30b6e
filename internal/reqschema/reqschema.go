package reqschema

import (
	"embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schemas/*.json
var schemasFS embed.FS

const (
	SpatialQuery = "spatial_query"
	SingleQuery  = "single_query"
)

var (
	once     sync.Once
	compiled map[string]*jsonschema.Schema
	loadErr  error
)

func load() {
	compiler := jsonschema.NewCompiler()
	compiled = map[string]*jsonschema.Schema{}
	for _, name := range []string{SpatialQuery, SingleQuery} {
		data, err := schemasFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			loadErr = fmt.Errorf("read schema %s: %w", name, err)
			return
		}
		schema, err := compiler.Compile(data)
		if err != nil {
			loadErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		compiled[name] = schema
	}
}

// ValidationError lists why a payload does not match its schema.
type ValidationError struct {
	Schema string
	Detail string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s payload is invalid: %s", e.Schema, e.Detail)
}

// Validate checks payload against the named embedded schema.
func Validate(name string, payload []byte) error {
	once.Do(load)
	if loadErr != nil {
		return loadErr
	}
	schema, ok := compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	result := schema.ValidateJSON(payload)
	if result.IsValid() {
		return nil
	}
	return ValidationError{Schema: name, Detail: fmt.Sprintf("%v", result.Errors)}
}
