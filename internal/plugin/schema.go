package plugin

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonschema"

	"warden/internal/domain"
)

// MetadataSchema returns the JSON Schema (draft 2020-12) that every
// plugin_metadata document must satisfy.
func MetadataSchema() ([]byte, error) {
	r := invopop.Reflector{
		ExpandedStruct:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
		Mapper:                     enumMapper,
	}
	s := r.Reflect(&domain.PluginMetadata{})
	s.Title = "warden plugin metadata"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata schema: %w", err)
	}
	return data, nil
}

func enumMapper(t reflect.Type) *invopop.Schema {
	switch t {
	case reflect.TypeFor[domain.PluginType]():
		return enumSchema(domain.PluginTypes)
	case reflect.TypeFor[domain.Capability]():
		return enumSchema(domain.Capabilities)
	}
	return nil
}

func enumSchema[T ~string](values []T) *invopop.Schema {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = string(v)
	}
	return &invopop.Schema{Type: "string", Enum: enum}
}

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compiledErr    error
)

func metadataValidator() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		raw, err := MetadataSchema()
		if err != nil {
			compiledErr = err
			return
		}
		compiledSchema, compiledErr = jsonschema.NewCompiler().Compile(raw)
	})
	return compiledSchema, compiledErr
}

// ParseMetadata decodes and validates a plugin_metadata document. Any
// failure is ErrInvalidMetadata.
func ParseMetadata(raw []byte) (domain.PluginMetadata, error) {
	const op = "ParseMetadata"

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.PluginMetadata{}, domain.NewDomainError(op, domain.ErrInvalidMetadata, err.Error())
	}

	schema, err := metadataValidator()
	if err != nil {
		return domain.PluginMetadata{}, domain.NewDomainError(op, domain.ErrInvalidMetadata, fmt.Sprintf("schema: %v", err))
	}
	if result := schema.Validate(doc); !result.IsValid() {
		return domain.PluginMetadata{}, domain.NewDomainError(op, domain.ErrInvalidMetadata, result.Error())
	}

	var md domain.PluginMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return domain.PluginMetadata{}, domain.NewDomainError(op, domain.ErrInvalidMetadata, err.Error())
	}
	return md, nil
}
