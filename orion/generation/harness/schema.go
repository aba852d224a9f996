package harness

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects T into an inline JSON schema object. Fields are
// required only when tagged `jsonschema:"required"`.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	data, err := reflector.Reflect(v).MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// SchemaBytes is GenerateSchema encoded for a ToolSpec.
func SchemaBytes[T any]() []byte {
	data, err := json.Marshal(GenerateSchema[T]())
	if err != nil {
		panic(err)
	}
	return data
}
