package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// schemaFor derives a tool parameter schema from an argument struct. Fields
// tagged omitempty are optional; everything else lands in required. The
// executor drops unknown argument keys after validation, so the schema must
// not reject them first.
func schemaFor(v any) json.RawMessage {
	r := jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(v)
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect parameter schema: %v", err))
	}
	return data
}
