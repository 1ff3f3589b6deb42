package blacklist

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema for rule list files.
func Schema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.ExpandedStruct = true
	s := r.Reflect(&File{})
	s.ID = "https://github.com/breeze-rmm/gpuhost/rule-list.schema.json"
	s.Title = "GPU rule list"
	s.Description = "Feature blacklist or driver bug workaround list evaluated against the detected GPU"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("blacklist: marshal schema: %w", err)
	}
	return data, nil
}
