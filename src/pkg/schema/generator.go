// Package schema generates the JSON schema of the evidence documents written per principal.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/models"
	"github.com/invopop/jsonschema"
)

// GenerateSchema creates a JSON schema from a Go struct
func GenerateSchema(v interface{}) ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	s := reflector.Reflect(v)

	jsonBytes, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return jsonBytes, nil
}

// EvidenceDocumentSchema returns the schema of models.EvidenceDocument
func EvidenceDocumentSchema() ([]byte, error) {
	return GenerateSchema(&models.EvidenceDocument{})
}
