package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvidenceDocumentSchema(t *testing.T) {
	data, err := EvidenceDocumentSchema()
	require.NoError(t, err)

	var s map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &s))

	assert.Equal(t, "object", s["type"])
	assert.Contains(t, s["required"], "principal")

	properties, ok := s["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, properties, "principal")

	// nested struct lives in $defs
	assert.Contains(t, string(data), `"roles"`)
	assert.Contains(t, string(data), `"project"`)
}
