package models

// EvidenceDocument is the JSON artifact persisted for one principal.
// Field order matches alphabetical key order so the encoded output has sorted keys.
type EvidenceDocument struct {
	Principal EvidencePrincipal `json:"principal" jsonschema:"required"`
}

type EvidencePrincipal struct {
	Name    string   `json:"name" jsonschema:"required,description=Principal identifier, e.g. user:alice@example.com"`
	Project string   `json:"project" jsonschema:"required,description=GCP project ID the policy was read from"`
	Roles   []string `json:"roles" jsonschema:"required,description=Roles held on the project in first-occurrence order"`
}

// WrittenEvidence describes one evidence file produced by a run
type WrittenEvidence struct {
	Principal string           `json:"principal"`
	Type      PrincipalType    `json:"type"`
	Path      string           `json:"path"`
	Document  EvidenceDocument `json:"-"`
}

// FilenameCollision records two principals whose sanitized identities map to the same file
type FilenameCollision struct {
	Path        string `json:"path"`
	Principal   string `json:"principal"`   // principal whose evidence now occupies the file
	Overwritten string `json:"overwritten"` // principal whose evidence was replaced
}

// WriteSummary is the outcome of writing evidence for all grouped principals
type WriteSummary struct {
	Written    []WrittenEvidence   `json:"written"`
	Skipped    []string            `json:"skipped"`
	Collisions []FilenameCollision `json:"collisions"`
}
