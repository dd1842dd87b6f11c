package evidence

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/models"
)

const (
	FALLBACK_FILENAME_TOKEN = "unknown_principal"
	EVIDENCE_FILE_EXTENSION = ".json"
)

var (
	// ErrUnsupportedPrincipal indicates a principal without a supported type prefix
	ErrUnsupportedPrincipal = errors.New("unsupported principal format")

	invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	repeatedDots         = regexp.MustCompile(`\.{2,}`)
)

// SplitPrincipal splits "type:identity" on the first ':'.
// Principals with no ':' or with a type outside models.SupportedPrincipalTypes yield ErrUnsupportedPrincipal.
func SplitPrincipal(principal string) (models.PrincipalType, string, error) {
	prefix, identity, found := strings.Cut(principal, ":")
	if !found {
		return "", principal, fmt.Errorf("%w: %s", ErrUnsupportedPrincipal, principal)
	}

	principalType := models.PrincipalType(prefix)
	if !principalType.IsSupported() {
		return "", identity, fmt.Errorf("%w: %s", ErrUnsupportedPrincipal, principal)
	}
	return principalType, identity, nil
}

// SanitizePrincipal turns an identity into a single safe path component.
// Runs of characters outside [A-Za-z0-9._-] become one '_', runs of '.' collapse to one,
// and leading/trailing '.' and '_' are trimmed. The result is never empty, never
// contains "..", and applying it twice gives the same result as applying it once.
func SanitizePrincipal(identity string) string {
	cleaned := invalidFilenameChars.ReplaceAllString(strings.TrimSpace(identity), "_")
	cleaned = repeatedDots.ReplaceAllString(cleaned, ".")
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		return FALLBACK_FILENAME_TOKEN
	}
	return cleaned
}

// EvidenceFilename returns the file name evidence for identity is written to
func EvidenceFilename(identity string) string {
	return SanitizePrincipal(identity) + EVIDENCE_FILE_EXTENSION
}
