package evidence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/models"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "evidence")

const (
	BY_PRINCIPAL_DIR_NAME = "by_principal"
	JSON_INDENT           = "  "
)

// Expected output structure:
// - <outputDir>/
// |-- <BY_PRINCIPAL_DIR_NAME>/
// |   |-- user/<sanitized identity>.json
// |   |-- group/<sanitized identity>.json
// |   |-- serviceAccount/<sanitized identity>.json

// EvidenceWriter defines the interface for persisting grouped principal roles
type EvidenceWriter interface {
	// EnsureDirectories creates the by_principal tree with one directory per supported type
	EnsureDirectories() error
	// Write writes one evidence document per supported principal
	Write(grouped *models.PrincipalRoles) (*models.WriteSummary, error)
}

// Writer writes evidence documents for one project under an output directory
type Writer struct {
	OutputDir string
	ProjectID string
}

// Ensure Writer implements EvidenceWriter
var _ EvidenceWriter = (*Writer)(nil)

func NewWriter(outputDir, projectID string) *Writer {
	return &Writer{
		OutputDir: outputDir,
		ProjectID: projectID,
	}
}

// WriteEvidenceFiles writes evidence for every supported principal in grouped
func WriteEvidenceFiles(outputDir, projectID string, grouped *models.PrincipalRoles) (*models.WriteSummary, error) {
	return NewWriter(outputDir, projectID).Write(grouped)
}

// BaseDir is the root of the per-principal evidence tree
func (w *Writer) BaseDir() string {
	return filepath.Join(w.OutputDir, BY_PRINCIPAL_DIR_NAME)
}

// PathFor returns the evidence file path for a principal, or ErrUnsupportedPrincipal
func (w *Writer) PathFor(principal string) (models.PrincipalType, string, error) {
	principalType, identity, err := SplitPrincipal(principal)
	if err != nil {
		return "", "", err
	}
	return principalType, filepath.Join(w.BaseDir(), string(principalType), EvidenceFilename(identity)), nil
}

func (w *Writer) EnsureDirectories() error {
	for _, principalType := range models.SupportedPrincipalTypes {
		dir := filepath.Join(w.BaseDir(), string(principalType))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create evidence directory %s: %w", dir, err)
		}
	}
	return nil
}

// Write creates the directory tree, then writes one document per supported principal in mapping order.
// Unsupported principals are logged and skipped. The first filesystem error aborts the run,
// files written before it stay on disk.
func (w *Writer) Write(grouped *models.PrincipalRoles) (*models.WriteSummary, error) {
	logger.WithField("baseDir", w.BaseDir()).Info("Write: starting...")

	if err := w.EnsureDirectories(); err != nil {
		return nil, err
	}

	summary := &models.WriteSummary{
		Written:    []models.WrittenEvidence{},
		Skipped:    []string{},
		Collisions: []models.FilenameCollision{},
	}
	// path -> index in summary.Written of the evidence currently on disk
	owners := make(map[string]int)

	err := grouped.Each(func(principal string, roles []string) error {
		principalType, path, err := w.PathFor(principal)
		if errors.Is(err, ErrUnsupportedPrincipal) {
			logger.Warnf("Skipping unsupported principal format: %s", principal)
			summary.Skipped = append(summary.Skipped, principal)
			return nil
		}
		if err != nil {
			return err
		}

		idx, collides := owners[path]
		if collides {
			previous := summary.Written[idx].Principal
			logger.WithField("path", path).WithField("overwritten", previous).
				Warnf("Evidence file collision: %s overwrites evidence of %s", principal, previous)
			summary.Collisions = append(summary.Collisions, models.FilenameCollision{
				Path:        path,
				Principal:   principal,
				Overwritten: previous,
			})
		}

		doc := w.newDocument(principal, roles)
		if err := writeDocument(path, doc); err != nil {
			logger.WithField("filePath", path).WithField("error", err).Error("Failed to write evidence file")
			return err
		}

		logger.WithField("filePath", path).Debug("Written evidence file")
		written := models.WrittenEvidence{
			Principal: principal,
			Type:      principalType,
			Path:      path,
			Document:  doc,
		}
		// the overwritten principal has no evidence left on disk
		if collides {
			summary.Written[idx] = written
			return nil
		}
		owners[path] = len(summary.Written)
		summary.Written = append(summary.Written, written)
		return nil
	})
	if err != nil {
		return summary, err
	}

	logger.WithField("written", len(summary.Written)).WithField("skipped", len(summary.Skipped)).Info("Write: done.")
	return summary, nil
}

func (w *Writer) newDocument(principal string, roles []string) models.EvidenceDocument {
	roles = slices.Clone(roles)
	if roles == nil {
		roles = []string{}
	}
	return models.EvidenceDocument{
		Principal: models.EvidencePrincipal{
			Name:    principal,
			Project: w.ProjectID,
			Roles:   roles,
		},
	}
}

// MarshalDocument encodes a document with 2-space indentation and sorted keys.
// Characters such as '&' are kept literal, identities are not HTML.
func MarshalDocument(doc models.EvidenceDocument) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", JSON_INDENT)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func writeDocument(path string, doc models.EvidenceDocument) error {
	data, err := MarshalDocument(doc)
	if err != nil {
		return fmt.Errorf("failed to encode evidence document: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write evidence file: %w", err)
	}
	return nil
}
