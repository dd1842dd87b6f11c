package runner

import "github.com/gh-nvat/gcp-iam-evidence/src/pkg/models"

type RunnerInterface interface {
	// Initialize the runner, loading policies if configured
	Initialize() error

	// Fetch the project IAM policy bindings
	FetchBindings() ([]models.Binding, error)

	// Write one evidence document per supported principal
	WriteEvidence(grouped *models.PrincipalRoles) (*models.WriteSummary, error)

	// Main routine to process the runner
	Process() Result

	// Handling the export
	Output(data *models.ReportData) error
}
