package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/evidence"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/grouping"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/iampolicy"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/models"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/policy"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/trace"
	"go.opentelemetry.io/otel/attribute"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "runner")

const (
	REPORT_FILENAME = "report.json"
)

var (
	// ErrBlockingPolicyFailed indicates at least one BLOCK level policy failed for some principal
	ErrBlockingPolicyFailed = errors.New("blocking compliance policy failed")
)

type Runner struct {
	Context context.Context
	Options *Options

	Fetcher   iampolicy.Fetcher
	Writer    evidence.EvidenceWriter
	Evaluator policy.PolicyEvaluatorInterface // nil when no policies are configured
}

// make Runner implement RunnerInterface
var _ RunnerInterface = (*Runner)(nil)

func NewRunner(
	ctx context.Context,
	options *Options,
	fetcher iampolicy.Fetcher,
	writer evidence.EvidenceWriter,
	evaluator policy.PolicyEvaluatorInterface,
) (*Runner, error) {
	if options == nil {
		return nil, fmt.Errorf("options are required")
	}
	runner := &Runner{
		Context:   ctx,
		Options:   options,
		Fetcher:   fetcher,
		Writer:    writer,
		Evaluator: evaluator,
	}
	return runner, nil
}

func (r *Runner) Initialize() error {
	logger.Info("Initializing runner: starting...")

	if r.Fetcher == nil || r.Writer == nil {
		return fmt.Errorf("fetcher and writer are required")
	}

	if r.Evaluator != nil {
		logger.Info("Initialize runner: Evaluator: Loading and validating policy configuration")
		if err := r.Evaluator.LoadAndValidate(r.Context); err != nil {
			return fmt.Errorf("failed to load policy config: %w", err)
		}
	}

	logger.Info("Initialize runner: done.")
	return nil
}

func (r *Runner) FetchBindings() ([]models.Binding, error) {
	ctx, span := trace.StartSpan(r.Context, "FetchBindings", attribute.String("projectId", r.Options.ProjectID))
	defer span.End()

	return r.Fetcher.FetchBindings(ctx, r.Options.ProjectID)
}

func (r *Runner) GroupBindings(bindings []models.Binding) *models.PrincipalRoles {
	_, span := trace.StartSpan(r.Context, "GroupBindings")
	defer span.End()

	return grouping.GroupBindingsByPrincipal(bindings)
}

func (r *Runner) WriteEvidence(grouped *models.PrincipalRoles) (*models.WriteSummary, error) {
	_, span := trace.StartSpan(r.Context, "WriteEvidence")
	defer span.End()

	return r.Writer.Write(grouped)
}

// EvaluatePolicies evaluates the written evidence, returns nil when no policies are configured
func (r *Runner) EvaluatePolicies(summary *models.WriteSummary) (*models.PolicyEvaluation, error) {
	if r.Evaluator == nil {
		logger.Info("EvaluatePolicies: no policies configured")
		return nil, nil
	}
	ctx, span := trace.StartSpan(r.Context, "EvaluatePolicies")
	defer span.End()

	return r.Evaluator.EvaluateEvidence(ctx, summary.Written)
}

// Process runs fetch -> group -> write -> evaluate -> output, stopping at the first failure
func (r *Runner) Process() Result {
	_, span := trace.StartSpan(r.Context, "Process")
	defer span.End()
	logger.Info("Process: starting...")

	bindings, err := r.FetchBindings()
	if err != nil {
		return failure(ErrorKindFetch, err)
	}
	logger.WithField("bindings", len(bindings)).Debug("Fetched bindings")

	grouped := r.GroupBindings(bindings)

	summary, err := r.WriteEvidence(grouped)
	if err != nil {
		result := failure(ErrorKindFilesystem, err)
		result.PrincipalCount = grouped.Len()
		return result
	}

	evaluation, err := r.EvaluatePolicies(summary)
	if err != nil {
		return failure(ErrorKindPolicy, err)
	}

	reportData := models.ReportData{
		ProjectID:        r.Options.ProjectID,
		OutputDir:        r.Options.OutputDir,
		Timestamp:        time.Now(),
		PrincipalCount:   grouped.Len(),
		Grouped:          grouped,
		Evidence:         *summary,
		PolicyEvaluation: evaluation,
	}
	if err := r.Output(&reportData); err != nil {
		return failure(ErrorKindFilesystem, err)
	}

	result := Result{
		PrincipalCount: grouped.Len(),
		WrittenCount:   len(summary.Written),
		SkippedCount:   len(summary.Skipped),
	}
	if r.Options.FailOnBlocking && evaluation != nil && !evaluation.Summary.PassingStatus.PassBlockingCheck {
		result.Kind = ErrorKindPolicy
		result.Err = fmt.Errorf("%w: %d failed evaluations", ErrBlockingPolicyFailed, evaluation.Summary.PolicyCounts.BlockingFailedCount)
	}

	logger.Info("Process: done.")
	return result
}

func (r *Runner) Output(data *models.ReportData) error {
	_, span := trace.StartSpan(r.Context, "Output")
	defer span.End()

	logger.Info("Output: starting...")
	if err := r.outputReportJson(data); err != nil {
		return err
	}
	logger.Info("Output: done.")
	return nil
}

// Exporting report json file to output directory if enabled
func (r *Runner) outputReportJson(data *models.ReportData) error {
	if !r.Options.EnableExportReport {
		logger.Info("OutputJson: option was disabled")
		return nil
	}
	logger.Info("OutputJson: starting...")

	if err := os.MkdirAll(r.Options.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	resultsJson, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	filePath := filepath.Join(r.Options.OutputDir, REPORT_FILENAME)
	if err := os.WriteFile(filePath, resultsJson, 0644); err != nil {
		logger.WithField("filePath", filePath).WithField("error", err).Error("Failed to write report data to file")
		return err
	}
	logger.WithField("filePath", filePath).Info("Written report data to file")
	return nil
}
