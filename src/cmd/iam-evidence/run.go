package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/gh-nvat/gcp-iam-evidence/src/internal/runner"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/evidence"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/iampolicy"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/policy"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/trace"
	log "github.com/sirupsen/logrus"
)

var logger *log.Entry = log.WithFields(log.Fields{
	"package": "run",
})

const SERVICE_NAME = "iam-evidence"

// newFetcher opens the Resource Manager client, replaced in tests
var newFetcher = func(ctx context.Context, opts *runner.Options) (iampolicy.Fetcher, func() error, error) {
	client, err := iampolicy.NewClient(ctx, opts.ClientOptions()...)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// createRunner wires the fetcher, writer and optional policy evaluator
func createRunner(ctx context.Context, opts *runner.Options, fetcher iampolicy.Fetcher) (*runner.Runner, error) {
	logger.WithField("opts", opts).Debug("Creating runner..")

	writer := evidence.NewWriter(opts.OutputDir, opts.ProjectID)

	var evaluator policy.PolicyEvaluatorInterface
	if opts.PolicyEvaluationEnabled() {
		evaluator = policy.NewPolicyEvaluator(opts.PoliciesPath)
	}

	r, err := runner.NewRunner(ctx, opts, fetcher, writer, evaluator)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}
	if err := r.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize runner: %w", err)
	}
	return r, nil
}

func run(ctx context.Context, opts *runner.Options) runner.Result {
	if opts.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger.WithField("opts", opts).Info("Running..")

	// Validate options
	if err := validateOptions(opts); err != nil {
		return runner.Result{Kind: runner.ErrorKindConfig, Err: fmt.Errorf("invalid options: %w", err)}
	}

	// Initialize tracer
	shutdown, err := trace.InitTracer(SERVICE_NAME, opts.EnableExportPerformanceReport, opts.OutputDir)
	if err != nil {
		return runner.Result{Kind: runner.ErrorKindFilesystem, Err: fmt.Errorf("failed to initialize tracer: %w", err)}
	}
	defer shutdown()

	fetcher, closeFetcher, err := newFetcher(ctx, opts)
	if err != nil {
		return runner.Result{Kind: runner.ErrorKindFetch, Err: fmt.Errorf("failed to create client: %w", err)}
	}
	defer func() {
		if err := closeFetcher(); err != nil {
			logger.WithField("error", err).Warn("Failed to close client")
		}
	}()

	appRunner, err := createRunner(ctx, opts, fetcher)
	if err != nil {
		return runner.Result{Kind: runner.ErrorKindConfig, Err: err}
	}

	return appRunner.Process()
}

func validateOptions(opts *runner.Options) error {
	return opts.Validate()
}

// reportResult writes the final log line of a run
func reportResult(result runner.Result, opts *runner.Options) {
	switch result.Kind {
	case runner.ErrorKindNone:
		logger.Infof("Collected %d principals from project %s into %s", result.PrincipalCount, opts.ProjectID, opts.OutputDir)
	case runner.ErrorKindFetch:
		logger.Errorf("GCP API error while collecting IAM policy: %v", result.Err)
	case runner.ErrorKindFilesystem:
		if errors.Is(result.Err, fs.ErrPermission) {
			logger.Errorf("Filesystem permission error writing evidence: %v", result.Err)
		} else {
			logger.Errorf("I/O error writing evidence: %v", result.Err)
		}
	case runner.ErrorKindConfig:
		logger.Errorf("Invalid configuration: %v", result.Err)
	case runner.ErrorKindPolicy:
		logger.Errorf("Compliance policy evaluation failed: %v", result.Err)
	default:
		logger.Errorf("Run failed: %v", result)
	}
}
