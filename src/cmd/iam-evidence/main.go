package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gh-nvat/gcp-iam-evidence/src/internal/runner"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/schema"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

// exitCode maps the command error to the process exit code
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var result runner.Result
	if errors.As(err, &result) {
		return result.ExitCode()
	}
	fmt.Fprintln(os.Stderr, err)
	return 1
}

// newRootCmd creates the root command, parse args from CLI
func newRootCmd() *cobra.Command {
	opts := &runner.Options{}

	cmd := &cobra.Command{
		Use:   "iam-evidence",
		Short: "Collect per-principal IAM evidence from a GCP project",
		Long: `iam-evidence reads the IAM policy of a GCP project, groups the role bindings by principal
and writes one JSON evidence document per user, group and service account.
Optionally it evaluates OPA compliance policies against every evidence document.`,
		Version:       fmt.Sprintf("%s (built: %s)", Version, BuildTime),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := run(cmd.Context(), opts)
			reportResult(result, opts)
			if !result.OK() {
				return result
			}
			return nil
		},
	}

	// Collection target
	cmd.Flags().StringVar(&opts.ProjectID, "project-id", "", "GCP project id whose IAM policy is collected (required)")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "",
		"Output directory, evidence is written under <output-dir>/by_principal (required)")

	// Compliance policies
	cmd.Flags().StringVar(&opts.PoliciesPath, "policies-path", "",
		"Path to policies directory (contains compliance-config.yaml), evaluation is skipped when empty")
	cmd.Flags().BoolVar(&opts.FailOnBlocking, "fail-on-blocking", false, "Fail the run when a BLOCK level policy fails")

	// Exports
	cmd.Flags().BoolVar(&opts.EnableExportReport, "enable-export-report", false, "Enable export report (json file to output dir)")
	cmd.Flags().BoolVar(&opts.EnableExportPerformanceReport, "enable-export-performance-report", false, "Enable export performance report (json file to output dir)")

	// Client
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "Override the Cloud Resource Manager endpoint (host:port)")
	cmd.Flags().StringVar(&opts.QuotaProject, "quota-project", "", "Project billed for the Cloud Resource Manager quota")

	cmd.Flags().BoolVar(&opts.Debug, "debug", false, "Debug mode")

	// Mark required flags
	_ = cmd.MarkFlagRequired("project-id")
	_ = cmd.MarkFlagRequired("output-dir")

	cmd.AddCommand(newSchemaCmd())

	return cmd
}

// newSchemaCmd prints the JSON schema of the evidence document
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the evidence document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.EvidenceDocumentSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}
