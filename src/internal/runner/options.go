package runner

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"google.golang.org/api/option"
)

// validate is a package-level singleton, building a validator is expensive
var validate = validator.New()

type Options struct {
	Debug bool // Debug mode

	// Collection target
	ProjectID string `validate:"required,excludesall=/"`
	OutputDir string `validate:"required"`

	// Compliance policies evaluated against each evidence document (optional)
	PoliciesPath   string
	FailOnBlocking bool // Fail the run if a BLOCK level policy fails

	// Exports
	EnableExportReport            bool
	EnableExportPerformanceReport bool

	// Resource Manager client options; credentials always come from the environment
	Endpoint     string `validate:"omitempty,hostname_port"`
	QuotaProject string `validate:"omitempty,excludesall=/"`
}

// Validate checks the option values against their constraints
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("options validation failed: %w", err)
	}
	if o.FailOnBlocking && o.PoliciesPath == "" {
		return fmt.Errorf("--fail-on-blocking requires --policies-path")
	}
	return nil
}

// PolicyEvaluationEnabled returns true if compliance policies were configured
func (o *Options) PolicyEvaluationEnabled() bool {
	return o.PoliciesPath != ""
}

// ClientOptions returns the Resource Manager client options derived from the flags
func (o *Options) ClientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if o.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.Endpoint))
	}
	if o.QuotaProject != "" {
		opts = append(opts, option.WithQuotaProject(o.QuotaProject))
	}
	return opts
}
