package iampolicy

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/iam/apiv1/iampb"
	resourcemanager "cloud.google.com/go/resourcemanager/apiv3"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/models"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "iampolicy")

const (
	PROJECT_RESOURCE_PREFIX = "projects/"

	// version 3 returns conditional bindings instead of rejecting the request
	REQUESTED_POLICY_VERSION = 3
)

var (
	// ErrMalformedPolicy indicates a policy document that does not have the expected shape
	ErrMalformedPolicy = errors.New("malformed IAM policy")
)

// FetchError is returned for any failure of the remote GetIamPolicy call
type FetchError struct {
	Resource string
	Code     codes.Code
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to get IAM policy for %s (%s): %v", e.Resource, e.Code, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher defines the interface for reading the bindings of a project IAM policy
type Fetcher interface {
	FetchBindings(ctx context.Context, projectID string) ([]models.Binding, error)
}

// PolicyGetter is the subset of the Resource Manager projects client used by Client
type PolicyGetter interface {
	GetIamPolicy(ctx context.Context, req *iampb.GetIamPolicyRequest) (*iampb.Policy, error)
}

// Client fetches project IAM policies from Cloud Resource Manager
type Client struct {
	getter PolicyGetter
	close  func() error
}

// Ensure Client implements Fetcher
var _ Fetcher = (*Client)(nil)

// projectsClient adapts the generated client, whose call options this package never sets
type projectsClient struct {
	c *resourcemanager.ProjectsClient
}

func (p *projectsClient) GetIamPolicy(ctx context.Context, req *iampb.GetIamPolicyRequest) (*iampb.Policy, error) {
	return p.c.GetIamPolicy(ctx, req)
}

// NewClient creates a Resource Manager client. Credentials come from the environment
// (Application Default Credentials) unless opts say otherwise.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	c, err := resourcemanager.NewProjectsClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager client: %w", err)
	}
	return &Client{
		getter: &projectsClient{c: c},
		close:  c.Close,
	}, nil
}

// NewClientWithGetter creates a Client on top of an existing policy getter
func NewClientWithGetter(getter PolicyGetter) *Client {
	return &Client{getter: getter}
}

func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// ProjectResource returns the resource name of a project, e.g. "projects/my-project"
func ProjectResource(projectID string) string {
	return PROJECT_RESOURCE_PREFIX + projectID
}

// FetchBindings issues a single GetIamPolicy request for the project and returns its bindings in policy order.
// No retry is done here; whatever the client library does is all there is.
func (c *Client) FetchBindings(ctx context.Context, projectID string) ([]models.Binding, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	resource := ProjectResource(projectID)
	logger.WithField("resource", resource).Info("FetchBindings: starting...")

	policy, err := c.getter.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{
		Resource: resource,
		Options: &iampb.GetPolicyOptions{
			RequestedPolicyVersion: REQUESTED_POLICY_VERSION,
		},
	})
	if err != nil {
		return nil, &FetchError{
			Resource: resource,
			Code:     status.Code(err),
			Err:      err,
		}
	}

	bindings, err := ConvertBindings(policy)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", resource, err)
	}

	logger.WithField("resource", resource).WithField("bindings", len(bindings)).
		WithField("version", policy.GetVersion()).Info("FetchBindings: done.")
	return bindings, nil
}

// ConvertBindings validates the policy shape and converts it into models.Binding values.
// Nil bindings are dropped, a binding without a role is rejected.
func ConvertBindings(policy *iampb.Policy) ([]models.Binding, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedPolicy)
	}

	bindings := make([]models.Binding, 0, len(policy.GetBindings()))
	for i, b := range policy.GetBindings() {
		if b == nil {
			logger.WithField("index", i).Debug("Dropping nil binding")
			continue
		}
		if b.GetRole() == "" {
			return nil, fmt.Errorf("%w: binding %d has no role", ErrMalformedPolicy, i)
		}
		if b.GetCondition() != nil {
			logger.WithField("role", b.GetRole()).WithField("condition", b.GetCondition().GetTitle()).
				Debug("Binding is conditional, condition is not part of the evidence")
		}
		members := make([]string, len(b.GetMembers()))
		copy(members, b.GetMembers())
		bindings = append(bindings, models.Binding{
			Role:    b.GetRole(),
			Members: members,
		})
	}
	return bindings, nil
}
