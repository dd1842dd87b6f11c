package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/evidence"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/iampolicy"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

const testProjectID = "ecommerce-microservices-488523"

type fakeFetcher struct {
	bindings []models.Binding
	err      error

	calledWith string
}

func (f *fakeFetcher) FetchBindings(ctx context.Context, projectID string) ([]models.Binding, error) {
	f.calledWith = projectID
	return f.bindings, f.err
}

type fakeEvaluator struct {
	loadErr    error
	evaluation *models.PolicyEvaluation
	evalErr    error

	evaluated []models.WrittenEvidence
}

func (f *fakeEvaluator) LoadAndValidate(ctx context.Context) error {
	return f.loadErr
}

func (f *fakeEvaluator) EvaluateEvidence(ctx context.Context, written []models.WrittenEvidence) (*models.PolicyEvaluation, error) {
	f.evaluated = written
	return f.evaluation, f.evalErr
}

func testBindings() []models.Binding {
	return []models.Binding{
		{Role: "roles/owner", Members: []string{"user:alice@example.com"}},
		{Role: "roles/viewer", Members: []string{"user:alice@example.com", "group:devs@example.com"}},
		{Role: "roles/editor", Members: []string{"serviceAccount:ci@" + testProjectID + ".iam.gserviceaccount.com", "domain:example.com"}},
	}
}

func newTestRunner(t *testing.T, opts *Options, fetcher iampolicy.Fetcher, evaluator *fakeEvaluator) *Runner {
	t.Helper()
	var r *Runner
	var err error
	// keep the interface nil when no evaluator is given
	if evaluator == nil {
		r, err = NewRunner(context.Background(), opts, fetcher, evidence.NewWriter(opts.OutputDir, opts.ProjectID), nil)
	} else {
		r, err = NewRunner(context.Background(), opts, fetcher, evidence.NewWriter(opts.OutputDir, opts.ProjectID), evaluator)
	}
	require.NoError(t, err)
	require.NoError(t, r.Initialize())
	return r
}

func TestProcess_Success(t *testing.T) {
	opts := &Options{ProjectID: testProjectID, OutputDir: t.TempDir()}
	fetcher := &fakeFetcher{bindings: testBindings()}
	r := newTestRunner(t, opts, fetcher, nil)

	result := r.Process()

	require.True(t, result.OK(), result.Error())
	assert.Equal(t, 0, result.ExitCode())
	assert.Equal(t, testProjectID, fetcher.calledWith)
	assert.Equal(t, 4, result.PrincipalCount)
	assert.Equal(t, 3, result.WrittenCount)
	assert.Equal(t, 1, result.SkippedCount)

	for _, rel := range []string{
		"by_principal/user/alice_example.com.json",
		"by_principal/group/devs_example.com.json",
		"by_principal/serviceAccount/ci_" + testProjectID + ".iam.gserviceaccount.com.json",
	} {
		assert.FileExists(t, filepath.Join(opts.OutputDir, filepath.FromSlash(rel)))
	}
	assert.NoFileExists(t, filepath.Join(opts.OutputDir, REPORT_FILENAME))
}

func TestProcess_EmptyPolicyCreatesDirectories(t *testing.T) {
	opts := &Options{ProjectID: testProjectID, OutputDir: t.TempDir()}
	r := newTestRunner(t, opts, &fakeFetcher{}, nil)

	result := r.Process()

	require.True(t, result.OK())
	assert.Equal(t, 0, result.PrincipalCount)
	for _, dir := range []string{"user", "group", "serviceAccount"} {
		assert.DirExists(t, filepath.Join(opts.OutputDir, "by_principal", dir))
	}
}

func TestProcess_FetchError(t *testing.T) {
	opts := &Options{ProjectID: testProjectID, OutputDir: t.TempDir()}
	fetchErr := &iampolicy.FetchError{
		Resource: "projects/" + testProjectID,
		Code:     codes.PermissionDenied,
		Err:      errors.New("caller does not have permission"),
	}
	r := newTestRunner(t, opts, &fakeFetcher{err: fetchErr}, nil)

	result := r.Process()

	assert.Equal(t, ErrorKindFetch, result.Kind)
	assert.Equal(t, 1, result.ExitCode())
	var target *iampolicy.FetchError
	require.ErrorAs(t, result, &target)
	assert.Equal(t, codes.PermissionDenied, target.Code)

	// nothing is written when the fetch fails
	_, err := os.Stat(filepath.Join(opts.OutputDir, "by_principal"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcess_FilesystemError(t *testing.T) {
	opts := &Options{ProjectID: testProjectID, OutputDir: t.TempDir()}
	// a regular file where the evidence tree should be
	require.NoError(t, os.WriteFile(filepath.Join(opts.OutputDir, "by_principal"), []byte("x"), 0644))
	r := newTestRunner(t, opts, &fakeFetcher{bindings: testBindings()}, nil)

	result := r.Process()

	assert.Equal(t, ErrorKindFilesystem, result.Kind)
	assert.Equal(t, 1, result.ExitCode())
	assert.Error(t, result.Err)
}

func TestProcess_ExportReport(t *testing.T) {
	opts := &Options{ProjectID: testProjectID, OutputDir: t.TempDir(), EnableExportReport: true}
	r := newTestRunner(t, opts, &fakeFetcher{bindings: testBindings()}, nil)

	result := r.Process()
	require.True(t, result.OK())

	data, err := os.ReadFile(filepath.Join(opts.OutputDir, REPORT_FILENAME))
	require.NoError(t, err)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, testProjectID, report["projectId"])
	assert.EqualValues(t, 4, report["principalCount"])
	assert.Nil(t, report["policyEvaluation"])
}

func TestInitialize_EvaluatorLoadError(t *testing.T) {
	opts := &Options{ProjectID: testProjectID, OutputDir: t.TempDir(), PoliciesPath: "policies"}
	evaluator := &fakeEvaluator{loadErr: errors.New("compliance-config.yaml not found")}
	r, err := NewRunner(context.Background(), opts, &fakeFetcher{}, evidence.NewWriter(opts.OutputDir, opts.ProjectID), evaluator)
	require.NoError(t, err)

	err = r.Initialize()
	assert.ErrorContains(t, err, "failed to load policy config")
}

func TestInitialize_MissingDependencies(t *testing.T) {
	r, err := NewRunner(context.Background(), &Options{}, nil, nil, nil)
	require.NoError(t, err)
	assert.Error(t, r.Initialize())

	_, err = NewRunner(context.Background(), nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestProcess_PolicyEvaluation(t *testing.T) {
	failing := &models.PolicyEvaluation{
		Summary: models.PolicySummary{
			PassingStatus: models.EnforcementPassingStatus{PassBlockingCheck: false, PassWarningCheck: true, PassRecommendCheck: true},
			PolicyCounts:  models.PolicyCounts{BlockingFailedCount: 1},
		},
	}
	passing := &models.PolicyEvaluation{
		Summary: models.PolicySummary{
			PassingStatus: models.EnforcementPassingStatus{PassBlockingCheck: true, PassWarningCheck: true, PassRecommendCheck: true},
		},
	}

	tests := []struct {
		name           string
		failOnBlocking bool
		evaluation     *models.PolicyEvaluation
		evalErr        error
		expectedKind   ErrorKind
	}{
		{name: "passing", failOnBlocking: true, evaluation: passing, expectedKind: ErrorKindNone},
		{name: "blocking failure is reported only", failOnBlocking: false, evaluation: failing, expectedKind: ErrorKindNone},
		{name: "blocking failure fails the run", failOnBlocking: true, evaluation: failing, expectedKind: ErrorKindPolicy},
		{name: "evaluation error", evalErr: errors.New("rego eval failed"), expectedKind: ErrorKindPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &Options{
				ProjectID:      testProjectID,
				OutputDir:      t.TempDir(),
				PoliciesPath:   "policies",
				FailOnBlocking: tt.failOnBlocking,
			}
			evaluator := &fakeEvaluator{evaluation: tt.evaluation, evalErr: tt.evalErr}
			r := newTestRunner(t, opts, &fakeFetcher{bindings: testBindings()}, evaluator)

			result := r.Process()

			assert.Equal(t, tt.expectedKind, result.Kind)
			// evidence is written before evaluation regardless of the outcome
			assert.Len(t, evaluator.evaluated, 3)
			if tt.failOnBlocking && tt.evaluation == failing {
				assert.ErrorIs(t, result, ErrBlockingPolicyFailed)
			}
		})
	}
}
