package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/gh-nvat/gcp-iam-evidence/src/internal/runner"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/iampolicy"
	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

const testPoliciesPath = "../../pkg/policy/testdata/policies"

type stubFetcher struct {
	bindings []models.Binding
	err      error
}

func (s *stubFetcher) FetchBindings(ctx context.Context, projectID string) ([]models.Binding, error) {
	return s.bindings, s.err
}

// useFetcher replaces the Resource Manager client for the duration of the test
func useFetcher(t *testing.T, fetcher iampolicy.Fetcher) {
	t.Helper()
	original := newFetcher
	newFetcher = func(ctx context.Context, opts *runner.Options) (iampolicy.Fetcher, func() error, error) {
		return fetcher, func() error { return nil }, nil
	}
	t.Cleanup(func() { newFetcher = original })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func hasMessage(hook *test.Hook, level logrus.Level, message string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}

func TestRootCmd_RequiredFlags(t *testing.T) {
	_, err := execute(t, "--output-dir", t.TempDir())
	assert.ErrorContains(t, err, "project-id")
	assert.Equal(t, 1, exitCode(err))

	_, err = execute(t, "--project-id", "my-project")
	assert.ErrorContains(t, err, "output-dir")
}

func TestSchemaCmd(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)

	var s map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, "object", s["type"])
}

func TestRun_Success(t *testing.T) {
	hook := test.NewGlobal()
	outputDir := t.TempDir()
	useFetcher(t, &stubFetcher{bindings: []models.Binding{
		{Role: "roles/viewer", Members: []string{"user:alice@example.com", "domain:example.com"}},
	}})

	_, err := execute(t, "--project-id", "my-project", "--output-dir", outputDir, "--enable-export-report")
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode(err))

	assert.FileExists(t, filepath.Join(outputDir, "by_principal", "user", "alice_example.com.json"))
	assert.FileExists(t, filepath.Join(outputDir, runner.REPORT_FILENAME))
	assert.True(t, hasMessage(hook, logrus.WarnLevel, "Skipping unsupported principal format: domain:example.com"))
	assert.True(t, hasMessage(hook, logrus.InfoLevel,
		fmt.Sprintf("Collected 2 principals from project my-project into %s", outputDir)))
}

func TestRun_FetchError(t *testing.T) {
	hook := test.NewGlobal()
	fetchErr := &iampolicy.FetchError{Resource: "projects/my-project", Code: codes.NotFound, Err: errors.New("project not found")}
	useFetcher(t, &stubFetcher{err: fetchErr})

	_, err := execute(t, "--project-id", "my-project", "--output-dir", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Contains(t, entry.Message, "GCP API error while collecting IAM policy: ")
	assert.Contains(t, entry.Message, "project not found")
}

func TestRun_InvalidOptions(t *testing.T) {
	useFetcher(t, &stubFetcher{})

	_, err := execute(t, "--project-id", "my-project", "--output-dir", t.TempDir(), "--fail-on-blocking")

	var result runner.Result
	require.ErrorAs(t, err, &result)
	assert.Equal(t, runner.ErrorKindConfig, result.Kind)
	assert.Equal(t, 1, exitCode(err))
}

func TestRun_PolicyEvaluation(t *testing.T) {
	bindings := []models.Binding{
		{Role: "roles/owner", Members: []string{"user:alice@example.com"}},
	}

	t.Run("blocking failure without fail-on-blocking", func(t *testing.T) {
		outputDir := t.TempDir()
		useFetcher(t, &stubFetcher{bindings: bindings})

		_, err := execute(t, "--project-id", "my-project", "--output-dir", outputDir,
			"--policies-path", testPoliciesPath, "--enable-export-report")
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(outputDir, runner.REPORT_FILENAME))
		require.NoError(t, err)
		var report models.ReportData
		require.NoError(t, json.Unmarshal(data, &report))
		require.NotNil(t, report.PolicyEvaluation)
		assert.False(t, report.PolicyEvaluation.Summary.PassingStatus.PassBlockingCheck)
	})

	t.Run("blocking failure with fail-on-blocking", func(t *testing.T) {
		useFetcher(t, &stubFetcher{bindings: bindings})

		_, err := execute(t, "--project-id", "my-project", "--output-dir", t.TempDir(),
			"--policies-path", testPoliciesPath, "--fail-on-blocking")

		var result runner.Result
		require.ErrorAs(t, err, &result)
		assert.Equal(t, runner.ErrorKindPolicy, result.Kind)
		assert.ErrorIs(t, err, runner.ErrBlockingPolicyFailed)
	})

	t.Run("missing compliance config", func(t *testing.T) {
		useFetcher(t, &stubFetcher{bindings: bindings})

		_, err := execute(t, "--project-id", "my-project", "--output-dir", t.TempDir(),
			"--policies-path", t.TempDir())

		var result runner.Result
		require.ErrorAs(t, err, &result)
		assert.Equal(t, runner.ErrorKindConfig, result.Kind)
	})
}

func TestReportResult_FilesystemMessages(t *testing.T) {
	hook := test.NewGlobal()
	opts := &runner.Options{ProjectID: "my-project", OutputDir: "/out"}

	reportResult(runner.Result{
		Kind: runner.ErrorKindFilesystem,
		Err:  &fs.PathError{Op: "open", Path: "/out/by_principal", Err: fs.ErrPermission},
	}, opts)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "Filesystem permission error writing evidence: ")

	reportResult(runner.Result{
		Kind: runner.ErrorKindFilesystem,
		Err:  &fs.PathError{Op: "write", Path: "/out/by_principal/user/a.json", Err: errors.New("no space left on device")},
	}, opts)
	assert.Contains(t, hook.LastEntry().Message, "I/O error writing evidence: ")
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(runner.Result{Kind: runner.ErrorKindFetch}))
	assert.Equal(t, 1, exitCode(errors.New("unknown flag: --nope")))
}
