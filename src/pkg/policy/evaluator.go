package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gh-nvat/gcp-iam-evidence/src/pkg/models"
	"github.com/open-policy-agent/opa/rego"
	"gopkg.in/yaml.v3"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "policy")

const (
	COMPLIANCE_CONFIG_FILENAME = "compliance-config.yaml"
	POLICY_TYPE_OPA            = "opa"
	DENY_QUERY                 = "data.main.deny"
)

const (
	POLICY_LEVEL_RECOMMEND     = "RECOMMEND"
	POLICY_LEVEL_WARNING       = "WARNING"
	POLICY_LEVEL_BLOCK         = "BLOCK"
	POLICY_LEVEL_NOT_IN_EFFECT = "NOT_IN_EFFECT"
	POLICY_LEVEL_UNKNOWN       = ""
)

type PolicyEvaluatorInterface interface {
	LoadAndValidate(ctx context.Context) error
	EvaluateEvidence(ctx context.Context, evidence []models.WrittenEvidence) (*models.PolicyEvaluation, error)
}

type EvaluatorData struct {
	models.ComplianceConfig

	// map policy id to full path to policy file
	fullPathToPolicy map[string]string
	// map policy id to prepared deny query
	preparedQueries map[string]rego.PreparedEvalQuery
}

type PolicyEvaluator struct {
	policiesPath string
	data         EvaluatorData

	// now is replaced in tests
	now func() time.Time
}

// Ensure PolicyEvaluator implements PolicyEvaluatorInterface
var _ PolicyEvaluatorInterface = (*PolicyEvaluator)(nil)

func NewPolicyEvaluator(policiesPath string) *PolicyEvaluator {
	return &PolicyEvaluator{
		policiesPath: policiesPath,
		data: EvaluatorData{
			fullPathToPolicy: make(map[string]string),
			preparedQueries:  make(map[string]rego.PreparedEvalQuery),
		},
		now: time.Now,
	}
}

// Config returns the loaded compliance configuration
func (e *PolicyEvaluator) Config() models.ComplianceConfig {
	return e.data.ComplianceConfig
}

// LoadAndValidate loads and validates the compliance configuration, then compiles every policy
func (e *PolicyEvaluator) LoadAndValidate(ctx context.Context) error {
	logger.Info("LoadAndValidate: starting...")

	logger.Info("LoadAndValidate: loading compliance configuration...")
	if err := e.loadComplianceConfig(); err != nil {
		return err
	}

	logger.Info("LoadAndValidate: validating compliance configuration...")
	if err := e.validateComplianceConfig(); err != nil {
		return err
	}

	// Validate policy files exist and check for tests
	logger.Info("LoadAndValidate: validating policy files...")
	for _, id := range e.data.PolicyIDs {
		policy := e.data.Policies[id]
		policyPath := filepath.Join(e.policiesPath, policy.FilePath)
		if _, err := os.Stat(policyPath); os.IsNotExist(err) {
			return fmt.Errorf("policy %s: file not found: %s", id, policyPath)
		}

		if !strings.HasSuffix(policyPath, ".rego") {
			return fmt.Errorf("policy %s: unsupported file extension (must be .rego)", id)
		}
		testPath := strings.TrimSuffix(policyPath, ".rego") + "_test.rego"
		if _, err := os.Stat(testPath); os.IsNotExist(err) {
			return fmt.Errorf("each policy must have test, policy %s: test file not found: %s", id, testPath)
		}

		e.data.fullPathToPolicy[id] = policyPath

		query, err := e.prepareQuery(ctx, policyPath)
		if err != nil {
			return fmt.Errorf("policy %s: %w", id, err)
		}
		e.data.preparedQueries[id] = query
	}

	logger.Infof("LoadAndValidate: done, loaded %d policies.", len(e.data.PolicyIDs))
	return nil
}

// loadComplianceConfig loads the compliance configuration from a YAML file.
// Policy ids keep the order they have in the document.
func (e *PolicyEvaluator) loadComplianceConfig() error {
	configPath := filepath.Join(e.policiesPath, COMPLIANCE_CONFIG_FILENAME)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read compliance config: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse compliance config: %w", err)
	}
	if root.Kind == 0 {
		// empty file
		return nil
	}
	if err := root.Decode(&e.data.ComplianceConfig); err != nil {
		return fmt.Errorf("failed to parse compliance config: %w", err)
	}
	e.data.PolicyIDs = policyIDsInOrder(&root)
	return nil
}

// policyIDsInOrder walks the document node to find the keys of the top-level "policies" mapping
func policyIDsInOrder(root *yaml.Node) []string {
	if root == nil || len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != "policies" {
			continue
		}
		policies := doc.Content[i+1]
		if policies.Kind != yaml.MappingNode {
			return nil
		}
		ids := make([]string, 0, len(policies.Content)/2)
		for j := 0; j+1 < len(policies.Content); j += 2 {
			ids = append(ids, policies.Content[j].Value)
		}
		return ids
	}
	return nil
}

// validateComplianceConfig validates the common fields
func (e *PolicyEvaluator) validateComplianceConfig() error {
	if len(e.data.Policies) == 0 {
		return fmt.Errorf("no policies defined in compliance config")
	}

	for _, id := range e.data.PolicyIDs {
		policy := e.data.Policies[id]
		if policy.Name == "" {
			return fmt.Errorf("policy %s: name is required", id)
		}
		if policy.Type == "" {
			return fmt.Errorf("policy %s: type is required", id)
		}
		if policy.Type != POLICY_TYPE_OPA {
			return fmt.Errorf("policy %s: unsupported type %s (only 'opa' is supported)", id, policy.Type)
		}
		if policy.FilePath == "" {
			return fmt.Errorf("policy %s: filePath is required", id)
		}

		// Validate enforcement dates are in order if set
		if policy.Enforcement.InEffectAfter != nil && policy.Enforcement.IsWarningAfter != nil {
			if policy.Enforcement.IsWarningAfter.Before(*policy.Enforcement.InEffectAfter) {
				return fmt.Errorf("policy %s: isWarningAfter cannot be before inEffectAfter", id)
			}
		}
		if policy.Enforcement.IsWarningAfter != nil && policy.Enforcement.IsBlockingAfter != nil {
			if policy.Enforcement.IsBlockingAfter.Before(*policy.Enforcement.IsWarningAfter) {
				return fmt.Errorf("policy %s: isBlockingAfter cannot be before isWarningAfter", id)
			}
		}
	}

	return nil
}

func (e *PolicyEvaluator) prepareQuery(ctx context.Context, policyPath string) (rego.PreparedEvalQuery, error) {
	src, err := os.ReadFile(policyPath)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to read policy: %w", err)
	}
	query, err := rego.New(
		rego.Query(DENY_QUERY),
		rego.Module(policyPath, string(src)),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to compile policy: %w", err)
	}
	return query, nil
}

// EvaluateEvidence evaluates every policy against every written evidence document
func (e *PolicyEvaluator) EvaluateEvidence(
	ctx context.Context,
	evidence []models.WrittenEvidence,
) (*models.PolicyEvaluation, error) {
	logger.Info("EvaluateEvidence: starting...")

	levels := e.DetermineEnforcementLevel()
	results := &models.PolicyEvaluation{
		PrincipalResults: make(map[string][]models.PolicyResult),
	}
	counts := &results.Summary.PolicyCounts

	for _, written := range evidence {
		failMsgs, err := e.Evaluate(ctx, written.Document)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policies for principal %s: %w", written.Principal, err)
		}

		principalResults := make([]models.PolicyResult, 0, len(e.data.PolicyIDs))
		for _, policyId := range e.data.PolicyIDs {
			policy := e.data.Policies[policyId]
			result := models.PolicyResult{
				PolicyId:         policyId,
				PolicyName:       policy.Name,
				ExternalLink:     policy.ExternalLink,
				EnforcementLevel: levels[policyId],
				IsPassing:        len(failMsgs[policyId]) == 0,
				FailMessages:     failMsgs[policyId],
			}
			principalResults = append(principalResults, result)
			countResult(counts, result)
			if !result.IsPassing {
				logger.WithField("principal", written.Principal).WithField("policyId", policyId).
					WithField("level", result.EnforcementLevel).WithField("failMsgs", result.FailMessages).
					Debug("Policy failed")
			}
		}
		results.PrincipalResults[written.Principal] = principalResults
	}

	results.Summary.PassingStatus = models.EnforcementPassingStatus{
		PassBlockingCheck:  counts.BlockingFailedCount == 0,
		PassWarningCheck:   counts.WarningFailedCount == 0,
		PassRecommendCheck: counts.RecommendFailedCount == 0,
	}

	logger.WithField("evaluations", counts.TotalCount).WithField("failed", counts.TotalFailed).Info("EvaluateEvidence: done.")
	return results, nil
}

func countResult(counts *models.PolicyCounts, result models.PolicyResult) {
	counts.TotalCount++
	if result.IsPassing {
		counts.TotalSuccess++
	}

	switch result.EnforcementLevel {
	case POLICY_LEVEL_BLOCK:
		if result.IsPassing {
			counts.BlockingSuccessCount++
		} else {
			counts.BlockingFailedCount++
			counts.TotalFailed++
		}
	case POLICY_LEVEL_WARNING:
		if result.IsPassing {
			counts.WarningSuccessCount++
		} else {
			counts.WarningFailedCount++
			counts.TotalFailed++
		}
	case POLICY_LEVEL_RECOMMEND:
		if result.IsPassing {
			counts.RecommendSuccessCount++
		} else {
			counts.RecommendFailedCount++
			counts.TotalFailed++
		}
	case POLICY_LEVEL_NOT_IN_EFFECT:
		counts.TotalOmitted++
		if result.IsPassing {
			counts.NotInEffectSuccessCount++
		} else {
			counts.NotInEffectFailedCount++
		}
	case POLICY_LEVEL_UNKNOWN:
		logger.Warnf("policy %s: unknown enforcement level: %s", result.PolicyId, result.EnforcementLevel)
	}
}

// Evaluate evaluates all policies against one evidence document
// returns: policyId -> failure messages
func (e *PolicyEvaluator) Evaluate(
	ctx context.Context,
	doc models.EvidenceDocument,
) (map[string][]string, error) {
	input, err := toInput(doc)
	if err != nil {
		return nil, err
	}

	results := make(map[string][]string)
	for _, id := range e.data.PolicyIDs {
		query, ok := e.data.preparedQueries[id]
		if !ok {
			return nil, fmt.Errorf("policy %s was not loaded", id)
		}
		failMsgs, err := evaluateDeny(ctx, query, input)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policy %s: %w", id, err)
		}
		results[id] = failMsgs
	}
	return results, nil
}

// toInput turns the document into the plain JSON value OPA sees as `input`
func toInput(doc models.EvidenceDocument) (interface{}, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var input interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&input); err != nil {
		return nil, err
	}
	return input, nil
}

// evaluateDeny runs the deny query; an undefined deny set counts as passing
func evaluateDeny(ctx context.Context, query rego.PreparedEvalQuery, input interface{}) ([]string, error) {
	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	failureMsgs := []string{}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return failureMsgs, nil
	}

	values, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, errors.New("deny must be a set of messages")
	}
	for _, v := range values {
		switch msg := v.(type) {
		case string:
			failureMsgs = append(failureMsgs, msg)
		default:
			encoded, _ := json.Marshal(msg)
			failureMsgs = append(failureMsgs, string(encoded))
		}
	}
	return failureMsgs, nil
}

// DetermineEnforcementLevel determines the current enforcement level of each policy based on time
func (e *PolicyEvaluator) DetermineEnforcementLevel() map[string]string {
	results := make(map[string]string)
	now := e.now()

	for policyId, policy := range e.data.Policies {
		enforcementLevel := POLICY_LEVEL_UNKNOWN
		enforcement := policy.Enforcement

		if enforcement.InEffectAfter != nil && now.Before(*enforcement.InEffectAfter) {
			enforcementLevel = POLICY_LEVEL_NOT_IN_EFFECT
		}
		if enforcement.InEffectAfter != nil && !now.Before(*enforcement.InEffectAfter) {
			enforcementLevel = POLICY_LEVEL_RECOMMEND
		}
		if enforcement.IsWarningAfter != nil && !now.Before(*enforcement.IsWarningAfter) {
			enforcementLevel = POLICY_LEVEL_WARNING
		}
		if enforcement.IsBlockingAfter != nil && !now.Before(*enforcement.IsBlockingAfter) {
			enforcementLevel = POLICY_LEVEL_BLOCK
		}

		results[policyId] = enforcementLevel
	}

	return results
}
