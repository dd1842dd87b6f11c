package models

import "time"

// ReportData represents the complete report of one collection run
type ReportData struct {
	ProjectID string    `json:"projectId"`
	OutputDir string    `json:"outputDir"`
	Timestamp time.Time `json:"timestamp"`

	// PrincipalCount is the number of distinct principals found in the policy,
	// including the ones skipped by the writer
	PrincipalCount int             `json:"principalCount"`
	Grouped        *PrincipalRoles `json:"grouped"`

	Evidence WriteSummary `json:"evidence"`

	// Policy evaluation results, nil when no policies were configured
	PolicyEvaluation *PolicyEvaluation `json:"policyEvaluation,omitempty"`
}

// PolicyEvaluation represents the evaluation of all policies against all evidence documents
type PolicyEvaluation struct {
	// Summary counts across all principals
	Summary PolicySummary `json:"summary"`

	// Principal -> results of every policy, in policy order
	PrincipalResults map[string][]PolicyResult `json:"principalResults"`
}

type PolicySummary struct {
	PassingStatus EnforcementPassingStatus `json:"passingStatus"`
	PolicyCounts  PolicyCounts             `json:"policyCounts"`
}

type EnforcementPassingStatus struct {
	PassBlockingCheck  bool `json:"passBlockingCheck"`
	PassWarningCheck   bool `json:"passWarningCheck"`
	PassRecommendCheck bool `json:"passRecommendCheck"`
}

// PolicyCounts counts (principal, policy) evaluations by enforcement level and outcome
type PolicyCounts struct {
	TotalCount   int `json:"totalCount"`
	TotalSuccess int `json:"totalSuccess"`
	TotalFailed  int `json:"totalFailed"`  // failed evaluations of level RECOMMEND, WARNING, BLOCK
	TotalOmitted int `json:"totalOmitted"` // evaluations of level NOT_IN_EFFECT, passed or failed

	BlockingSuccessCount    int `json:"blockingSuccessCount"`
	BlockingFailedCount     int `json:"blockingFailedCount"`
	WarningSuccessCount     int `json:"warningSuccessCount"`
	WarningFailedCount      int `json:"warningFailedCount"`
	RecommendSuccessCount   int `json:"recommendSuccessCount"`
	RecommendFailedCount    int `json:"recommendFailedCount"`
	NotInEffectSuccessCount int `json:"notInEffectSuccessCount"`
	NotInEffectFailedCount  int `json:"notInEffectFailedCount"`
}

// PolicyResult represents the result of a single policy evaluated against one evidence document
type PolicyResult struct {
	PolicyId         string   `json:"policyId"`
	PolicyName       string   `json:"policyName"`
	ExternalLink     string   `json:"externalLink,omitempty"` // Optional link to policy documentation
	EnforcementLevel string   `json:"enforcementLevel"`
	IsPassing        bool     `json:"isPassing"` // true or false, if false it means FailMessages is not empty
	FailMessages     []string `json:"failMessages"`
}
