package model

import (
	"strings"
	"time"
)

// Stage identifies which half of a test-asset pair a row represents.
type Stage string

const (
	StageTestPoint Stage = "TEST_POINT"
	StageTestCase  Stage = "TEST_CASE"
)

// ValidStage reports whether s is a known stage value.
func ValidStage(s Stage) bool {
	return s == StageTestPoint || s == StageTestCase
}

// Status is the review lifecycle state of a test asset.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusApproved  Status = "APPROVED"
	StatusCompleted Status = "COMPLETED"
)

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusApproved, StatusCompleted:
		return true
	}
	return false
}

// TestAsset is the unified entity for both test points and test cases.
// The (BusinessType, ItemID) pair identifies at most one TEST_POINT row and
// at most one TEST_CASE row; together they form a pair. Execution fields
// (Preconditions, Steps, ExpectedResult) are set only on TEST_CASE rows.
type TestAsset struct {
	ID             string    `json:"id"`
	BusinessType   string    `json:"business_type"`
	ItemID         string    `json:"item_id"`
	ProjectID      string    `json:"project_id,omitempty"`
	Name           string    `json:"name"`
	Stage          Stage     `json:"stage"`
	Status         Status    `json:"status"`
	Preconditions  string    `json:"preconditions,omitempty"`
	Steps          string    `json:"steps,omitempty"`
	ExpectedResult string    `json:"expected_result,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasExecutionDetail reports whether any execution field is populated.
func (a *TestAsset) HasExecutionDetail() bool {
	return a.Preconditions != "" || a.Steps != "" || a.ExpectedResult != ""
}

// Validate checks the shape invariants enforced at the store boundary.
// It returns a non-empty slice of problem descriptions for an invalid asset.
func (a *TestAsset) Validate() []string {
	var problems []string
	if strings.TrimSpace(a.BusinessType) == "" {
		problems = append(problems, "business_type is required")
	}
	if strings.TrimSpace(a.ItemID) == "" {
		problems = append(problems, "item_id is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !ValidStage(a.Stage) {
		problems = append(problems, "unknown stage: "+string(a.Stage))
	}
	if !ValidStatus(a.Status) {
		problems = append(problems, "unknown status: "+string(a.Status))
	}
	if a.Stage == StageTestPoint && a.HasExecutionDetail() {
		problems = append(problems, "test point must not carry execution fields")
	}
	return problems
}

// Project is the owning container for test assets within a business type.
type Project struct {
	ID           string    `json:"id"`
	BusinessType string    `json:"business_type"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
}

// BusinessType is a tenant/category dimension scoping name uniqueness and
// prompt configuration. Generation is rejected for inactive types.
type BusinessType struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptTemplate is one stage's stored prompt combination for a business
// type. User prompts may reference {{context}}, {{existing}},
// {{business_type}} and, for the case stage, {{point_name}}.
type PromptTemplate struct {
	ID           string    `json:"id"`
	BusinessType string    `json:"business_type"`
	Stage        Stage     `json:"stage"`
	SystemPrompt string    `json:"system_prompt"`
	UserPrompt   string    `json:"user_prompt"`
	CreatedAt    time.Time `json:"created_at"`
}
