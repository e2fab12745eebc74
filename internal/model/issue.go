package model

import "time"

// Severity classifies how seriously a consistency finding should be treated.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// IssueType tags the kind of corruption a consistency check found.
type IssueType string

const (
	IssueOrphanedPair         IssueType = "orphaned_pair"
	IssueOrphanedContainer    IssueType = "orphaned_container"
	IssueDuplicateItemID      IssueType = "duplicate_item_id"
	IssueNameConflict         IssueType = "name_conflict"
	IssueStatusStageMismatch  IssueType = "status_stage_mismatch"
	IssueBusinessTypeMismatch IssueType = "business_type_mismatch"
	IssueEmptyContainer       IssueType = "empty_container"
	IssueCheckFailed          IssueType = "check_failed"
)

// ConsistencyIssue is a single data-level finding. Issues are collected into
// reports and never raised as runtime errors.
type ConsistencyIssue struct {
	Type         IssueType `json:"type"`
	Severity     Severity  `json:"severity"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	Description  string    `json:"description"`
	Details      []string  `json:"details,omitempty"`
	SuggestedFix string    `json:"suggested_fix,omitempty"`
}

// ConsistencyReport aggregates one validation run.
type ConsistencyReport struct {
	IsConsistent bool               `json:"is_consistent"`
	TotalIssues  int                `json:"total_issues"`
	ErrorCount   int                `json:"error_count"`
	WarningCount int                `json:"warning_count"`
	InfoCount    int                `json:"info_count"`
	Issues       []ConsistencyIssue `json:"issues"`
	Statistics   map[string]int     `json:"statistics"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Tally recomputes the aggregate counts from the issue list.
func (r *ConsistencyReport) Tally() {
	r.TotalIssues = len(r.Issues)
	r.ErrorCount, r.WarningCount, r.InfoCount = 0, 0, 0
	for _, iss := range r.Issues {
		switch iss.Severity {
		case SeverityError:
			r.ErrorCount++
		case SeverityWarning:
			r.WarningCount++
		case SeverityInfo:
			r.InfoCount++
		}
	}
	r.IsConsistent = r.ErrorCount == 0
}

// FixDetail records the outcome of one fix attempt.
type FixDetail struct {
	Issue    ConsistencyIssue `json:"issue"`
	Outcome  string           `json:"outcome"` // "fixed", "failed", "skipped", "manual"
	Note     string           `json:"note,omitempty"`
	EntityID string           `json:"entity_id,omitempty"`
}

// FixResult aggregates one fix run. Issues outside the auto-fix whitelist
// always land in ManualFixRequired regardless of the autoFix flag.
type FixResult struct {
	FixedCount        int                `json:"fixed_count"`
	FailedCount       int                `json:"failed_count"`
	SkippedCount      int                `json:"skipped_count"`
	ManualFixRequired []ConsistencyIssue `json:"manual_fix_required"`
	Details           []FixDetail        `json:"details"`
	DryRun            bool               `json:"dry_run"`
}
