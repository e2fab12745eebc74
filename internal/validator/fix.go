package validator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/names"
	"github.com/sells-group/testweaver/internal/store"
)

// fixer applies an auto-fix for one issue type. It returns a human-readable
// note describing what was (or would be) changed.
type fixer func(ctx context.Context, v *Validator, issue model.ConsistencyIssue, dryRun bool) (string, error)

// fixWhitelist is the closed set of issue types that may be mutated
// automatically. Everything else always requires manual attention.
var fixWhitelist = map[model.IssueType]fixer{
	model.IssueStatusStageMismatch: fixStatusStageMismatch,
	model.IssueNameConflict:        fixNameConflict,
}

// Fix classifies and optionally repairs the given issues. Whitelisted issues
// are fixed when autoFix is true and skipped otherwise; non-whitelisted
// issues are routed to ManualFixRequired regardless of flags. With dryRun
// the same classification happens but no mutation is applied.
func (v *Validator) Fix(ctx context.Context, issues []model.ConsistencyIssue, autoFix, dryRun bool) (*model.FixResult, error) {
	result := &model.FixResult{DryRun: dryRun}

	for _, issue := range issues {
		fix, whitelisted := fixWhitelist[issue.Type]
		if !whitelisted {
			result.ManualFixRequired = append(result.ManualFixRequired, issue)
			result.Details = append(result.Details, model.FixDetail{
				Issue:    issue,
				Outcome:  "manual",
				Note:     fmt.Sprintf("issue type %s is not auto-fixable", issue.Type),
				EntityID: issue.EntityID,
			})
			continue
		}
		if !autoFix {
			result.SkippedCount++
			result.Details = append(result.Details, model.FixDetail{
				Issue:    issue,
				Outcome:  "skipped",
				Note:     "auto-fix disabled",
				EntityID: issue.EntityID,
			})
			continue
		}

		note, err := fix(ctx, v, issue, dryRun)
		if err != nil {
			zap.L().Warn("auto-fix failed",
				zap.String("issue_type", string(issue.Type)),
				zap.String("entity_id", issue.EntityID),
				zap.Error(err),
			)
			result.FailedCount++
			result.Details = append(result.Details, model.FixDetail{
				Issue:    issue,
				Outcome:  "failed",
				Note:     err.Error(),
				EntityID: issue.EntityID,
			})
			continue
		}
		result.FixedCount++
		result.Details = append(result.Details, model.FixDetail{
			Issue:    issue,
			Outcome:  "fixed",
			Note:     note,
			EntityID: issue.EntityID,
		})
	}
	return result, nil
}

// fixStatusStageMismatch demotes a COMPLETED test point with no paired test
// case back to APPROVED.
func fixStatusStageMismatch(ctx context.Context, v *Validator, issue model.ConsistencyIssue, dryRun bool) (string, error) {
	asset, err := v.store.GetAsset(ctx, issue.EntityID)
	if err != nil {
		return "", err
	}
	note := fmt.Sprintf("demoted %q from %s to %s", asset.Name, asset.Status, model.StatusApproved)
	if dryRun {
		return note + " (dry run)", nil
	}
	if err := v.store.UpdateAssetStatus(ctx, asset.ID, model.StatusApproved); err != nil {
		return "", err
	}
	return note, nil
}

// fixNameConflict keeps the first asset in the colliding group untouched and
// renames the rest with numeric suffixes.
func fixNameConflict(ctx context.Context, v *Validator, issue model.ConsistencyIssue, dryRun bool) (string, error) {
	if len(issue.Details) < 2 {
		return "", store.ErrNotFound
	}
	checker := names.NewChecker(v.store)

	renamed := 0
	var lastNote string
	for _, id := range issue.Details[1:] {
		asset, err := v.store.GetAsset(ctx, id)
		if err != nil {
			return "", err
		}
		newName, err := checker.ResolveWithSuffix(ctx, asset.BusinessType, asset.Name)
		if err != nil {
			return "", err
		}
		lastNote = fmt.Sprintf("renamed %q to %q", asset.Name, newName)
		if !dryRun {
			if err := v.store.UpdateAssetName(ctx, asset.ID, newName); err != nil {
				return "", err
			}
		}
		renamed++
	}
	note := fmt.Sprintf("%s (%d of %d assets renamed)", lastNote, renamed, len(issue.Details))
	if dryRun {
		note += " (dry run)"
	}
	return note, nil
}
