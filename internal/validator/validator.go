// Package validator runs an independent battery of integrity checks over
// the test-asset store and applies a small whitelisted set of auto-fixes.
// Checks are fault-isolated: one failing check degrades to a single ERROR
// finding instead of aborting the run.
package validator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/store"
)

var fold = cases.Fold()

// Filter scopes a validation run.
type Filter struct {
	BusinessType string `json:"business_type,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

// Validator runs consistency checks and fixes over the store.
type Validator struct {
	store store.Store
}

// New creates a Validator.
func New(st store.Store) *Validator {
	return &Validator{store: st}
}

// snapshot is the point-in-time data a validation run inspects. Loading it
// once keeps repeated runs over unchanged data byte-identical.
type snapshot struct {
	assets   []model.TestAsset
	projects []model.Project
}

type check struct {
	name string
	run  func(snap *snapshot) []model.ConsistencyIssue
}

func (v *Validator) checks() []check {
	return []check{
		{"orphaned_pair", checkOrphanedPairs},
		{"orphaned_container", checkOrphanedContainers},
		{"duplicate_item_id", checkDuplicateItemIDs},
		{"name_conflict", checkNameConflicts},
		{"status_stage_mismatch", checkStatusStageMismatch},
		{"business_type_mismatch", checkBusinessTypeMismatch},
		{"empty_container", checkEmptyContainers},
	}
}

// Validate runs every check over a snapshot of the filtered data and
// returns the aggregated report.
func (v *Validator) Validate(ctx context.Context, f Filter) (*model.ConsistencyReport, error) {
	snap, err := v.load(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "validator: load snapshot")
	}

	report := &model.ConsistencyReport{
		Statistics: map[string]int{
			"assets_scanned":   len(snap.assets),
			"projects_scanned": len(snap.projects),
		},
		Timestamp: time.Now().UTC(),
	}

	for _, c := range v.checks() {
		issues := runCheck(c, snap)
		report.Issues = append(report.Issues, issues...)
		report.Statistics["check_"+c.name] = len(issues)
	}
	report.Tally()

	zap.L().Info("validation run complete",
		zap.String("business_type", f.BusinessType),
		zap.Int("total_issues", report.TotalIssues),
		zap.Int("errors", report.ErrorCount),
		zap.Int("warnings", report.WarningCount),
	)
	return report, nil
}

// runCheck isolates a single check: a panic inside it becomes one ERROR
// finding describing the check's own failure.
func runCheck(c check, snap *snapshot) (issues []model.ConsistencyIssue) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("consistency check failed",
				zap.String("check", c.name),
				zap.Any("panic", r),
			)
			issues = []model.ConsistencyIssue{{
				Type:        model.IssueCheckFailed,
				Severity:    model.SeverityError,
				EntityType:  "check",
				EntityID:    c.name,
				Description: fmt.Sprintf("check %s failed: %v", c.name, r),
			}}
		}
	}()
	return c.run(snap)
}

func (v *Validator) load(ctx context.Context, f Filter) (*snapshot, error) {
	var snap snapshot
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		assets, err := v.store.ListAssets(ctx, store.AssetFilter{
			BusinessType: f.BusinessType,
			ProjectID:    f.ProjectID,
			Limit:        100000,
		})
		snap.assets = assets
		return err
	})
	g.Go(func() error {
		projects, err := v.store.ListProjects(ctx, f.BusinessType)
		snap.projects = projects
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &snap, nil
}

type pairKey struct {
	businessType string
	itemID       string
}

// checkOrphanedPairs finds TEST_CASE rows whose TEST_POINT half is gone.
func checkOrphanedPairs(snap *snapshot) []model.ConsistencyIssue {
	points := map[pairKey]bool{}
	for _, a := range snap.assets {
		if a.Stage == model.StageTestPoint {
			points[pairKey{a.BusinessType, a.ItemID}] = true
		}
	}

	var issues []model.ConsistencyIssue
	for _, a := range snap.assets {
		if a.Stage != model.StageTestCase {
			continue
		}
		if points[pairKey{a.BusinessType, a.ItemID}] {
			continue
		}
		issues = append(issues, model.ConsistencyIssue{
			Type:         model.IssueOrphanedPair,
			Severity:     model.SeverityError,
			EntityType:   "test_asset",
			EntityID:     a.ID,
			Description:  fmt.Sprintf("test case %q references test point item %s/%s that no longer exists", a.Name, a.BusinessType, a.ItemID),
			SuggestedFix: "recreate the test point or delete the orphaned test case",
		})
	}
	return issues
}

// checkOrphanedContainers finds assets whose owning project is gone.
func checkOrphanedContainers(snap *snapshot) []model.ConsistencyIssue {
	known := map[string]bool{}
	for _, p := range snap.projects {
		known[p.ID] = true
	}

	var issues []model.ConsistencyIssue
	for _, a := range snap.assets {
		if a.ProjectID == "" || known[a.ProjectID] {
			continue
		}
		issues = append(issues, model.ConsistencyIssue{
			Type:         model.IssueOrphanedContainer,
			Severity:     model.SeverityError,
			EntityType:   "test_asset",
			EntityID:     a.ID,
			Description:  fmt.Sprintf("asset %q references missing project %s", a.Name, a.ProjectID),
			SuggestedFix: "restore the project or clear the asset's project reference",
		})
	}
	return issues
}

type stageKey struct {
	businessType string
	itemID       string
	stage        model.Stage
}

// checkDuplicateItemIDs finds rows sharing (businessType, itemId) within
// the same stage.
func checkDuplicateItemIDs(snap *snapshot) []model.ConsistencyIssue {
	groups := map[stageKey][]string{}
	for _, a := range snap.assets {
		k := stageKey{a.BusinessType, a.ItemID, a.Stage}
		groups[k] = append(groups[k], a.ID)
	}

	var issues []model.ConsistencyIssue
	for k, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		issues = append(issues, model.ConsistencyIssue{
			Type:         model.IssueDuplicateItemID,
			Severity:     model.SeverityError,
			EntityType:   "test_asset",
			EntityID:     ids[0],
			Description:  fmt.Sprintf("%d %s rows share item id %s/%s", len(ids), k.stage, k.businessType, k.itemID),
			Details:      ids,
			SuggestedFix: "reassign item ids so each identifies at most one row per stage",
		})
	}
	sortIssues(issues)
	return issues
}

// checkNameConflicts finds case-insensitive duplicate names within a
// business type. One WARNING is emitted per colliding group, referencing
// every involved id.
func checkNameConflicts(snap *snapshot) []model.ConsistencyIssue {
	type nameGroup struct {
		ids   []string
		names map[string]bool
	}
	groups := map[string]*nameGroup{}
	for _, a := range snap.assets {
		key := a.BusinessType + "\x00" + fold.String(a.Name)
		g := groups[key]
		if g == nil {
			g = &nameGroup{names: map[string]bool{}}
			groups[key] = g
		}
		g.ids = append(g.ids, a.ID)
		g.names[a.Name] = true
	}

	var issues []model.ConsistencyIssue
	for _, g := range groups {
		if len(g.ids) < 2 {
			continue
		}
		sort.Strings(g.ids)
		variants := make([]string, 0, len(g.names))
		for n := range g.names {
			variants = append(variants, n)
		}
		sort.Strings(variants)
		issues = append(issues, model.ConsistencyIssue{
			Type:         model.IssueNameConflict,
			Severity:     model.SeverityWarning,
			EntityType:   "test_asset",
			EntityID:     g.ids[0],
			Description:  fmt.Sprintf("%d assets share the name %q (case-insensitive)", len(g.ids), variants[0]),
			Details:      g.ids,
			SuggestedFix: "rename the later assets with a numeric suffix",
		})
	}
	sortIssues(issues)
	return issues
}

// checkStatusStageMismatch finds COMPLETED test points with no paired test
// case. This is the soft invariant: a warning, not an error.
func checkStatusStageMismatch(snap *snapshot) []model.ConsistencyIssue {
	cases := map[pairKey]bool{}
	for _, a := range snap.assets {
		if a.Stage == model.StageTestCase {
			cases[pairKey{a.BusinessType, a.ItemID}] = true
		}
	}

	var issues []model.ConsistencyIssue
	for _, a := range snap.assets {
		if a.Stage != model.StageTestPoint || a.Status != model.StatusCompleted {
			continue
		}
		if cases[pairKey{a.BusinessType, a.ItemID}] {
			continue
		}
		issues = append(issues, model.ConsistencyIssue{
			Type:         model.IssueStatusStageMismatch,
			Severity:     model.SeverityWarning,
			EntityType:   "test_asset",
			EntityID:     a.ID,
			Description:  fmt.Sprintf("test point %q is COMPLETED but has no paired test case", a.Name),
			SuggestedFix: "demote the status or generate the test case",
		})
	}
	return issues
}

// checkBusinessTypeMismatch finds point/case rows sharing an item id but
// disagreeing on business type — the denormalized-pair corruption the
// single-row model can still accumulate through imports.
func checkBusinessTypeMismatch(snap *snapshot) []model.ConsistencyIssue {
	byItem := map[string][]model.TestAsset{}
	for _, a := range snap.assets {
		byItem[a.ItemID] = append(byItem[a.ItemID], a)
	}

	var issues []model.ConsistencyIssue
	for itemID, group := range byItem {
		if len(group) < 2 {
			continue
		}
		types := map[string]bool{}
		hasPoint, hasCase := false, false
		var ids []string
		for _, a := range group {
			types[a.BusinessType] = true
			hasPoint = hasPoint || a.Stage == model.StageTestPoint
			hasCase = hasCase || a.Stage == model.StageTestCase
			ids = append(ids, a.ID)
		}
		if len(types) < 2 || !hasPoint || !hasCase {
			continue
		}
		sort.Strings(ids)
		typeList := make([]string, 0, len(types))
		for t := range types {
			typeList = append(typeList, t)
		}
		sort.Strings(typeList)
		issues = append(issues, model.ConsistencyIssue{
			Type:         model.IssueBusinessTypeMismatch,
			Severity:     model.SeverityError,
			EntityType:   "test_asset",
			EntityID:     ids[0],
			Description:  fmt.Sprintf("paired rows for item %s disagree on business type: %s", itemID, strings.Join(typeList, ", ")),
			Details:      ids,
			SuggestedFix: "move both halves of the pair into the same business type",
		})
	}
	sortIssues(issues)
	return issues
}

// checkEmptyContainers finds projects with no assets.
func checkEmptyContainers(snap *snapshot) []model.ConsistencyIssue {
	counts := map[string]int{}
	for _, a := range snap.assets {
		if a.ProjectID != "" {
			counts[a.ProjectID]++
		}
	}

	var issues []model.ConsistencyIssue
	for _, p := range snap.projects {
		if counts[p.ID] > 0 {
			continue
		}
		issues = append(issues, model.ConsistencyIssue{
			Type:         model.IssueEmptyContainer,
			Severity:     model.SeverityWarning,
			EntityType:   "project",
			EntityID:     p.ID,
			Description:  fmt.Sprintf("project %q contains no assets", p.Name),
			SuggestedFix: "delete the project or assign assets to it",
		})
	}
	return issues
}

func sortIssues(issues []model.ConsistencyIssue) {
	sort.Slice(issues, func(i, j int) bool {
		return issues[i].EntityID < issues[j].EntityID
	})
}
