// Package assets implements the test-asset lifecycle: creation with name
// uniqueness, renames with optional pair synchronization, promotion of
// points into cases, demotion back, and cascading deletes.
package assets

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/names"
	"github.com/sells-group/testweaver/internal/namesync"
	"github.com/sells-group/testweaver/internal/store"
)

// NameTakenError reports an exact name collision, identifying the asset
// already holding the name.
type NameTakenError struct {
	Name          string
	ConflictingID string
}

func (e *NameTakenError) Error() string {
	return fmt.Sprintf("assets: name %q is already taken by %s", e.Name, e.ConflictingID)
}

// Service coordinates asset operations over the store.
type Service struct {
	store store.Store
	sync  *namesync.Engine
}

// NewService creates a Service.
func NewService(st store.Store) *Service {
	return &Service{store: st, sync: namesync.New(st)}
}

// CreateInput carries the fields for a new asset. ItemID is generated when
// empty; execution fields apply only to TEST_CASE assets.
type CreateInput struct {
	BusinessType   string      `json:"business_type"`
	ProjectID      string      `json:"project_id,omitempty"`
	ItemID         string      `json:"item_id,omitempty"`
	Name           string      `json:"name"`
	Stage          model.Stage `json:"stage"`
	Preconditions  string      `json:"preconditions,omitempty"`
	Steps          string      `json:"steps,omitempty"`
	ExpectedResult string      `json:"expected_result,omitempty"`
}

// Create validates and persists a new asset. Exact name collisions within
// the business type are rejected; case-insensitive near-collisions are
// allowed but logged, and surface later as validation warnings.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.TestAsset, error) {
	asset := &model.TestAsset{
		BusinessType:   strings.TrimSpace(in.BusinessType),
		ItemID:         in.ItemID,
		ProjectID:      in.ProjectID,
		Name:           strings.TrimSpace(in.Name),
		Stage:          in.Stage,
		Status:         model.StatusDraft,
		Preconditions:  in.Preconditions,
		Steps:          in.Steps,
		ExpectedResult: in.ExpectedResult,
	}
	if asset.ItemID == "" {
		asset.ItemID = uuid.New().String()
	}
	if problems := asset.Validate(); len(problems) > 0 {
		return nil, eris.New("assets: invalid asset: " + strings.Join(problems, "; "))
	}

	checker := names.NewChecker(s.store)
	unique, conflictID, err := checker.IsUnique(ctx, asset.BusinessType, asset.Name, "")
	if err != nil {
		return nil, err
	}
	if !unique {
		return nil, &NameTakenError{Name: asset.Name, ConflictingID: conflictID}
	}
	if similar, similarID, err := checker.SimilarExists(ctx, asset.BusinessType, asset.Name, ""); err == nil && similar {
		zap.L().Warn("creating asset with case-insensitive name collision",
			zap.String("name", asset.Name),
			zap.String("similar_to", similarID),
		)
	}

	created, err := s.store.CreateAsset(ctx, asset)
	if err != nil {
		return nil, eris.Wrap(err, "assets: create")
	}
	return created, nil
}

// Get fetches one asset by id.
func (s *Service) Get(ctx context.Context, id string) (*model.TestAsset, error) {
	return s.store.GetAsset(ctx, id)
}

// List returns assets matching the filter.
func (s *Service) List(ctx context.Context, f store.AssetFilter) ([]model.TestAsset, error) {
	return s.store.ListAssets(ctx, f)
}

// Rename changes an asset's name. With syncPair the paired row's name is
// kept aligned through the sync engine; without it only the named row
// changes, and exact collisions are rejected.
func (s *Service) Rename(ctx context.Context, id, newName string, syncPair bool, mode model.ConflictMode) (*model.SyncResult, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, eris.New("assets: new name must not be empty")
	}

	if syncPair {
		return s.sync.SyncName(ctx, id, newName, namesync.Options{Conflict: mode})
	}

	result := &model.SyncResult{}
	err := s.store.InTx(ctx, func(sess store.Session) error {
		asset, err := sess.GetAsset(ctx, id)
		if err != nil {
			return err
		}
		if asset.Name == newName {
			result.Skipped = append(result.Skipped, model.SyncSkip{
				EntityID: id,
				Reason:   "name unchanged",
			})
			return nil
		}
		unique, conflictID, err := names.NewChecker(sess).IsUnique(ctx, asset.BusinessType, newName, id)
		if err != nil {
			return err
		}
		if !unique {
			return &NameTakenError{Name: newName, ConflictingID: conflictID}
		}
		if err := sess.UpdateAssetName(ctx, id, newName); err != nil {
			return err
		}
		result.Updated = append(result.Updated, model.SyncChange{
			EntityID: id,
			Stage:    asset.Stage,
			OldName:  asset.Name,
			NewName:  newName,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateStatus moves an asset through the review lifecycle. Completing a
// test point with no paired case is allowed but logged; the validator
// reports it as a warning.
func (s *Service) UpdateStatus(ctx context.Context, id string, status model.Status) error {
	if !model.ValidStatus(status) {
		return eris.Errorf("assets: unknown status %q", status)
	}
	asset, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return err
	}
	if asset.Stage == model.StageTestPoint && status == model.StatusCompleted {
		pair, err := s.store.GetPairAsset(ctx, asset.BusinessType, asset.ItemID, model.StageTestCase)
		if err != nil {
			return err
		}
		if pair == nil {
			zap.L().Warn("completing test point without a paired case",
				zap.String("id", id),
				zap.String("name", asset.Name),
			)
		}
	}
	return s.store.UpdateAssetStatus(ctx, id, status)
}

// UpdateExecution replaces the execution fields of a test case.
func (s *Service) UpdateExecution(ctx context.Context, id, preconditions, steps, expectedResult string) error {
	asset, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return err
	}
	if asset.Stage != model.StageTestCase {
		return eris.Errorf("assets: %s is not a test case", id)
	}
	return s.store.UpdateAssetExecution(ctx, id, preconditions, steps, expectedResult)
}

// ExecutionDetail is the executable content attached during promotion.
type ExecutionDetail struct {
	Preconditions  string `json:"preconditions,omitempty"`
	Steps          string `json:"steps,omitempty"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

// Promote expands a test point into its paired test case. The case name
// defaults to "<point name> - steps" and is suffixed on collision; the
// point's status moves to COMPLETED.
func (s *Service) Promote(ctx context.Context, id, caseName string, detail ExecutionDetail) (*model.TestAsset, error) {
	var created *model.TestAsset
	err := s.store.InTx(ctx, func(sess store.Session) error {
		point, err := sess.GetAsset(ctx, id)
		if err != nil {
			return err
		}
		if point.Stage != model.StageTestPoint {
			return eris.Errorf("assets: %s is not a test point", id)
		}
		pair, err := sess.GetPairAsset(ctx, point.BusinessType, point.ItemID, model.StageTestCase)
		if err != nil {
			return err
		}
		if pair != nil {
			return eris.Errorf("assets: %s already has a test case (%s)", id, pair.ID)
		}

		name := strings.TrimSpace(caseName)
		if name == "" {
			name = point.Name + " - steps"
		}
		name, err = names.NewChecker(sess).ResolveWithSuffix(ctx, point.BusinessType, name)
		if err != nil {
			return err
		}

		created, err = sess.CreateAsset(ctx, &model.TestAsset{
			BusinessType:   point.BusinessType,
			ItemID:         point.ItemID,
			ProjectID:      point.ProjectID,
			Name:           name,
			Stage:          model.StageTestCase,
			Status:         model.StatusDraft,
			Preconditions:  detail.Preconditions,
			Steps:          detail.Steps,
			ExpectedResult: detail.ExpectedResult,
		})
		if err != nil {
			return err
		}
		return sess.UpdateAssetStatus(ctx, point.ID, model.StatusCompleted)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Demote collapses a pair back to a single test point carrying the case's
// name. The point half is removed and the case row is rewritten in place,
// so references to the case id stay valid.
func (s *Service) Demote(ctx context.Context, id string) (*model.TestAsset, error) {
	var demoted *model.TestAsset
	err := s.store.InTx(ctx, func(sess store.Session) error {
		c, err := sess.GetAsset(ctx, id)
		if err != nil {
			return err
		}
		if c.Stage != model.StageTestCase {
			return eris.Errorf("assets: %s is not a test case", id)
		}
		point, err := sess.GetPairAsset(ctx, c.BusinessType, c.ItemID, model.StageTestPoint)
		if err != nil {
			return err
		}
		// The point half goes first so the stage rewrite cannot collide
		// with it.
		if point != nil {
			if err := sess.DeleteAsset(ctx, point.ID); err != nil {
				return err
			}
		}
		if err := sess.DemoteCase(ctx, c.ID); err != nil {
			return err
		}
		demoted, err = sess.GetAsset(ctx, c.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return demoted, nil
}

// Delete removes an asset. Deleting a test point removes its paired case
// too unless preservePoint is set, in which case the case is demoted to a
// bare draft point instead. Deleting a test case with preservePoint keeps
// the point and demotes a COMPLETED status back to APPROVED; without it the
// whole pair goes.
func (s *Service) Delete(ctx context.Context, id string, preservePoint bool) error {
	return s.store.InTx(ctx, func(sess store.Session) error {
		asset, err := sess.GetAsset(ctx, id)
		if err != nil {
			return err
		}

		switch asset.Stage {
		case model.StageTestPoint:
			pair, err := sess.GetPairAsset(ctx, asset.BusinessType, asset.ItemID, model.StageTestCase)
			if err != nil {
				return err
			}
			// Point goes first so a demoted case's stage rewrite cannot
			// collide with it.
			if err := sess.DeleteAsset(ctx, asset.ID); err != nil {
				return err
			}
			if pair == nil {
				return nil
			}
			if preservePoint {
				return sess.DemoteCase(ctx, pair.ID)
			}
			return sess.DeleteAsset(ctx, pair.ID)

		default:
			point, err := sess.GetPairAsset(ctx, asset.BusinessType, asset.ItemID, model.StageTestPoint)
			if err != nil {
				return err
			}
			if err := sess.DeleteAsset(ctx, asset.ID); err != nil {
				return err
			}
			if point == nil {
				return nil
			}
			if preservePoint {
				if point.Status == model.StatusCompleted {
					return sess.UpdateAssetStatus(ctx, point.ID, model.StatusApproved)
				}
				return nil
			}
			return sess.DeleteAsset(ctx, point.ID)
		}
	})
}
