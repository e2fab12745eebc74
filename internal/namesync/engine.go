// Package namesync propagates a rename from one half of a test-asset pair
// to the other. A transaction-scoped marker set bounds propagation to
// exactly one hop per top-level sync call, so a rename of A that triggers a
// rename of B can never re-trigger A.
package namesync

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/names"
	"github.com/sells-group/testweaver/internal/store"
)

// entityType is the marker namespace for test-asset rows.
const entityType = "test_asset"

// Options configures one sync call.
type Options struct {
	// Conflict selects how derived names that collide are handled.
	// Defaults to ConflictAutoSuffix.
	Conflict model.ConflictMode
}

func (o Options) conflict() model.ConflictMode {
	if o.Conflict == "" {
		return model.ConflictAutoSuffix
	}
	return o.Conflict
}

// NameUpdate is one item of a batch sync.
type NameUpdate struct {
	EntityID string `json:"entity_id"`
	NewName  string `json:"new_name"`
}

// Engine performs name synchronization inside store transactions.
type Engine struct {
	store store.Store
}

// New creates a sync engine over the store.
func New(st store.Store) *Engine {
	return &Engine{store: st}
}

// SyncName renames the entity and propagates the change to its paired row
// inside a single transaction. Timeout/connection failures abort the
// transaction; integrity conflicts degrade according to Options.
func (e *Engine) SyncName(ctx context.Context, entityID, newName string, opts Options) (*model.SyncResult, error) {
	if !model.ValidConflictMode(opts.conflict()) {
		return nil, eris.Errorf("namesync: unknown conflict mode %q", opts.Conflict)
	}

	var result *model.SyncResult
	err := e.store.InTx(ctx, func(sess store.Session) error {
		r, err := e.syncOne(ctx, sess, entityID, newName, opts)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SyncBatch processes a list of independent name updates inside one
// transaction. Per-item failures and conflicts do not abort the batch;
// timeout/connection errors do, since the whole transaction may be unsafe
// to continue.
func (e *Engine) SyncBatch(ctx context.Context, updates []NameUpdate, opts Options) (*model.BatchSyncResult, error) {
	if !model.ValidConflictMode(opts.conflict()) {
		return nil, eris.Errorf("namesync: unknown conflict mode %q", opts.Conflict)
	}

	batch := &model.BatchSyncResult{}
	err := e.store.InTx(ctx, func(sess store.Session) error {
		for _, u := range updates {
			item := model.BatchSyncItemResult{EntityID: u.EntityID, NewName: u.NewName}

			r, err := e.syncOne(ctx, sess, u.EntityID, u.NewName, opts)
			switch {
			case err == nil:
				item.OK = true
				item.Result = r
				batch.Processed++
				for _, ch := range r.Updated {
					if ch.EntityID != u.EntityID {
						batch.TotalChildUpdates++
					}
				}
			case store.IsTimeout(err):
				// The connection may be broken; nothing later in this
				// transaction can be trusted.
				return eris.Wrapf(err, "namesync: batch aborted at entity %s", u.EntityID)
			case store.IsIntegrity(err):
				zap.L().Warn("namesync: integrity conflict, item skipped",
					zap.String("entity_id", u.EntityID),
					zap.String("new_name", u.NewName),
					zap.Error(err),
				)
				item.Error = "integrity conflict: " + err.Error()
				batch.Failed++
			default:
				zap.L().Error("namesync: item failed",
					zap.String("entity_id", u.EntityID),
					zap.Error(err),
				)
				item.Error = err.Error()
				batch.Failed++
			}
			batch.Items = append(batch.Items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// syncOne runs one top-level sync under a fresh session token.
func (e *Engine) syncOne(ctx context.Context, sess store.Session, entityID, newName string, opts Options) (*model.SyncResult, error) {
	source, err := sess.GetAsset(ctx, entityID)
	if err != nil {
		return nil, err
	}

	result := &model.SyncResult{}
	if source.Name == newName {
		result.Skipped = append(result.Skipped, model.SyncSkip{
			EntityID: entityID,
			Reason:   "name unchanged",
		})
		return result, nil
	}

	token := uuid.New().String()
	zap.L().Debug("namesync: propagating",
		zap.String("entity_id", entityID),
		zap.String("token", token),
	)
	if err := e.applyRename(ctx, sess, source, newName, token, opts, result); err != nil {
		return nil, err
	}
	zap.L().Debug("namesync: done",
		zap.String("entity_id", entityID),
		zap.Int("updated", len(result.Updated)),
		zap.Int("conflicts", len(result.Conflicts)),
	)
	return result, nil
}

// applyRename renames one asset and recurses once into its paired row. The
// marker check at the top is the termination guarantee: a re-entrant call
// for an already-marked key is an idempotent no-op, not an error.
func (e *Engine) applyRename(ctx context.Context, sess store.Session, asset *model.TestAsset, wanted, token string, opts Options, result *model.SyncResult) error {
	key := store.MarkerKey{EntityType: entityType, EntityID: asset.ID}
	// Only a marker from this top-level call trips the guard. Markers left
	// by earlier calls in the same transaction (batch items) do not: those
	// are independent renames, not re-entrant propagation.
	if markedToken, marked := sess.MarkedBy(key); marked && markedToken == token {
		zap.L().Debug("namesync: cycle guard trip, skipping re-entrant rename",
			zap.String("entity_id", asset.ID),
		)
		return nil
	}
	sess.Mark(key, token)

	checker := names.NewChecker(sess)
	finalName := wanted
	unique, conflictID, err := checker.IsUnique(ctx, asset.BusinessType, wanted, asset.ID)
	if err != nil {
		return err
	}
	if !unique {
		switch opts.conflict() {
		case model.ConflictSkip:
			result.Conflicts = append(result.Conflicts, model.SyncConflict{
				EntityID:      asset.ID,
				WantedName:    wanted,
				ConflictingID: conflictID,
				Reason:        "name already in use",
			})
			return nil
		case model.ConflictOverwrite:
			// Forced through; the collision stays visible to the validator.
		case model.ConflictAutoSuffix:
			resolved, err := checker.ResolveWithSuffix(ctx, asset.BusinessType, wanted)
			if err != nil {
				if errors.Is(err, names.ErrSuffixExhausted) {
					result.Conflicts = append(result.Conflicts, model.SyncConflict{
						EntityID:      asset.ID,
						WantedName:    wanted,
						ConflictingID: conflictID,
						Reason:        "suffix attempts exhausted",
					})
					return nil
				}
				return err
			}
			finalName = resolved
		}
	}

	oldName := asset.Name
	if err := sess.UpdateAssetName(ctx, asset.ID, finalName); err != nil {
		return err
	}
	result.Updated = append(result.Updated, model.SyncChange{
		EntityID: asset.ID,
		Stage:    asset.Stage,
		OldName:  oldName,
		NewName:  finalName,
	})

	// Propagate exactly one hop to the paired row, if present.
	pair, err := sess.GetPairAsset(ctx, asset.BusinessType, asset.ItemID, pairStage(asset.Stage))
	if err != nil {
		return err
	}
	if pair == nil {
		return nil
	}
	derived := DeriveName(oldName, finalName, pair.Name)
	if derived == pair.Name {
		result.Skipped = append(result.Skipped, model.SyncSkip{
			EntityID: pair.ID,
			Reason:   "derived name unchanged",
		})
		return nil
	}
	return e.applyRename(ctx, sess, pair, derived, token, opts, result)
}

func pairStage(s model.Stage) model.Stage {
	if s == model.StageTestPoint {
		return model.StageTestCase
	}
	return model.StageTestPoint
}

// DeriveName computes the paired entity's new name. If the source's old
// name occurs in the target's current name, that occurrence is replaced;
// otherwise the new source name is composed with the target's current name.
func DeriveName(oldSource, newSource, targetCurrent string) string {
	if oldSource != "" && strings.Contains(targetCurrent, oldSource) {
		return strings.Replace(targetCurrent, oldSource, newSource, 1)
	}
	return newSource + " - " + targetCurrent
}
