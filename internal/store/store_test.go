package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/testweaver/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func point(businessType, itemID, name string) *model.TestAsset {
	return &model.TestAsset{
		BusinessType: businessType,
		ItemID:       itemID,
		Name:         name,
		Stage:        model.StageTestPoint,
		Status:       model.StatusDraft,
	}
}

func testCase(businessType, itemID, name string) *model.TestAsset {
	return &model.TestAsset{
		BusinessType:   businessType,
		ItemID:         itemID,
		Name:           name,
		Stage:          model.StageTestCase,
		Status:         model.StatusDraft,
		Preconditions:  "pre",
		Steps:          "steps",
		ExpectedResult: "expected",
	}
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateAndGetAsset", func(t *testing.T) {
		s := newTestSQLite(t)

		created, err := s.CreateAsset(ctx, point("RCC", "itm-1", "Login succeeds"))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)

		got, err := s.GetAsset(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Login succeeds", got.Name)
		assert.Equal(t, model.StageTestPoint, got.Stage)
		assert.Equal(t, model.StatusDraft, got.Status)
		assert.Empty(t, got.Steps)
	})

	t.Run("GetAssetNotFound", func(t *testing.T) {
		s := newTestSQLite(t)

		_, err := s.GetAsset(ctx, "missing")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("PairLookup", func(t *testing.T) {
		s := newTestSQLite(t)

		_, err := s.CreateAsset(ctx, point("RCC", "itm-1", "A"))
		require.NoError(t, err)
		created, err := s.CreateAsset(ctx, testCase("RCC", "itm-1", "A - steps"))
		require.NoError(t, err)

		pair, err := s.GetPairAsset(ctx, "RCC", "itm-1", model.StageTestCase)
		require.NoError(t, err)
		require.NotNil(t, pair)
		assert.Equal(t, created.ID, pair.ID)

		none, err := s.GetPairAsset(ctx, "RCC", "itm-2", model.StageTestCase)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("PairUniqueConstraint", func(t *testing.T) {
		s := newTestSQLite(t)

		_, err := s.CreateAsset(ctx, point("RCC", "itm-1", "A"))
		require.NoError(t, err)
		_, err = s.CreateAsset(ctx, point("RCC", "itm-1", "A again"))
		require.Error(t, err)
		assert.True(t, IsIntegrity(err))
	})

	t.Run("ListAssetsFiltered", func(t *testing.T) {
		s := newTestSQLite(t)

		_, err := s.CreateAsset(ctx, point("RCC", "itm-1", "A"))
		require.NoError(t, err)
		_, err = s.CreateAsset(ctx, testCase("RCC", "itm-1", "A - steps"))
		require.NoError(t, err)
		_, err = s.CreateAsset(ctx, point("RFD", "itm-2", "B"))
		require.NoError(t, err)

		all, err := s.ListAssets(ctx, AssetFilter{BusinessType: "RCC"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		points, err := s.ListAssets(ctx, AssetFilter{BusinessType: "RCC", Stage: model.StageTestPoint})
		require.NoError(t, err)
		require.Len(t, points, 1)
		assert.Equal(t, "A", points[0].Name)
	})

	t.Run("UpdateNameAndStatus", func(t *testing.T) {
		s := newTestSQLite(t)

		created, err := s.CreateAsset(ctx, point("RCC", "itm-1", "A"))
		require.NoError(t, err)

		require.NoError(t, s.UpdateAssetName(ctx, created.ID, "B"))
		require.NoError(t, s.UpdateAssetStatus(ctx, created.ID, model.StatusApproved))

		got, err := s.GetAsset(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "B", got.Name)
		assert.Equal(t, model.StatusApproved, got.Status)

		err = s.UpdateAssetStatus(ctx, created.ID, model.Status("BOGUS"))
		require.Error(t, err)

		err = s.UpdateAssetName(ctx, "missing", "X")
		assert.True(t, IsNotFound(err))
	})

	t.Run("DemoteCase", func(t *testing.T) {
		s := newTestSQLite(t)

		created, err := s.CreateAsset(ctx, testCase("RCC", "itm-1", "A - steps"))
		require.NoError(t, err)
		require.NoError(t, s.UpdateAssetStatus(ctx, created.ID, model.StatusCompleted))

		require.NoError(t, s.DemoteCase(ctx, created.ID))

		got, err := s.GetAsset(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StageTestPoint, got.Stage)
		assert.Equal(t, model.StatusDraft, got.Status)
		assert.False(t, got.HasExecutionDetail())

		// Demoting a point is a no-op target: not found.
		err = s.DemoteCase(ctx, created.ID)
		assert.True(t, IsNotFound(err))
	})

	t.Run("FindByExactName", func(t *testing.T) {
		s := newTestSQLite(t)

		a, err := s.CreateAsset(ctx, point("RCC", "itm-1", "Door Lock"))
		require.NoError(t, err)
		_, err = s.CreateAsset(ctx, point("RCC", "itm-2", "door lock"))
		require.NoError(t, err)
		_, err = s.CreateAsset(ctx, point("RFD", "itm-3", "Door Lock"))
		require.NoError(t, err)

		ids, err := s.FindByExactName(ctx, "RCC", "Door Lock", "")
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID}, ids)

		// Case-sensitive: the lowercased row does not match.
		ids, err = s.FindByExactName(ctx, "RCC", "Door Lock", a.ID)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("TxCommitAndRollback", func(t *testing.T) {
		s := newTestSQLite(t)

		err := s.InTx(ctx, func(sess Session) error {
			_, err := sess.CreateAsset(ctx, point("RCC", "itm-1", "kept"))
			return err
		})
		require.NoError(t, err)

		boom := eris.New("boom")
		err = s.InTx(ctx, func(sess Session) error {
			if _, err := sess.CreateAsset(ctx, point("RCC", "itm-2", "discarded")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		assets, err := s.ListAssets(ctx, AssetFilter{BusinessType: "RCC"})
		require.NoError(t, err)
		require.Len(t, assets, 1)
		assert.Equal(t, "kept", assets[0].Name)
	})

	t.Run("MarkerSetScopedToTx", func(t *testing.T) {
		s := newTestSQLite(t)
		key := MarkerKey{EntityType: "test_asset", EntityID: "id-1"}

		err := s.InTx(ctx, func(sess Session) error {
			_, marked := sess.MarkedBy(key)
			assert.False(t, marked)

			sess.Mark(key, "token-1")
			token, marked := sess.MarkedBy(key)
			assert.True(t, marked)
			assert.Equal(t, "token-1", token)
			return nil
		})
		require.NoError(t, err)

		// A new transaction starts with an empty marker set.
		err = s.InTx(ctx, func(sess Session) error {
			_, marked := sess.MarkedBy(key)
			assert.False(t, marked)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("BusinessTypes", func(t *testing.T) {
		s := newTestSQLite(t)

		require.NoError(t, s.UpsertBusinessType(ctx, &model.BusinessType{Code: "RCC", Name: "Retail", Active: true}))
		require.NoError(t, s.UpsertBusinessType(ctx, &model.BusinessType{Code: "RCC", Name: "Retail v2", Active: false}))

		bt, err := s.GetBusinessType(ctx, "RCC")
		require.NoError(t, err)
		assert.Equal(t, "Retail v2", bt.Name)
		assert.False(t, bt.Active)

		_, err = s.GetBusinessType(ctx, "NOPE")
		assert.True(t, IsNotFound(err))

		types, err := s.ListBusinessTypes(ctx)
		require.NoError(t, err)
		assert.Len(t, types, 1)
	})

	t.Run("PromptTemplates", func(t *testing.T) {
		s := newTestSQLite(t)

		tpl := &model.PromptTemplate{
			BusinessType: "RCC",
			Stage:        model.StageTestPoint,
			SystemPrompt: "system",
			UserPrompt:   "user {{context}}",
		}
		require.NoError(t, s.UpsertPromptTemplate(ctx, tpl))

		got, err := s.GetPromptTemplate(ctx, "RCC", model.StageTestPoint)
		require.NoError(t, err)
		assert.Equal(t, "user {{context}}", got.UserPrompt)

		tpl.UserPrompt = "user v2"
		require.NoError(t, s.UpsertPromptTemplate(ctx, tpl))
		got, err = s.GetPromptTemplate(ctx, "RCC", model.StageTestPoint)
		require.NoError(t, err)
		assert.Equal(t, "user v2", got.UserPrompt)

		_, err = s.GetPromptTemplate(ctx, "RCC", model.StageTestCase)
		assert.True(t, IsNotFound(err))
	})

	t.Run("JobLifecycle", func(t *testing.T) {
		s := newTestSQLite(t)

		job, err := s.CreateJob(ctx, "RCC", model.StageTestPoint)
		require.NoError(t, err)
		assert.Equal(t, model.JobPending, job.Status)

		require.NoError(t, s.UpdateJobStep(ctx, job.ID, 2, "calling model"))
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobRunning, got.Status)
		assert.Equal(t, 2, got.Step)
		assert.Equal(t, "calling model", got.StepDescription)
		assert.Nil(t, got.FinishedAt)

		require.NoError(t, s.CompleteJob(ctx, job.ID, 7, true))
		got, err = s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobCompleted, got.Status)
		assert.Equal(t, 7, got.Generated)
		assert.True(t, got.NeedsReview)
		require.NotNil(t, got.FinishedAt)

		failed, err := s.CreateJob(ctx, "RFD", model.StageTestCase)
		require.NoError(t, err)
		require.NoError(t, s.FailJob(ctx, failed.ID, "model unavailable"))
		got, err = s.GetJob(ctx, failed.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobFailed, got.Status)
		assert.Equal(t, "model unavailable", got.Error)

		jobs, err := s.ListJobs(ctx, JobFilter{Status: model.JobFailed})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, failed.ID, jobs[0].ID)
	})

	t.Run("Projects", func(t *testing.T) {
		s := newTestSQLite(t)

		p, err := s.CreateProject(ctx, &model.Project{BusinessType: "RCC", Name: "Checkout"})
		require.NoError(t, err)
		assert.NotEmpty(t, p.ID)

		projects, err := s.ListProjects(ctx, "RCC")
		require.NoError(t, err)
		assert.Len(t, projects, 1)

		require.NoError(t, s.DeleteProject(ctx, p.ID))
		assert.True(t, IsNotFound(s.DeleteProject(ctx, p.ID)))
	})
}
