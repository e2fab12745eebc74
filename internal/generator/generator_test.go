package generator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/store"
	"github.com/sells-group/testweaver/pkg/anthropic"
)

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:         "msg_test",
		Model:      "claude-sonnet-4-5-20250929",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedBusinessType(t *testing.T, s store.Store, code string, active bool) {
	t.Helper()
	require.NoError(t, s.UpsertBusinessType(context.Background(), &model.BusinessType{
		Code:   code,
		Name:   code + " product line",
		Active: active,
	}))
}

// fastOptions keeps the rate limiter out of the way in tests.
func fastOptions() Options {
	return Options{RatePerMin: 1_000_000}
}

// stalledLLM blocks until the call context expires.
type stalledLLM struct{}

func (s *stalledLLM) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGeneratePoints(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)

	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(
		`[{"name": "Login succeeds with valid credentials", "description": "happy path"},
		  {"name": "Login rejected with wrong password", "description": "negative"},
		  {"name": "Account locks after five failures", "description": "lockout"}]`,
	), nil).Once()

	o := New(s, llm, fastOptions())
	res, err := o.Generate(ctx, "RCC", model.StageTestPoint, "login feature")
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, res.Status)
	assert.Equal(t, 3, res.CountsGenerated)
	assert.False(t, res.NeedsReview)

	assets, err := s.ListAssets(ctx, store.AssetFilter{BusinessType: "RCC"})
	require.NoError(t, err)
	require.Len(t, assets, 3)
	for _, a := range assets {
		assert.Equal(t, model.StageTestPoint, a.Stage)
		assert.Equal(t, model.StatusDraft, a.Status)
		assert.NotEmpty(t, a.ItemID)
	}

	job, err := s.GetJob(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Generated)
	assert.NotNil(t, job.FinishedAt)
	llm.AssertExpectations(t)
}

func TestGenerateUnknownStage(t *testing.T) {
	o := New(newTestStore(t), &mockLLM{}, fastOptions())
	_, err := o.Generate(context.Background(), "RCC", model.Stage("BOGUS"), "")
	require.Error(t, err)
}

func TestGenerateUnknownBusinessType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	o := New(s, &mockLLM{}, fastOptions())
	res, err := o.Generate(ctx, "NOPE", model.StageTestPoint, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown business type")

	// The job row records the failure.
	job, err := s.GetJob(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, "unknown business type")
}

func TestGenerateInactiveBusinessType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", false)

	o := New(s, &mockLLM{}, fastOptions())
	_, err := o.Generate(ctx, "RCC", model.StageTestPoint, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inactive")
}

func TestGeneratePointsRecoveredOutput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)

	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(
		"Here are the test points you asked for:\n\n```json\n"+
			`[{"name": "Checkout total updates on quantity change"}]`+
			"\n```\n\nLet me know if you need more.",
	), nil).Once()

	o := New(s, llm, fastOptions())
	res, err := o.Generate(ctx, "RCC", model.StageTestPoint, "checkout")
	require.NoError(t, err)

	assert.Equal(t, 1, res.CountsGenerated)
	assert.True(t, res.NeedsReview, "non-exact provenance flags the job for review")
}

func TestGeneratePointsGarbageFallback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)

	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(
		"I cannot produce the requested output at this time.",
	), nil).Once()

	o := New(s, llm, fastOptions())
	res, err := o.Generate(ctx, "RCC", model.StageTestPoint, "anything")
	require.NoError(t, err)

	assert.True(t, res.NeedsReview)
	assert.Equal(t, 2, res.CountsGenerated, "fallback synthesizes placeholder records")

	assets, err := s.ListAssets(ctx, store.AssetFilter{BusinessType: "RCC"})
	require.NoError(t, err)
	require.Len(t, assets, 2)
	for _, a := range assets {
		assert.Contains(t, a.Name, "Unparsed generation output")
	}
}

func TestGeneratePointsDuplicateNameSuffixed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)
	_, err := s.CreateAsset(ctx, &model.TestAsset{
		BusinessType: "RCC", ItemID: "existing", Name: "Login succeeds",
		Stage: model.StageTestPoint, Status: model.StatusDraft,
	})
	require.NoError(t, err)

	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(
		`[{"name": "Login succeeds"}]`,
	), nil).Once()

	o := New(s, llm, fastOptions())
	res, err := o.Generate(ctx, "RCC", model.StageTestPoint, "login")
	require.NoError(t, err)
	assert.Equal(t, 1, res.CountsGenerated)

	assets, err := s.ListAssets(ctx, store.AssetFilter{BusinessType: "RCC"})
	require.NoError(t, err)
	names := []string{assets[0].Name, assets[1].Name}
	assert.Contains(t, names, "Login succeeds")
	assert.Contains(t, names, "Login succeeds (1)")
}

func TestGeneratePointsExistingNamesInPrompt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)
	_, err := s.CreateAsset(ctx, &model.TestAsset{
		BusinessType: "RCC", ItemID: "itm-1", Name: "Existing point",
		Stage: model.StageTestPoint, Status: model.StatusDraft,
	})
	require.NoError(t, err)

	var captured anthropic.MessageRequest
	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		captured = req
		return true
	})).Return(textResponse(`[{"name": "New point"}]`), nil).Once()

	o := New(s, llm, fastOptions())
	_, err = o.Generate(ctx, "RCC", model.StageTestPoint, "the feature under test")
	require.NoError(t, err)

	require.Len(t, captured.Messages, 1)
	assert.Contains(t, captured.Messages[0].Content, "Existing point")
	assert.Contains(t, captured.Messages[0].Content, "the feature under test")
	assert.NotContains(t, captured.Messages[0].Content, "{{")
}

func TestGenerateCases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)

	bare, err := s.CreateAsset(ctx, &model.TestAsset{
		BusinessType: "RCC", ItemID: "itm-1", Name: "Login succeeds",
		Stage: model.StageTestPoint, Status: model.StatusDraft,
	})
	require.NoError(t, err)

	covered, err := s.CreateAsset(ctx, &model.TestAsset{
		BusinessType: "RCC", ItemID: "itm-2", Name: "Logout works",
		Stage: model.StageTestPoint, Status: model.StatusCompleted,
	})
	require.NoError(t, err)
	_, err = s.CreateAsset(ctx, &model.TestAsset{
		BusinessType: "RCC", ItemID: "itm-2", Name: "Logout works - steps",
		Stage: model.StageTestCase, Status: model.StatusDraft,
		Steps: "1. log out", ExpectedResult: "session ended",
	})
	require.NoError(t, err)

	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(
		`{"name": "Login succeeds - steps", "preconditions": "registered user",
		  "steps": "1. open login page\n2. submit valid credentials",
		  "expected_result": "dashboard is shown"}`,
	), nil).Once()

	o := New(s, llm, fastOptions())
	res, err := o.Generate(ctx, "RCC", model.StageTestCase, "login feature")
	require.NoError(t, err)

	assert.Equal(t, 1, res.CountsGenerated, "only the uncovered point gets a case")
	assert.False(t, res.NeedsReview)

	pair, err := s.GetPairAsset(ctx, "RCC", "itm-1", model.StageTestCase)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, "Login succeeds - steps", pair.Name)
	assert.Equal(t, "registered user", pair.Preconditions)
	assert.NotEmpty(t, pair.Steps)
	assert.NotEmpty(t, pair.ExpectedResult)

	// The source point is promoted to COMPLETED.
	got, err := s.GetAsset(ctx, bare.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	// The already-covered point is untouched.
	got, err = s.GetAsset(ctx, covered.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	llm.AssertExpectations(t)
}

func TestGenerateCasesPointNameInPrompt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)
	_, err := s.CreateAsset(ctx, &model.TestAsset{
		BusinessType: "RCC", ItemID: "itm-1", Name: "Cart survives refresh",
		Stage: model.StageTestPoint, Status: model.StatusDraft,
	})
	require.NoError(t, err)

	var captured anthropic.MessageRequest
	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		captured = req
		return true
	})).Return(textResponse(
		`{"name": "Cart survives refresh - steps", "steps": "1. refresh", "expected_result": "cart intact"}`,
	), nil).Once()

	o := New(s, llm, fastOptions())
	_, err = o.Generate(ctx, "RCC", model.StageTestCase, "cart")
	require.NoError(t, err)

	require.Len(t, captured.Messages, 1)
	assert.Contains(t, captured.Messages[0].Content, "Cart survives refresh")
}

func TestGenerateCustomTemplate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)
	require.NoError(t, s.UpsertPromptTemplate(ctx, &model.PromptTemplate{
		BusinessType: "RCC",
		Stage:        model.StageTestPoint,
		SystemPrompt: "custom system",
		UserPrompt:   "custom body for {{business_type}}",
	}))

	var captured anthropic.MessageRequest
	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		captured = req
		return true
	})).Return(textResponse(`[{"name": "From custom template"}]`), nil).Once()

	o := New(s, llm, fastOptions())
	_, err := o.Generate(ctx, "RCC", model.StageTestPoint, "")
	require.NoError(t, err)

	require.Len(t, captured.System, 1)
	assert.Equal(t, "custom system", captured.System[0].Text)
	assert.Equal(t, "custom body for RCC", captured.Messages[0].Content)
}

func TestGenerateModelFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)

	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid request"))

	o := New(s, llm, fastOptions())
	res, err := o.Generate(ctx, "RCC", model.StageTestPoint, "")
	require.Error(t, err)
	assert.Equal(t, model.JobFailed, res.Status)

	assets, err := s.ListAssets(ctx, store.AssetFilter{BusinessType: "RCC"})
	require.NoError(t, err)
	assert.Empty(t, assets, "nothing persists when the call fails")
}

func TestGenerateBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)
	seedBusinessType(t, s, "RFD", true)

	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(
		`[{"name": "Generated point"}]`,
	), nil).Twice()

	o := New(s, llm, fastOptions())
	res, err := o.GenerateBatch(ctx, []string{"RCC", "MISSING", "RFD"}, model.StageTestPoint, "ctx")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Canceled)
	assert.Len(t, res.Results, 3)

	dlq := o.DeadLetters()
	require.Len(t, dlq, 1)
	assert.Equal(t, "MISSING", dlq[0].BusinessType)
	assert.Equal(t, "permanent", dlq[0].ErrorType)
	assert.True(t, dlq[0].CanRetry())
}

func TestGenerateBatchCanceled(t *testing.T) {
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(s, &mockLLM{}, fastOptions())
	res, err := o.GenerateBatch(ctx, []string{"RCC"}, model.StageTestPoint, "")
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.Zero(t, res.Succeeded)
	assert.Empty(t, res.Results)
}

func TestGenerateBatchTimeoutMarksJobFailed(t *testing.T) {
	s := newTestStore(t)
	seedBusinessType(t, s, "RCC", true)

	opts := fastOptions()
	opts.PerTypeTimeout = 50 * time.Millisecond
	o := New(s, &stalledLLM{}, opts)

	res, err := o.GenerateBatch(context.Background(), []string{"RCC"}, model.StageTestPoint, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	// The per-type deadline expired mid-call; the job row must still
	// reach a terminal state with the error recorded.
	jobs, err := s.ListJobs(context.Background(), store.JobFilter{BusinessType: "RCC"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobFailed, jobs[0].Status)
	assert.NotEmpty(t, jobs[0].Error)
	require.NotNil(t, jobs[0].FinishedAt)
}

func TestRenderPrompt(t *testing.T) {
	got := renderPrompt("a {{x}} b {{y}} c {{missing}}", map[string]string{"x": "1", "y": "2"})
	assert.Equal(t, "a 1 b 2 c {{missing}}", got)
}

func TestFormatExistingNames(t *testing.T) {
	assert.Equal(t, "(none yet)", formatExistingNames(nil, 10))

	refs := []store.NameRef{{ID: "1", Name: "A"}, {ID: "2", Name: "B"}, {ID: "3", Name: "C"}}
	assert.Equal(t, "1. A\n2. B\n3. C", formatExistingNames(refs, 10))
	assert.Equal(t, "1. A\n2. B", formatExistingNames(refs, 2))
}
