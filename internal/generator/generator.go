// Package generator runs the two-stage LLM generation pipeline: business
// features are expanded into test points, and test points into executable
// test cases. Every run is tracked as a persisted job.
package generator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/names"
	"github.com/sells-group/testweaver/internal/recovery"
	"github.com/sells-group/testweaver/internal/resilience"
	"github.com/sells-group/testweaver/internal/store"
	"github.com/sells-group/testweaver/pkg/anthropic"
)

// Options tunes one Orchestrator instance.
type Options struct {
	Model            string
	MaxTokens        int64
	Temperature      float64
	CachePrompt      bool
	MaxExistingNames int
	RatePerMin       int
	PerTypeTimeout   time.Duration
	Retry            resilience.RetryConfig
	Circuit          resilience.CircuitBreakerConfig
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = "claude-sonnet-4-5-20250929"
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.Temperature <= 0 {
		o.Temperature = 0.7
	}
	if o.MaxExistingNames <= 0 {
		o.MaxExistingNames = 200
	}
	if o.RatePerMin <= 0 {
		o.RatePerMin = 50
	}
	if o.PerTypeTimeout <= 0 {
		o.PerTypeTimeout = 5 * time.Minute
	}
	return o
}

// Orchestrator drives generation jobs against the store and the model API.
type Orchestrator struct {
	store   store.Store
	llm     anthropic.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	opts    Options

	mu  sync.Mutex
	dlq []resilience.DLQEntry
}

// New creates an Orchestrator.
func New(st store.Store, llm anthropic.Client, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		store:   st,
		llm:     llm,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMin)), 1),
		breaker: resilience.NewCircuitBreaker(opts.Circuit),
		opts:    opts,
	}
}

// DeadLetters returns the generation targets batch runs have failed on so
// far, for later retry.
func (o *Orchestrator) DeadLetters() []resilience.DLQEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]resilience.DLQEntry, len(o.dlq))
	copy(out, o.dlq)
	return out
}

// Generate runs one generation job for a single business type and stage.
// The job row is always left in a terminal state; the returned JobResult
// mirrors it.
func (o *Orchestrator) Generate(ctx context.Context, businessType string, stage model.Stage, genContext string) (*model.JobResult, error) {
	if !model.ValidStage(stage) {
		return nil, eris.Errorf("generator: unknown stage %q", stage)
	}

	job, err := o.store.CreateJob(ctx, businessType, stage)
	if err != nil {
		return nil, eris.Wrap(err, "generator: create job")
	}

	generated, needsReview, runErr := o.run(ctx, job, businessType, stage, genContext)
	if runErr != nil {
		// The run context may already be expired (per-type timeout);
		// the terminal status update must still land.
		if failErr := o.store.FailJob(context.WithoutCancel(ctx), job.ID, runErr.Error()); failErr != nil {
			zap.L().Error("failed to mark job failed",
				zap.String("job_id", job.ID),
				zap.Error(failErr),
			)
		}
		return &model.JobResult{
			ID:           job.ID,
			BusinessType: businessType,
			Status:       model.JobFailed,
			Error:        runErr.Error(),
		}, runErr
	}

	if err := o.store.CompleteJob(context.WithoutCancel(ctx), job.ID, generated, needsReview); err != nil {
		return nil, eris.Wrap(err, "generator: complete job")
	}
	zap.L().Info("generation job complete",
		zap.String("job_id", job.ID),
		zap.String("business_type", businessType),
		zap.String("stage", string(stage)),
		zap.Int("generated", generated),
		zap.Bool("needs_review", needsReview),
	)
	return &model.JobResult{
		ID:              job.ID,
		BusinessType:    businessType,
		Status:          model.JobCompleted,
		CountsGenerated: generated,
		NeedsReview:     needsReview,
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, job *model.Job, businessType string, stage model.Stage, genContext string) (int, bool, error) {
	o.step(ctx, job, 1, "validating business type")
	bt, err := o.store.GetBusinessType(ctx, businessType)
	if err != nil {
		if store.IsNotFound(err) {
			return 0, false, eris.Errorf("generator: unknown business type %q", businessType)
		}
		return 0, false, eris.Wrap(err, "generator: load business type")
	}
	if !bt.Active {
		return 0, false, eris.Errorf("generator: business type %q is inactive", businessType)
	}

	o.step(ctx, job, 2, "assembling prompt")
	tpl, err := o.store.GetPromptTemplate(ctx, businessType, stage)
	if err != nil && !store.IsNotFound(err) {
		return 0, false, eris.Wrap(err, "generator: load prompt template")
	}
	prompts := resolveTemplate(tpl, stage)

	existing, err := o.store.ListNames(ctx, businessType)
	if err != nil {
		return 0, false, eris.Wrap(err, "generator: list existing names")
	}
	vars := map[string]string{
		"business_type": businessType,
		"context":       genContext,
		"existing":      formatExistingNames(existing, o.opts.MaxExistingNames),
	}

	var usage anthropic.TokenUsage
	defer func() { usage.LogCost(o.opts.Model, string(stage)) }()

	switch stage {
	case model.StageTestPoint:
		return o.runPoints(ctx, job, businessType, prompts, vars, &usage)
	default:
		return o.runCases(ctx, job, businessType, prompts, vars, &usage)
	}
}

// runPoints makes a single model call and persists every recovered record
// as a TEST_POINT row, all-or-nothing.
func (o *Orchestrator) runPoints(ctx context.Context, job *model.Job, businessType string, prompts promptPair, vars map[string]string, usage *anthropic.TokenUsage) (int, bool, error) {
	o.step(ctx, job, 3, "calling model")
	resp, err := o.callModel(ctx, prompts.system, renderPrompt(prompts.user, vars))
	if err != nil {
		return 0, false, eris.Wrap(err, "generator: test point call")
	}
	usage.Add(resp.Usage)

	o.step(ctx, job, 4, "recovering structured output")
	result := recovery.Recover(resp.Text(), PointShape)
	zap.L().Info("recovered test point records",
		zap.String("job_id", job.ID),
		zap.Int("records", len(result.Records)),
		zap.String("strategy", result.Strategy),
		zap.String("provenance", string(result.Provenance)),
	)

	o.step(ctx, job, 5, "persisting test points")
	count := 0
	err = o.store.InTx(ctx, func(s store.Session) error {
		checker := names.NewChecker(s)
		for _, rec := range result.Records {
			name, err := checker.ResolveWithSuffix(ctx, businessType, strings.TrimSpace(rec["name"]))
			if err != nil {
				return err
			}
			asset := &model.TestAsset{
				BusinessType: businessType,
				ItemID:       uuid.New().String(),
				Name:         name,
				Stage:        model.StageTestPoint,
				Status:       model.StatusDraft,
			}
			if problems := asset.Validate(); len(problems) > 0 {
				return eris.Errorf("generator: invalid generated point: %s", strings.Join(problems, "; "))
			}
			if _, err := s.CreateAsset(ctx, asset); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, false, eris.Wrap(err, "generator: persist test points")
	}
	return count, result.Degraded(), nil
}

// runCases expands each TEST_POINT without a paired case into one TEST_CASE
// row. Model calls happen up front; persistence is a single transaction.
func (o *Orchestrator) runCases(ctx context.Context, job *model.Job, businessType string, prompts promptPair, vars map[string]string, usage *anthropic.TokenUsage) (int, bool, error) {
	o.step(ctx, job, 3, "selecting test points")
	points, err := o.store.ListAssets(ctx, store.AssetFilter{
		BusinessType: businessType,
		Stage:        model.StageTestPoint,
		Limit:        100000,
	})
	if err != nil {
		return 0, false, eris.Wrap(err, "generator: list test points")
	}

	type pending struct {
		point  model.TestAsset
		record recovery.Record
		review bool
	}
	var batch []pending
	needsReview := false

	o.step(ctx, job, 4, "calling model per test point")
	for _, p := range points {
		pair, err := o.store.GetPairAsset(ctx, businessType, p.ItemID, model.StageTestCase)
		if err != nil {
			return 0, false, eris.Wrap(err, "generator: pair lookup")
		}
		if pair != nil {
			continue
		}

		vars["point_name"] = p.Name
		resp, err := o.callModel(ctx, prompts.system, renderPrompt(prompts.user, vars))
		if err != nil {
			return 0, false, eris.Wrapf(err, "generator: test case call for %q", p.Name)
		}
		usage.Add(resp.Usage)

		result := recovery.Recover(resp.Text(), CaseShape)
		if len(result.Records) == 0 {
			continue
		}
		needsReview = needsReview || result.Degraded()
		// One case per point: surplus records are logged and dropped.
		if len(result.Records) > 1 {
			zap.L().Warn("model returned multiple cases for one point",
				zap.String("point", p.Name),
				zap.Int("records", len(result.Records)),
			)
		}
		batch = append(batch, pending{point: p, record: result.Records[0], review: result.Degraded()})
	}

	o.step(ctx, job, 5, "persisting test cases")
	count := 0
	err = o.store.InTx(ctx, func(s store.Session) error {
		checker := names.NewChecker(s)
		for _, item := range batch {
			rawName := strings.TrimSpace(item.record["name"])
			if rawName == "" {
				rawName = item.point.Name + " - steps"
			}
			name, err := checker.ResolveWithSuffix(ctx, businessType, rawName)
			if err != nil {
				return err
			}
			asset := &model.TestAsset{
				BusinessType:   businessType,
				ItemID:         item.point.ItemID,
				ProjectID:      item.point.ProjectID,
				Name:           name,
				Stage:          model.StageTestCase,
				Status:         model.StatusDraft,
				Preconditions:  item.record["preconditions"],
				Steps:          item.record["steps"],
				ExpectedResult: item.record["expected_result"],
			}
			if problems := asset.Validate(); len(problems) > 0 {
				return eris.Errorf("generator: invalid generated case: %s", strings.Join(problems, "; "))
			}
			if _, err := s.CreateAsset(ctx, asset); err != nil {
				return err
			}
			if err := s.UpdateAssetStatus(ctx, item.point.ID, model.StatusCompleted); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, false, eris.Wrap(err, "generator: persist test cases")
	}
	return count, needsReview, nil
}

// GenerateBatch runs Generate sequentially for each business type. A failed
// type is dead-lettered and does not stop the run; cancellation between
// types stops it.
func (o *Orchestrator) GenerateBatch(ctx context.Context, businessTypes []string, stage model.Stage, genContext string) (*model.BatchJobResult, error) {
	if !model.ValidStage(stage) {
		return nil, eris.Errorf("generator: unknown stage %q", stage)
	}

	out := &model.BatchJobResult{}
	for _, bt := range businessTypes {
		if ctx.Err() != nil {
			out.Canceled = true
			break
		}

		typeCtx, cancel := context.WithTimeout(ctx, o.opts.PerTypeTimeout)
		res, err := o.Generate(typeCtx, bt, stage, genContext)
		cancel()

		if err != nil {
			out.Failed++
			o.deadLetter(bt, stage, err)
			if res != nil {
				out.Results = append(out.Results, *res)
			}
			continue
		}
		out.Succeeded++
		out.Results = append(out.Results, *res)
	}
	return out, nil
}

func (o *Orchestrator) deadLetter(businessType string, stage model.Stage, err error) {
	now := time.Now().UTC()
	entry := resilience.DLQEntry{
		ID:           uuid.New().String(),
		BusinessType: businessType,
		Stage:        string(stage),
		Error:        err.Error(),
		ErrorType:    resilience.ClassifyError(err),
		MaxRetries:   3,
		NextRetryAt:  now.Add(5 * time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	o.mu.Lock()
	o.dlq = append(o.dlq, entry)
	o.mu.Unlock()
	zap.L().Warn("generation target dead-lettered",
		zap.String("business_type", businessType),
		zap.String("stage", string(stage)),
		zap.String("error_type", entry.ErrorType),
		zap.Error(err),
	)
}

// callModel issues one rate-limited CreateMessage with retry and circuit
// breaking around transient API failures.
func (o *Orchestrator) callModel(ctx context.Context, system, user string) (*anthropic.MessageResponse, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := anthropic.MessageRequest{
		Model:       o.opts.Model,
		MaxTokens:   o.opts.MaxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &o.opts.Temperature,
	}
	if o.opts.CachePrompt {
		req.System = anthropic.BuildCachedSystemBlocks(system)
	} else {
		req.System = []anthropic.SystemBlock{{Text: system}}
	}

	retryCfg := o.opts.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	}
	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.ExecuteVal(ctx, o.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return o.llm.CreateMessage(ctx, req)
		})
	})
}

func (o *Orchestrator) step(ctx context.Context, job *model.Job, n int, description string) {
	job.Step = n
	job.StepDescription = description
	if err := o.store.UpdateJobStep(ctx, job.ID, n, description); err != nil {
		zap.L().Warn("failed to record job step",
			zap.String("job_id", job.ID),
			zap.Int("step", n),
			zap.Error(err),
		)
	}
}
