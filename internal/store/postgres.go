package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/testweaver/internal/model"
)

// pgxConn is the query surface shared by pgxpool.Pool, pgx.Tx, and pgxmock.
type pgxConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txBeginner additionally starts transactions.
type txBeginner interface {
	pgxConn
	Begin(ctx context.Context) (pgx.Tx, error)
}

// postgresQuerier implements Querier against a pgxConn.
type postgresQuerier struct {
	q pgxConn
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	postgresQuerier
	pool    txBeginner
	closeFn func()
}

// postgresSession is a Querier bound to one transaction, carrying the sync
// marker set.
type postgresSession struct {
	postgresQuerier
	markers markerSet
}

func (s *postgresSession) Mark(key MarkerKey, token string)      { s.markers.Mark(key, token) }
func (s *postgresSession) MarkedBy(key MarkerKey) (string, bool) { return s.markers.MarkedBy(key) }

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{
		postgresQuerier: postgresQuerier{q: pool},
		pool:            pool,
		closeFn:         pool.Close,
	}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS test_assets (
	id              TEXT PRIMARY KEY,
	business_type   TEXT NOT NULL,
	item_id         TEXT NOT NULL,
	project_id      TEXT,
	name            TEXT NOT NULL,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'DRAFT',
	preconditions   TEXT,
	steps           TEXT,
	expected_result TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (business_type, item_id, stage)
);

CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	business_type TEXT NOT NULL,
	name          TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS business_types (
	code       TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prompt_templates (
	id            TEXT PRIMARY KEY,
	business_type TEXT NOT NULL,
	stage         TEXT NOT NULL,
	system_prompt TEXT NOT NULL,
	user_prompt   TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (business_type, stage)
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	business_type    TEXT NOT NULL,
	stage            TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'PENDING',
	step             INTEGER NOT NULL DEFAULT 0,
	step_description TEXT NOT NULL DEFAULT '',
	generated        INTEGER NOT NULL DEFAULT 0,
	needs_review     BOOLEAN NOT NULL DEFAULT false,
	error            TEXT,
	started_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_assets_business_type ON test_assets(business_type);
CREATE INDEX IF NOT EXISTS idx_assets_pair ON test_assets(business_type, item_id);
CREATE INDEX IF NOT EXISTS idx_assets_name ON test_assets(business_type, name);
CREATE INDEX IF NOT EXISTS idx_assets_project ON test_assets(project_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_business_type ON jobs(business_type);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(sess Session) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	sess := &postgresSession{
		postgresQuerier: postgresQuerier{q: tx},
		markers:         markerSet{},
	}
	if err := fn(sess); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func (s *postgresQuerier) CreateAsset(ctx context.Context, a *model.TestAsset) (*model.TestAsset, error) {
	out := *a
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Status == "" {
		out.Status = model.StatusDraft
	}
	now := time.Now().UTC()
	out.CreatedAt, out.UpdatedAt = now, now

	_, err := s.q.Exec(ctx,
		`INSERT INTO test_assets (id, business_type, item_id, project_id, name, stage, status,
		   preconditions, steps, expected_result, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		out.ID, out.BusinessType, out.ItemID, nullable(out.ProjectID), out.Name,
		string(out.Stage), string(out.Status), nullable(out.Preconditions),
		nullable(out.Steps), nullable(out.ExpectedResult), now, now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert asset")
	}
	return &out, nil
}

const pgAssetColumns = `id, business_type, item_id, project_id, name, stage, status,
	preconditions, steps, expected_result, created_at, updated_at`

func (s *postgresQuerier) GetAsset(ctx context.Context, id string) (*model.TestAsset, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+pgAssetColumns+` FROM test_assets WHERE id = $1`, id)
	return scanPgAsset(row)
}

func (s *postgresQuerier) GetPairAsset(ctx context.Context, businessType, itemID string, stage model.Stage) (*model.TestAsset, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+pgAssetColumns+` FROM test_assets
		 WHERE business_type = $1 AND item_id = $2 AND stage = $3`,
		businessType, itemID, string(stage))
	a, err := scanPgAsset(row)
	if IsNotFound(err) {
		return nil, nil
	}
	return a, err
}

func (s *postgresQuerier) ListAssets(ctx context.Context, filter AssetFilter) ([]model.TestAsset, error) {
	query := `SELECT ` + pgAssetColumns + ` FROM test_assets WHERE 1=1`
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if filter.BusinessType != "" {
		query += ` AND business_type = ` + arg(filter.BusinessType)
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ` + arg(filter.ProjectID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ` + arg(string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	query += ` ORDER BY created_at, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list assets")
	}
	defer rows.Close()

	var assets []model.TestAsset
	for rows.Next() {
		a, err := scanPgAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, eris.Wrap(rows.Err(), "postgres: list assets iterate")
}

func (s *postgresQuerier) UpdateAssetName(ctx context.Context, id, name string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE test_assets SET name = $1, updated_at = $2 WHERE id = $3`,
		name, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update asset name %s", id)
	}
	return checkPgRowsAffected(tag, "asset", id)
}

func (s *postgresQuerier) UpdateAssetStatus(ctx context.Context, id string, status model.Status) error {
	if !model.ValidStatus(status) {
		return eris.Errorf("postgres: invalid status %q", status)
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE test_assets SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update asset status %s", id)
	}
	return checkPgRowsAffected(tag, "asset", id)
}

func (s *postgresQuerier) UpdateAssetExecution(ctx context.Context, id, preconditions, steps, expectedResult string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE test_assets SET preconditions = $1, steps = $2, expected_result = $3, updated_at = $4
		 WHERE id = $5 AND stage = $6`,
		nullable(preconditions), nullable(steps), nullable(expectedResult),
		time.Now().UTC(), id, string(model.StageTestCase))
	if err != nil {
		return eris.Wrapf(err, "postgres: update asset execution %s", id)
	}
	return checkPgRowsAffected(tag, "asset", id)
}

func (s *postgresQuerier) DemoteCase(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE test_assets
		 SET stage = $1, status = $2, preconditions = NULL, steps = NULL,
		     expected_result = NULL, updated_at = $3
		 WHERE id = $4 AND stage = $5`,
		string(model.StageTestPoint), string(model.StatusDraft),
		time.Now().UTC(), id, string(model.StageTestCase))
	if err != nil {
		return eris.Wrapf(err, "postgres: demote case %s", id)
	}
	return checkPgRowsAffected(tag, "asset", id)
}

func (s *postgresQuerier) DeleteAsset(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM test_assets WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete asset %s", id)
	}
	return checkPgRowsAffected(tag, "asset", id)
}

func (s *postgresQuerier) FindByExactName(ctx context.Context, businessType, name, excludeID string) ([]string, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id FROM test_assets WHERE business_type = $1 AND name = $2 AND id != $3`,
		businessType, name, excludeID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find by exact name")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: find by exact name iterate")
}

func (s *postgresQuerier) ListNames(ctx context.Context, businessType string) ([]NameRef, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, name FROM test_assets WHERE business_type = $1 ORDER BY created_at, id`,
		businessType)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list names")
	}
	defer rows.Close()

	var refs []NameRef
	for rows.Next() {
		var r NameRef
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan name ref")
		}
		refs = append(refs, r)
	}
	return refs, eris.Wrap(rows.Err(), "postgres: list names iterate")
}

func (s *postgresQuerier) CreateProject(ctx context.Context, p *model.Project) (*model.Project, error) {
	out := *p
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.CreatedAt = time.Now().UTC()

	_, err := s.q.Exec(ctx,
		`INSERT INTO projects (id, business_type, name, created_at) VALUES ($1, $2, $3, $4)`,
		out.ID, out.BusinessType, out.Name, out.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert project")
	}
	return &out, nil
}

func (s *postgresQuerier) ListProjects(ctx context.Context, businessType string) ([]model.Project, error) {
	query := `SELECT id, business_type, name, created_at FROM projects`
	var args []any
	if businessType != "" {
		query += ` WHERE business_type = $1`
		args = append(args, businessType)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.BusinessType, &p.Name, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan project")
		}
		projects = append(projects, p)
	}
	return projects, eris.Wrap(rows.Err(), "postgres: list projects iterate")
}

func (s *postgresQuerier) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete project %s", id)
	}
	return checkPgRowsAffected(tag, "project", id)
}

func (s *postgresQuerier) UpsertBusinessType(ctx context.Context, bt *model.BusinessType) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO business_types (code, name, active, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (code) DO UPDATE SET name = excluded.name, active = excluded.active`,
		bt.Code, bt.Name, bt.Active, time.Now().UTC())
	return eris.Wrapf(err, "postgres: upsert business type %s", bt.Code)
}

func (s *postgresQuerier) GetBusinessType(ctx context.Context, code string) (*model.BusinessType, error) {
	row := s.q.QueryRow(ctx,
		`SELECT code, name, active, created_at FROM business_types WHERE code = $1`, code)

	var bt model.BusinessType
	err := row.Scan(&bt.Code, &bt.Name, &bt.Active, &bt.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "business type %s", code)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get business type")
	}
	return &bt, nil
}

func (s *postgresQuerier) ListBusinessTypes(ctx context.Context) ([]model.BusinessType, error) {
	rows, err := s.q.Query(ctx,
		`SELECT code, name, active, created_at FROM business_types ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list business types")
	}
	defer rows.Close()

	var types []model.BusinessType
	for rows.Next() {
		var bt model.BusinessType
		if err := rows.Scan(&bt.Code, &bt.Name, &bt.Active, &bt.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan business type")
		}
		types = append(types, bt)
	}
	return types, eris.Wrap(rows.Err(), "postgres: list business types iterate")
}

func (s *postgresQuerier) UpsertPromptTemplate(ctx context.Context, t *model.PromptTemplate) error {
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO prompt_templates (id, business_type, stage, system_prompt, user_prompt, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (business_type, stage) DO UPDATE SET
		   system_prompt = excluded.system_prompt, user_prompt = excluded.user_prompt`,
		id, t.BusinessType, string(t.Stage), t.SystemPrompt, t.UserPrompt, time.Now().UTC())
	return eris.Wrapf(err, "postgres: upsert prompt template %s/%s", t.BusinessType, t.Stage)
}

func (s *postgresQuerier) GetPromptTemplate(ctx context.Context, businessType string, stage model.Stage) (*model.PromptTemplate, error) {
	row := s.q.QueryRow(ctx,
		`SELECT id, business_type, stage, system_prompt, user_prompt, created_at
		 FROM prompt_templates WHERE business_type = $1 AND stage = $2`,
		businessType, string(stage))

	var t model.PromptTemplate
	err := row.Scan(&t.ID, &t.BusinessType, &t.Stage, &t.SystemPrompt, &t.UserPrompt, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "prompt template %s/%s", businessType, stage)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get prompt template")
	}
	return &t, nil
}

func (s *postgresQuerier) CreateJob(ctx context.Context, businessType string, stage model.Stage) (*model.Job, error) {
	job := &model.Job{
		ID:           uuid.New().String(),
		BusinessType: businessType,
		Stage:        stage,
		Status:       model.JobPending,
		StartedAt:    time.Now().UTC(),
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO jobs (id, business_type, stage, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.BusinessType, string(job.Stage), string(job.Status), job.StartedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}
	return job, nil
}

func (s *postgresQuerier) UpdateJobStep(ctx context.Context, id string, step int, description string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE jobs SET status = $1, step = $2, step_description = $3 WHERE id = $4`,
		string(model.JobRunning), step, description, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job step %s", id)
	}
	return checkPgRowsAffected(tag, "job", id)
}

func (s *postgresQuerier) CompleteJob(ctx context.Context, id string, generated int, needsReview bool) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE jobs SET status = $1, generated = $2, needs_review = $3, finished_at = $4 WHERE id = $5`,
		string(model.JobCompleted), generated, needsReview, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	return checkPgRowsAffected(tag, "job", id)
}

func (s *postgresQuerier) FailJob(ctx context.Context, id string, message string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, finished_at = $3 WHERE id = $4`,
		string(model.JobFailed), message, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	return checkPgRowsAffected(tag, "job", id)
}

func (s *postgresQuerier) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.q.QueryRow(ctx,
		`SELECT id, business_type, stage, status, step, step_description, generated,
		        needs_review, error, started_at, finished_at
		 FROM jobs WHERE id = $1`, id)
	return scanPgJob(row)
}

func (s *postgresQuerier) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, business_type, stage, status, step, step_description, generated,
	                 needs_review, error, started_at, finished_at
	          FROM jobs WHERE 1=1`
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if filter.BusinessType != "" {
		query += ` AND business_type = ` + arg(filter.BusinessType)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

// helpers

func placeholder(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "$" + digits[n:n+1]
	}
	return "$" + digits[n/10:n/10+1] + digits[n%10:n%10+1]
}

func checkPgRowsAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func scanPgAsset(row pgx.Row) (*model.TestAsset, error) {
	var a model.TestAsset
	var projectID, preconditions, steps, expectedResult *string

	err := row.Scan(&a.ID, &a.BusinessType, &a.ItemID, &projectID, &a.Name,
		&a.Stage, &a.Status, &preconditions, &steps, &expectedResult,
		&a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "asset")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan asset")
	}

	a.ProjectID = deref(projectID)
	a.Preconditions = deref(preconditions)
	a.Steps = deref(steps)
	a.ExpectedResult = deref(expectedResult)
	return &a, nil
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var errMsg *string
	var finishedAt *time.Time

	err := row.Scan(&j.ID, &j.BusinessType, &j.Stage, &j.Status, &j.Step,
		&j.StepDescription, &j.Generated, &j.NeedsReview, &errMsg,
		&j.StartedAt, &finishedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "job")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	j.Error = deref(errMsg)
	j.FinishedAt = finishedAt
	return &j, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
