package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/testweaver/internal/model"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the query methods can
// run against either.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteQuerier implements Querier against a dbtx.
type sqliteQuerier struct {
	q dbtx
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	sqliteQuerier
	db *sql.DB
}

// sqliteSession is a Querier bound to one transaction, carrying the sync
// marker set.
type sqliteSession struct {
	sqliteQuerier
	markers markerSet
}

func (s *sqliteSession) Mark(key MarkerKey, token string)      { s.markers.Mark(key, token) }
func (s *sqliteSession) MarkedBy(key MarkerKey) (string, bool) { return s.markers.MarkedBy(key) }

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqliteQuerier: sqliteQuerier{q: db}, db: db}, nil
}

const sqliteMigration = `
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
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (business_type, item_id, stage)
);

CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	business_type TEXT NOT NULL,
	name          TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS business_types (
	code       TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS prompt_templates (
	id            TEXT PRIMARY KEY,
	business_type TEXT NOT NULL,
	stage         TEXT NOT NULL,
	system_prompt TEXT NOT NULL,
	user_prompt   TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
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
	needs_review     INTEGER NOT NULL DEFAULT 0,
	error            TEXT,
	started_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at      DATETIME
);

CREATE INDEX IF NOT EXISTS idx_assets_business_type ON test_assets(business_type);
CREATE INDEX IF NOT EXISTS idx_assets_pair ON test_assets(business_type, item_id);
CREATE INDEX IF NOT EXISTS idx_assets_name ON test_assets(business_type, name);
CREATE INDEX IF NOT EXISTS idx_assets_project ON test_assets(project_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_business_type ON jobs(business_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(sess Session) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}

	sess := &sqliteSession{
		sqliteQuerier: sqliteQuerier{q: tx},
		markers:       markerSet{},
	}
	if err := fn(sess); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return eris.Wrapf(err, "sqlite: rollback also failed: %v", rbErr)
		}
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

const assetColumns = `id, business_type, item_id, project_id, name, stage, status,
	preconditions, steps, expected_result, created_at, updated_at`

func (s *sqliteQuerier) CreateAsset(ctx context.Context, a *model.TestAsset) (*model.TestAsset, error) {
	out := *a
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Status == "" {
		out.Status = model.StatusDraft
	}
	now := time.Now().UTC()
	out.CreatedAt, out.UpdatedAt = now, now

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO test_assets (`+assetColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.BusinessType, out.ItemID, nullable(out.ProjectID), out.Name,
		string(out.Stage), string(out.Status), nullable(out.Preconditions),
		nullable(out.Steps), nullable(out.ExpectedResult), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert asset")
	}
	return &out, nil
}

func (s *sqliteQuerier) GetAsset(ctx context.Context, id string) (*model.TestAsset, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM test_assets WHERE id = ?`, id)
	return scanAsset(row)
}

func (s *sqliteQuerier) GetPairAsset(ctx context.Context, businessType, itemID string, stage model.Stage) (*model.TestAsset, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM test_assets
		 WHERE business_type = ? AND item_id = ? AND stage = ?`,
		businessType, itemID, string(stage))
	a, err := scanAsset(row)
	if IsNotFound(err) {
		return nil, nil
	}
	return a, err
}

func (s *sqliteQuerier) ListAssets(ctx context.Context, filter AssetFilter) ([]model.TestAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM test_assets WHERE 1=1`
	var args []any

	if filter.BusinessType != "" {
		query += ` AND business_type = ?`
		args = append(args, filter.BusinessType)
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assets")
	}
	defer rows.Close()

	var assets []model.TestAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, eris.Wrap(rows.Err(), "sqlite: list assets iterate")
}

func (s *sqliteQuerier) UpdateAssetName(ctx context.Context, id, name string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE test_assets SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update asset name %s", id)
	}
	return checkRowsAffected(res, "asset", id)
}

func (s *sqliteQuerier) UpdateAssetStatus(ctx context.Context, id string, status model.Status) error {
	if !model.ValidStatus(status) {
		return eris.Errorf("sqlite: invalid status %q", status)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE test_assets SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update asset status %s", id)
	}
	return checkRowsAffected(res, "asset", id)
}

func (s *sqliteQuerier) UpdateAssetExecution(ctx context.Context, id, preconditions, steps, expectedResult string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE test_assets SET preconditions = ?, steps = ?, expected_result = ?, updated_at = ?
		 WHERE id = ? AND stage = ?`,
		nullable(preconditions), nullable(steps), nullable(expectedResult),
		time.Now().UTC(), id, string(model.StageTestCase))
	if err != nil {
		return eris.Wrapf(err, "sqlite: update asset execution %s", id)
	}
	return checkRowsAffected(res, "asset", id)
}

func (s *sqliteQuerier) DemoteCase(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE test_assets
		 SET stage = ?, status = ?, preconditions = NULL, steps = NULL,
		     expected_result = NULL, updated_at = ?
		 WHERE id = ? AND stage = ?`,
		string(model.StageTestPoint), string(model.StatusDraft),
		time.Now().UTC(), id, string(model.StageTestCase))
	if err != nil {
		return eris.Wrapf(err, "sqlite: demote case %s", id)
	}
	return checkRowsAffected(res, "asset", id)
}

func (s *sqliteQuerier) DeleteAsset(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM test_assets WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete asset %s", id)
	}
	return checkRowsAffected(res, "asset", id)
}

func (s *sqliteQuerier) FindByExactName(ctx context.Context, businessType, name, excludeID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id FROM test_assets WHERE business_type = ? AND name = ? AND id != ?`,
		businessType, name, excludeID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find by exact name")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: find by exact name iterate")
}

func (s *sqliteQuerier) ListNames(ctx context.Context, businessType string) ([]NameRef, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name FROM test_assets WHERE business_type = ? ORDER BY created_at, id`,
		businessType)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list names")
	}
	defer rows.Close()

	var refs []NameRef
	for rows.Next() {
		var r NameRef
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan name ref")
		}
		refs = append(refs, r)
	}
	return refs, eris.Wrap(rows.Err(), "sqlite: list names iterate")
}

func (s *sqliteQuerier) CreateProject(ctx context.Context, p *model.Project) (*model.Project, error) {
	out := *p
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.CreatedAt = time.Now().UTC()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO projects (id, business_type, name, created_at) VALUES (?, ?, ?, ?)`,
		out.ID, out.BusinessType, out.Name, out.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert project")
	}
	return &out, nil
}

func (s *sqliteQuerier) ListProjects(ctx context.Context, businessType string) ([]model.Project, error) {
	query := `SELECT id, business_type, name, created_at FROM projects`
	var args []any
	if businessType != "" {
		query += ` WHERE business_type = ?`
		args = append(args, businessType)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.BusinessType, &p.Name, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan project")
		}
		projects = append(projects, p)
	}
	return projects, eris.Wrap(rows.Err(), "sqlite: list projects iterate")
}

func (s *sqliteQuerier) DeleteProject(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete project %s", id)
	}
	return checkRowsAffected(res, "project", id)
}

func (s *sqliteQuerier) UpsertBusinessType(ctx context.Context, bt *model.BusinessType) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO business_types (code, name, active, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (code) DO UPDATE SET name = excluded.name, active = excluded.active`,
		bt.Code, bt.Name, boolInt(bt.Active), time.Now().UTC())
	return eris.Wrapf(err, "sqlite: upsert business type %s", bt.Code)
}

func (s *sqliteQuerier) GetBusinessType(ctx context.Context, code string) (*model.BusinessType, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT code, name, active, created_at FROM business_types WHERE code = ?`, code)

	var bt model.BusinessType
	var active int
	err := row.Scan(&bt.Code, &bt.Name, &active, &bt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "business type %s", code)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get business type")
	}
	bt.Active = active != 0
	return &bt, nil
}

func (s *sqliteQuerier) ListBusinessTypes(ctx context.Context) ([]model.BusinessType, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT code, name, active, created_at FROM business_types ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list business types")
	}
	defer rows.Close()

	var types []model.BusinessType
	for rows.Next() {
		var bt model.BusinessType
		var active int
		if err := rows.Scan(&bt.Code, &bt.Name, &active, &bt.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan business type")
		}
		bt.Active = active != 0
		types = append(types, bt)
	}
	return types, eris.Wrap(rows.Err(), "sqlite: list business types iterate")
}

func (s *sqliteQuerier) UpsertPromptTemplate(ctx context.Context, t *model.PromptTemplate) error {
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO prompt_templates (id, business_type, stage, system_prompt, user_prompt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (business_type, stage) DO UPDATE SET
		   system_prompt = excluded.system_prompt, user_prompt = excluded.user_prompt`,
		id, t.BusinessType, string(t.Stage), t.SystemPrompt, t.UserPrompt, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: upsert prompt template %s/%s", t.BusinessType, t.Stage)
}

func (s *sqliteQuerier) GetPromptTemplate(ctx context.Context, businessType string, stage model.Stage) (*model.PromptTemplate, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, business_type, stage, system_prompt, user_prompt, created_at
		 FROM prompt_templates WHERE business_type = ? AND stage = ?`,
		businessType, string(stage))

	var t model.PromptTemplate
	err := row.Scan(&t.ID, &t.BusinessType, &t.Stage, &t.SystemPrompt, &t.UserPrompt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "prompt template %s/%s", businessType, stage)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get prompt template")
	}
	return &t, nil
}

func (s *sqliteQuerier) CreateJob(ctx context.Context, businessType string, stage model.Stage) (*model.Job, error) {
	job := &model.Job{
		ID:           uuid.New().String(),
		BusinessType: businessType,
		Stage:        stage,
		Status:       model.JobPending,
		StartedAt:    time.Now().UTC(),
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO jobs (id, business_type, stage, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.BusinessType, string(job.Stage), string(job.Status), job.StartedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}
	return job, nil
}

func (s *sqliteQuerier) UpdateJobStep(ctx context.Context, id string, step int, description string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET status = ?, step = ?, step_description = ? WHERE id = ?`,
		string(model.JobRunning), step, description, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job step %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *sqliteQuerier) CompleteJob(ctx context.Context, id string, generated int, needsReview bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET status = ?, generated = ?, needs_review = ?, finished_at = ? WHERE id = ?`,
		string(model.JobCompleted), generated, boolInt(needsReview), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *sqliteQuerier) FailJob(ctx context.Context, id string, message string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(model.JobFailed), message, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *sqliteQuerier) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, business_type, stage, status, step, step_description, generated,
		        needs_review, error, started_at, finished_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *sqliteQuerier) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, business_type, stage, status, step, step_description, generated,
	                 needs_review, error, started_at, finished_at
	          FROM jobs WHERE 1=1`
	var args []any
	if filter.BusinessType != "" {
		query += ` AND business_type = ?`
		args = append(args, filter.BusinessType)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAsset(row scannable) (*model.TestAsset, error) {
	var a model.TestAsset
	var projectID, preconditions, steps, expectedResult sql.NullString

	err := row.Scan(&a.ID, &a.BusinessType, &a.ItemID, &projectID, &a.Name,
		&a.Stage, &a.Status, &preconditions, &steps, &expectedResult,
		&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "asset")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan asset")
	}

	a.ProjectID = projectID.String
	a.Preconditions = preconditions.String
	a.Steps = steps.String
	a.ExpectedResult = expectedResult.String
	return &a, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var errMsg sql.NullString
	var needsReview int
	var finishedAt sql.NullTime

	err := row.Scan(&j.ID, &j.BusinessType, &j.Stage, &j.Status, &j.Step,
		&j.StepDescription, &j.Generated, &needsReview, &errMsg,
		&j.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "job")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	j.NeedsReview = needsReview != 0
	j.Error = errMsg.String
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return &j, nil
}
