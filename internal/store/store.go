package store

import (
	"context"

	"github.com/sells-group/testweaver/internal/model"
)

// AssetFilter specifies criteria for listing test assets.
type AssetFilter struct {
	BusinessType string       `json:"business_type,omitempty"`
	ProjectID    string       `json:"project_id,omitempty"`
	Stage        model.Stage  `json:"stage,omitempty"`
	Status       model.Status `json:"status,omitempty"`
	Limit        int          `json:"limit,omitempty"`
	Offset       int          `json:"offset,omitempty"`
}

// JobFilter specifies criteria for listing generation jobs.
type JobFilter struct {
	BusinessType string          `json:"business_type,omitempty"`
	Status       model.JobStatus `json:"status,omitempty"`
	Limit        int             `json:"limit,omitempty"`
}

// NameRef is a minimal (id, name) projection used by uniqueness and
// conflict scans.
type NameRef struct {
	ID   string
	Name string
}

// MarkerKey identifies an entity in a transaction's sync marker set.
type MarkerKey struct {
	EntityType string
	EntityID   string
}

// Querier is the persistence surface shared by the root store and
// transaction-bound sessions.
type Querier interface {
	// Test assets
	CreateAsset(ctx context.Context, a *model.TestAsset) (*model.TestAsset, error)
	GetAsset(ctx context.Context, id string) (*model.TestAsset, error)
	// GetPairAsset fetches the row of the given stage sharing
	// (businessType, itemID). Returns (nil, nil) when absent.
	GetPairAsset(ctx context.Context, businessType, itemID string, stage model.Stage) (*model.TestAsset, error)
	ListAssets(ctx context.Context, filter AssetFilter) ([]model.TestAsset, error)
	UpdateAssetName(ctx context.Context, id, name string) error
	UpdateAssetStatus(ctx context.Context, id string, status model.Status) error
	UpdateAssetExecution(ctx context.Context, id, preconditions, steps, expectedResult string) error
	// DemoteCase turns a TEST_CASE row back into a bare TEST_POINT:
	// execution fields cleared, stage rewritten, status reset to DRAFT.
	DemoteCase(ctx context.Context, id string) error
	DeleteAsset(ctx context.Context, id string) error
	// FindByExactName returns ids of assets in the business type whose name
	// matches exactly (case-sensitive), excluding excludeID.
	FindByExactName(ctx context.Context, businessType, name, excludeID string) ([]string, error)
	// ListNames returns (id, name) for every asset in the business type.
	ListNames(ctx context.Context, businessType string) ([]NameRef, error)

	// Projects
	CreateProject(ctx context.Context, p *model.Project) (*model.Project, error)
	ListProjects(ctx context.Context, businessType string) ([]model.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Business types
	UpsertBusinessType(ctx context.Context, bt *model.BusinessType) error
	GetBusinessType(ctx context.Context, code string) (*model.BusinessType, error)
	ListBusinessTypes(ctx context.Context) ([]model.BusinessType, error)

	// Prompt templates
	UpsertPromptTemplate(ctx context.Context, t *model.PromptTemplate) error
	GetPromptTemplate(ctx context.Context, businessType string, stage model.Stage) (*model.PromptTemplate, error)

	// Jobs
	CreateJob(ctx context.Context, businessType string, stage model.Stage) (*model.Job, error)
	UpdateJobStep(ctx context.Context, id string, step int, description string) error
	CompleteJob(ctx context.Context, id string, generated int, needsReview bool) error
	FailJob(ctx context.Context, id string, message string) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
}

// Session is a Querier bound to a single transaction. It exclusively owns
// the sync marker set for the transaction's lifetime; the set is discarded
// when the transaction ends and is never shared across transactions.
type Session interface {
	Querier

	// Mark registers an entity in the marker set under a session token.
	Mark(key MarkerKey, token string)
	// MarkedBy returns the token an entity was marked under, if any.
	MarkedBy(key MarkerKey) (string, bool)
}

// Store is the root persistence interface.
type Store interface {
	Querier

	// InTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(s Session) error) error

	Migrate(ctx context.Context) error
	Close() error
}

// markerSet is the transaction-scoped anti-cycle guard shared by both
// store drivers.
type markerSet map[MarkerKey]string

func (m markerSet) Mark(key MarkerKey, token string) {
	m[key] = token
}

func (m markerSet) MarkedBy(key MarkerKey) (string, bool) {
	token, ok := m[key]
	return token, ok
}
