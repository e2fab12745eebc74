// Package names implements the name uniqueness checks and suffix-based
// conflict resolution shared by the sync engine, the validator's auto-fix,
// and asset CRUD.
package names

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/testweaver/internal/store"
)

// maxSuffixAttempts bounds ResolveWithSuffix before giving up and surfacing
// a manual conflict.
const maxSuffixAttempts = 100

// ErrSuffixExhausted is returned when no unique " (n)" variant could be
// found within the attempt bound.
var ErrSuffixExhausted = eris.New("names: suffix attempts exhausted, manual conflict resolution required")

var fold = cases.Fold()

// Checker answers name uniqueness questions within a business type scope.
type Checker struct {
	q store.Querier
}

// NewChecker creates a Checker over the given persistence surface. Pass a
// Session to keep checks inside an enclosing transaction.
func NewChecker(q store.Querier) *Checker {
	return &Checker{q: q}
}

// IsUnique reports whether name has no exact case-sensitive match among
// assets of the business type, excluding excludeID (pass the entity's own
// id on update). On conflict the first conflicting id is returned.
func (c *Checker) IsUnique(ctx context.Context, businessType, name, excludeID string) (bool, string, error) {
	ids, err := c.q.FindByExactName(ctx, businessType, name, excludeID)
	if err != nil {
		return false, "", eris.Wrap(err, "names: exact match lookup")
	}
	if len(ids) > 0 {
		return false, ids[0], nil
	}
	return true, "", nil
}

// SimilarExists reports whether a case-insensitive (but not exact) match for
// name exists in the business type, excluding excludeID. This is a
// WARNING-level signal, distinct from the exact conflict.
func (c *Checker) SimilarExists(ctx context.Context, businessType, name, excludeID string) (bool, string, error) {
	refs, err := c.q.ListNames(ctx, businessType)
	if err != nil {
		return false, "", eris.Wrap(err, "names: similar name scan")
	}
	folded := fold.String(name)
	for _, r := range refs {
		if r.ID == excludeID || r.Name == name {
			continue
		}
		if fold.String(r.Name) == folded {
			return true, r.ID, nil
		}
	}
	return false, "", nil
}

// ResolveWithSuffix derives a unique name from baseName by appending " (n)"
// for increasing n. The attempt count is bounded; callers must surface
// ErrSuffixExhausted as a manual conflict rather than retrying.
func (c *Checker) ResolveWithSuffix(ctx context.Context, businessType, baseName string) (string, error) {
	unique, _, err := c.IsUnique(ctx, businessType, baseName, "")
	if err != nil {
		return "", err
	}
	if unique {
		return baseName, nil
	}

	for n := 1; n <= maxSuffixAttempts; n++ {
		candidate := fmt.Sprintf("%s (%d)", baseName, n)
		unique, _, err := c.IsUnique(ctx, businessType, candidate, "")
		if err != nil {
			return "", err
		}
		if unique {
			return candidate, nil
		}
	}
	return "", eris.Wrapf(ErrSuffixExhausted, "base name %q", baseName)
}
