package names

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "names.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func mustCreate(t *testing.T, s store.Store, businessType, itemID, name string) *model.TestAsset {
	t.Helper()
	a, err := s.CreateAsset(context.Background(), &model.TestAsset{
		BusinessType: businessType,
		ItemID:       itemID,
		Name:         name,
		Stage:        model.StageTestPoint,
		Status:       model.StatusDraft,
	})
	require.NoError(t, err)
	return a
}

func TestIsUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := NewChecker(s)

	existing := mustCreate(t, s, "RCC", "itm-1", "Door Lock")

	unique, conflictID, err := c.IsUnique(ctx, "RCC", "Door Lock", "")
	require.NoError(t, err)
	assert.False(t, unique)
	assert.Equal(t, existing.ID, conflictID)

	// Excluding the entity itself (update path) is not a conflict.
	unique, _, err = c.IsUnique(ctx, "RCC", "Door Lock", existing.ID)
	require.NoError(t, err)
	assert.True(t, unique)

	// Case differences are exact-unique.
	unique, _, err = c.IsUnique(ctx, "RCC", "door lock", "")
	require.NoError(t, err)
	assert.True(t, unique)

	// Other business types are out of scope.
	unique, _, err = c.IsUnique(ctx, "RFD", "Door Lock", "")
	require.NoError(t, err)
	assert.True(t, unique)
}

func TestSimilarExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := NewChecker(s)

	existing := mustCreate(t, s, "RFD", "itm-1", "Door Lock")

	similar, id, err := c.SimilarExists(ctx, "RFD", "door lock", "")
	require.NoError(t, err)
	assert.True(t, similar)
	assert.Equal(t, existing.ID, id)

	// An exact match is not reported as merely similar.
	similar, _, err = c.SimilarExists(ctx, "RFD", "Door Lock", "")
	require.NoError(t, err)
	assert.False(t, similar)

	similar, _, err = c.SimilarExists(ctx, "RFD", "Window Latch", "")
	require.NoError(t, err)
	assert.False(t, similar)
}

func TestResolveWithSuffix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := NewChecker(s)

	mustCreate(t, s, "RCC", "itm-1", "Login")
	mustCreate(t, s, "RCC", "itm-2", "Login (1)")

	got, err := c.ResolveWithSuffix(ctx, "RCC", "Login")
	require.NoError(t, err)
	assert.Equal(t, "Login (2)", got)

	// Already-unique base names come back untouched.
	got, err = c.ResolveWithSuffix(ctx, "RCC", "Logout")
	require.NoError(t, err)
	assert.Equal(t, "Logout", got)
}

func TestResolveWithSuffixExhausted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := NewChecker(s)

	mustCreate(t, s, "RCC", "base", "Busy")
	for n := 1; n <= maxSuffixAttempts; n++ {
		mustCreate(t, s, "RCC", fmt.Sprintf("itm-%d", n), fmt.Sprintf("Busy (%d)", n))
	}

	_, err := c.ResolveWithSuffix(ctx, "RCC", "Busy")
	require.ErrorIs(t, err, ErrSuffixExhausted)
}
