package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return NewServer(s, nil), s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(into))
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	decodeInto(t, rr, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateAndGetAsset(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rr := doJSON(t, h, http.MethodPost, "/api/assets", map[string]any{
		"business_type": "RCC",
		"name":          "  Login succeeds  ",
		"stage":         "TEST_POINT",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var created model.TestAsset
	decodeInto(t, rr, &created)
	assert.Equal(t, "Login succeeds", created.Name)
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.ItemID)
	assert.Equal(t, model.StatusDraft, created.Status)

	rr = doJSON(t, h, http.MethodGet, "/api/assets/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got model.TestAsset
	decodeInto(t, rr, &got)
	assert.Equal(t, created.ID, got.ID)
}

func TestCreateAssetDuplicateNameConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	body := map[string]any{
		"business_type": "RCC",
		"name":          "Login succeeds",
		"stage":         "TEST_POINT",
	}
	rr := doJSON(t, h, http.MethodPost, "/api/assets", body)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/api/assets", body)
	assert.Equal(t, http.StatusConflict, rr.Code)
	var resp map[string]string
	decodeInto(t, rr, &resp)
	assert.Contains(t, resp["error"], "already taken")
}

func TestGetAssetNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Router(), http.MethodGet, "/api/assets/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListAssetsFiltered(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	for i, bt := range []string{"RCC", "RCC", "RFD"} {
		rr := doJSON(t, h, http.MethodPost, "/api/assets", map[string]any{
			"business_type": bt,
			"name":          fmt.Sprintf("Point %d", i),
			"stage":         "TEST_POINT",
		})
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := doJSON(t, h, http.MethodGet, "/api/assets/?business_type=RCC", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Assets []model.TestAsset `json:"assets"`
		Count  int               `json:"count"`
	}
	decodeInto(t, rr, &resp)
	assert.Equal(t, 2, resp.Count)
}

func TestPromoteAndDemoteOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rr := doJSON(t, h, http.MethodPost, "/api/assets", map[string]any{
		"business_type": "RCC",
		"name":          "Login succeeds",
		"stage":         "TEST_POINT",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var point model.TestAsset
	decodeInto(t, rr, &point)

	rr = doJSON(t, h, http.MethodPost, "/api/assets/"+point.ID+"/promote", map[string]any{
		"steps":           "1. open login page\n2. submit credentials",
		"expected_result": "user lands on dashboard",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var tc model.TestAsset
	decodeInto(t, rr, &tc)
	assert.Equal(t, "Login succeeds - steps", tc.Name)
	assert.Equal(t, model.StageTestCase, tc.Stage)
	assert.Equal(t, point.ItemID, tc.ItemID)

	// Promoting again conflicts: the pair slot is taken.
	rr = doJSON(t, h, http.MethodPost, "/api/assets/"+point.ID+"/promote", map[string]any{})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/api/assets/"+tc.ID+"/demote", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var demoted model.TestAsset
	decodeInto(t, rr, &demoted)
	assert.Equal(t, model.StageTestPoint, demoted.Stage)
}

func TestRenameWithPairSync(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rr := doJSON(t, h, http.MethodPost, "/api/assets", map[string]any{
		"business_type": "RCC",
		"name":          "Login succeeds",
		"stage":         "TEST_POINT",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var point model.TestAsset
	decodeInto(t, rr, &point)

	rr = doJSON(t, h, http.MethodPost, "/api/assets/"+point.ID+"/promote", map[string]any{})
	require.Equal(t, http.StatusCreated, rr.Code)
	var tc model.TestAsset
	decodeInto(t, rr, &tc)

	rr = doJSON(t, h, http.MethodPost, "/api/assets/"+point.ID+"/rename", map[string]any{
		"new_name":  "Login rejected",
		"sync_pair": true,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var result model.SyncResult
	decodeInto(t, rr, &result)
	assert.Len(t, result.Updated, 2)

	rr = doJSON(t, h, http.MethodGet, "/api/assets/"+tc.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var pair model.TestAsset
	decodeInto(t, rr, &pair)
	assert.Equal(t, "Login rejected - steps", pair.Name)
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Router(), http.MethodPatch, "/api/assets/x/status", map[string]any{
		"status": "SHIPPED",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteAssetCascades(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rr := doJSON(t, h, http.MethodPost, "/api/assets", map[string]any{
		"business_type": "RCC",
		"name":          "Login succeeds",
		"stage":         "TEST_POINT",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var point model.TestAsset
	decodeInto(t, rr, &point)

	rr = doJSON(t, h, http.MethodPost, "/api/assets/"+point.ID+"/promote", map[string]any{})
	require.Equal(t, http.StatusCreated, rr.Code)
	var tc model.TestAsset
	decodeInto(t, rr, &tc)

	rr = doJSON(t, h, http.MethodDelete, "/api/assets/"+point.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/assets/"+tc.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestProjectsAndBusinessTypes(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rr := doJSON(t, h, http.MethodPost, "/api/projects", map[string]any{
		"business_type": "RCC",
		"name":          "Smoke suite",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var proj model.Project
	decodeInto(t, rr, &proj)
	assert.NotEmpty(t, proj.ID)

	rr = doJSON(t, h, http.MethodGet, "/api/projects?business_type=RCC", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPut, "/api/business-types", map[string]any{
		"code":   "RCC",
		"name":   "Remote Cabinet Control",
		"active": true,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/business-types", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var btResp struct {
		BusinessTypes []model.BusinessType `json:"business_types"`
		Count         int                  `json:"count"`
	}
	decodeInto(t, rr, &btResp)
	assert.Equal(t, 1, btResp.Count)

	rr = doJSON(t, h, http.MethodDelete, "/api/projects/"+proj.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestValidateAndFixEndpoints(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Router()

	// A completed point without its paired case is a status mismatch.
	rr := doJSON(t, h, http.MethodPost, "/api/assets", map[string]any{
		"business_type": "RCC",
		"name":          "Login succeeds",
		"stage":         "TEST_POINT",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var point model.TestAsset
	decodeInto(t, rr, &point)
	require.NoError(t, st.UpdateAssetStatus(context.Background(), point.ID, model.StatusCompleted))

	rr = doJSON(t, h, http.MethodPost, "/api/validate", map[string]any{"business_type": "RCC"})
	require.Equal(t, http.StatusOK, rr.Code)
	var report model.ConsistencyReport
	decodeInto(t, rr, &report)
	require.NotEmpty(t, report.Issues)

	rr = doJSON(t, h, http.MethodPost, "/api/fix", map[string]any{
		"business_type": "RCC",
		"auto_fix":      true,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var fixed model.FixResult
	decodeInto(t, rr, &fixed)
	assert.Equal(t, 1, fixed.FixedCount)

	got, err := st.GetAsset(context.Background(), point.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
}

func TestValidateWithEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/validate", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSyncNameEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rr := doJSON(t, h, http.MethodPost, "/api/assets", map[string]any{
		"business_type": "RCC",
		"name":          "Login succeeds",
		"stage":         "TEST_POINT",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var point model.TestAsset
	decodeInto(t, rr, &point)

	rr = doJSON(t, h, http.MethodPost, "/api/sync/name", map[string]any{
		"entity_id": point.ID,
		"new_name":  "Login rejected",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var result model.SyncResult
	decodeInto(t, rr, &result)
	assert.Len(t, result.Updated, 1)

	rr = doJSON(t, h, http.MethodPost, "/api/sync/name", map[string]any{
		"entity_id": "",
		"new_name":  "x",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSyncBatchEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	var ids []string
	for _, name := range []string{"Point A", "Point B"} {
		rr := doJSON(t, h, http.MethodPost, "/api/assets", map[string]any{
			"business_type": "RCC",
			"name":          name,
			"stage":         "TEST_POINT",
		})
		require.Equal(t, http.StatusCreated, rr.Code)
		var a model.TestAsset
		decodeInto(t, rr, &a)
		ids = append(ids, a.ID)
	}

	rr := doJSON(t, h, http.MethodPost, "/api/sync/batch", map[string]any{
		"updates": []map[string]string{
			{"entity_id": ids[0], "new_name": "Renamed A"},
			{"entity_id": ids[1], "new_name": "Renamed B"},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var result model.BatchSyncResult
	decodeInto(t, rr, &result)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 0, result.Failed)
}

func TestGenerateUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Router(), http.MethodPost, "/api/generate", map[string]any{
		"business_type": "RCC",
		"stage":         "TEST_POINT",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGenerateBatchUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Router(), http.MethodPost, "/api/generate/batch", map[string]any{
		"business_types": []string{"RCC"},
		"stage":          "TEST_POINT",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestListJobsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Router(), http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Jobs  []model.Job `json:"jobs"`
		Count int         `json:"count"`
	}
	decodeInto(t, rr, &resp)
	assert.Equal(t, 0, resp.Count)
}
