package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/license-registry/license-registry/internal/config"
	"github.com/license-registry/license-registry/internal/store"
	"github.com/license-registry/license-registry/internal/store/file"
)

func newTestServer(t *testing.T) (*gin.Engine, *file.Store) {
	t.Helper()
	st, err := file.Open("")
	require.NoError(t, err)

	cfg := &config.Config{
		Auth: config.AuthConfig{APISecret: "admin-secret"},
	}
	router, bg := NewRouter(cfg, st)
	t.Cleanup(bg.Shutdown)
	return router, st
}

func doPost(r *gin.Engine, path, body, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRootAndHealth(t *testing.T) {
	r, _ := newTestServer(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "license-registry")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestRequestIDHeaderOnEveryResponse(t *testing.T) {
	r, _ := newTestServer(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestPrivilegedRoutesRejectWithoutCredential(t *testing.T) {
	r, st := newTestServer(t)

	privileged := []string{
		"/api/add-key",
		"/api/delete-key",
		"/api/all-keys",
		"/api/stock-credits",
		"/api/check-stock",
		"/api/give-credits",
		"/api/add-credits",
		"/api/revoke-credits",
		"/api/use-credit",
		"/api/all-credits",
	}
	for _, path := range privileged {
		t.Run(strings.TrimPrefix(path, "/api/"), func(t *testing.T) {
			w := doPost(r, path, `{"key":"AB-X","amount":5,"discord_id":"42","credits":5}`, "")
			require.Equal(t, http.StatusForbidden, w.Code)
			assert.JSONEq(t, `{"error": "unauthorized"}`, w.Body.String())
		})
	}

	// None of the rejected calls reached a handler: the store is untouched.
	lics, err := st.ListLicenses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lics)

	level, err := st.StockLevel(context.Background())
	require.NoError(t, err)
	assert.Zero(t, level)
}

func TestSharedSecretGrantsAdminAccess(t *testing.T) {
	r, _ := newTestServer(t)

	w := doPost(r, "/api/add-key",
		`{"key":"AB-ROUTER","system_name":"loader","placeid":"77","duration":"permanent"}`,
		"Bearer admin-secret")
	require.Equal(t, http.StatusOK, w.Code)

	// The key is now redeemable through the public route with no credential.
	w = doPost(r, "/api/verify", `{"key":"AB-ROUTER","placeid":"77"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
}

func TestPublicRoutesNeedNoCredential(t *testing.T) {
	r, _ := newTestServer(t)

	w := doPost(r, "/api/verify", `{"key":"AB-GHOST","placeid":"1"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_key")

	w = doPost(r, "/api/balance", `{"discord_id":"42"}`, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doPost(r, "/api/check-key", `{"discord_id":"42"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRoutesAbsentWhenDiscordDisabled(t *testing.T) {
	r, _ := newTestServer(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/discord/login", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthzReportsStoreFailure(t *testing.T) {
	st, err := file.Open("")
	require.NoError(t, err)

	cfg := &config.Config{Auth: config.AuthConfig{APISecret: "admin-secret"}}
	router, bg := NewRouter(cfg, &failingPingStore{Store: st})
	t.Cleanup(bg.Shutdown)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

type failingPingStore struct {
	store.Store
}

func (f *failingPingStore) Ping(ctx context.Context) error {
	return context.DeadlineExceeded
}
