package keys

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/license-registry/license-registry/internal/registry"
	"github.com/license-registry/license-registry/internal/store"
	"github.com/license-registry/license-registry/internal/store/file"
)

// newTestRouter wires the key handlers over an in-memory store with no auth
// middleware; authorization is covered by the router-level tests.
func newTestRouter(t *testing.T) (*gin.Engine, *file.Store) {
	t.Helper()
	st, err := file.Open("")
	require.NoError(t, err)

	h := NewHandlers(registry.New(st, st, nil), nil)

	r := gin.New()
	r.POST("/api/add-key", h.AddKeyHandler)
	r.POST("/api/verify", h.VerifyHandler)
	r.POST("/api/check-key", h.CheckKeyHandler)
	r.POST("/api/delete-key", h.DeleteKeyHandler)
	r.POST("/api/all-keys", h.AllKeysHandler)
	return r, st
}

func post(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

const addKeyBody = `{
	"key": "AB-TESTKEY",
	"system_name": "loader",
	"server_name": "main",
	"placeid": "100",
	"assigned_to": {"id": "42", "name": "owner"},
	"duration": "1week",
	"generated_by": "bot"
}`

func TestAddKeyHandler(t *testing.T) {
	r, st := newTestRouter(t)

	w := post(r, "/api/add-key", addKeyBody)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.NotNil(t, body["expires_at"])

	lic, err := st.GetLicense(context.Background(), "AB-TESTKEY")
	require.NoError(t, err)
	assert.Equal(t, "AB", lic.KeyPrefix)
	assert.Equal(t, "100", lic.PlaceID)
	assert.False(t, lic.Used)
}

func TestAddKeyHandlerNumericPlaceID(t *testing.T) {
	r, st := newTestRouter(t)

	w := post(r, "/api/add-key",
		`{"key":"AB-NUM","system_name":"loader","placeid":123456,"duration":"permanent"}`)
	require.Equal(t, http.StatusOK, w.Code)

	lic, err := st.GetLicense(context.Background(), "AB-NUM")
	require.NoError(t, err)
	assert.Equal(t, "123456", lic.PlaceID)
	assert.Nil(t, lic.ExpiresAt)
}

func TestAddKeyHandlerValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	w := post(r, "/api/add-key", `{"system_name":"loader","placeid":"100"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decode(t, w)
	assert.Equal(t, "validation_error", body["error"])
	assert.Contains(t, body["message"], "key")
}

func TestAddKeyHandlerDuplicate(t *testing.T) {
	r, _ := newTestRouter(t)

	require.Equal(t, http.StatusOK, post(r, "/api/add-key", addKeyBody).Code)

	w := post(r, "/api/add-key", addKeyBody)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_key", decode(t, w)["error"])
}

func TestVerifyHandlerLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)
	require.Equal(t, http.StatusOK, post(r, "/api/add-key", addKeyBody).Code)

	// First redemption binds the key.
	w := post(r, "/api/verify", `{"key":"AB-TESTKEY","placeid":"100"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	// Re-verification from the same place stays successful.
	w = post(r, "/api/verify", `{"key":"AB-TESTKEY","placeid":"100"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	// A different place is rejected against the issuance binding.
	w = post(r, "/api/verify", `{"key":"AB-TESTKEY","placeid":"200"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "wrong_place_id", body["reason"])
}

func TestVerifyHandlerReasons(t *testing.T) {
	r, st := newTestRouter(t)
	require.Equal(t, http.StatusOK, post(r, "/api/add-key", addKeyBody).Code)

	t.Run("unknown key", func(t *testing.T) {
		w := post(r, "/api/verify", `{"key":"AB-GHOST","placeid":"100"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "invalid_key", decode(t, w)["reason"])
	})

	t.Run("missing key", func(t *testing.T) {
		w := post(r, "/api/verify", `{"placeid":"100"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "invalid_key", decode(t, w)["reason"])
	})

	t.Run("bound elsewhere", func(t *testing.T) {
		// Simulate a historical binding to a different place.
		require.NoError(t, st.BindLicense(context.Background(), "AB-TESTKEY", "999", time.Now().UTC()))

		w := post(r, "/api/verify", `{"key":"AB-TESTKEY","placeid":"100"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "used_elsewhere", decode(t, w)["reason"])
	})
}

func TestCheckKeyHandler(t *testing.T) {
	r, _ := newTestRouter(t)
	require.Equal(t, http.StatusOK, post(r, "/api/add-key", addKeyBody).Code)

	w := post(r, "/api/check-key", `{"discord_id":"42"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	keys, ok := body["keys"].([]any)
	require.True(t, ok)
	require.Len(t, keys, 1)

	entry := keys[0].(map[string]any)
	assert.Equal(t, "AB-TESTKEY", entry["key"])
	// The owner projection is redacted: no place binding, no used state.
	assert.NotContains(t, entry, "placeid")
	assert.NotContains(t, entry, "used")

	w = post(r, "/api/check-key", `{"discord_id":"nobody"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["keys"], 0)

	w = post(r, "/api/check-key", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteKeyHandler(t *testing.T) {
	r, st := newTestRouter(t)
	require.Equal(t, http.StatusOK, post(r, "/api/add-key", addKeyBody).Code)

	w := post(r, "/api/delete-key", `{"key":"AB-TESTKEY"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	_, err := st.GetLicense(context.Background(), "AB-TESTKEY")
	assert.ErrorIs(t, err, store.ErrNotFound)

	w = post(r, "/api/delete-key", `{"key":"AB-TESTKEY"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "key_not_found", decode(t, w)["error"])
}

func TestAllKeysHandler(t *testing.T) {
	r, _ := newTestRouter(t)
	require.Equal(t, http.StatusOK, post(r, "/api/add-key", addKeyBody).Code)

	w := post(r, "/api/all-keys", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	keys := body["keys"].([]any)
	require.Len(t, keys, 1)

	entry := keys[0].(map[string]any)
	// The administrative projection includes the binding state.
	assert.Equal(t, "100", entry["placeid"])
	assert.Equal(t, false, entry["used"])
	assert.NotNil(t, entry["assigned_to"])
}
