package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/license-registry/license-registry/internal/auth"
)

// newAdminRouter builds a router with one protected route that records
// whether the handler ran and what actor it saw.
func newAdminRouter(secret string) (*gin.Engine, *bool, *string) {
	handlerRan := false
	actor := ""

	r := gin.New()
	r.POST("/protected", AdminAuth(auth.NewSecretChecker(secret, "")), func(c *gin.Context) {
		handlerRan = true
		actor = Actor(c)
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return r, &handlerRan, &actor
}

func doRequest(r *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminAuthSharedSecret(t *testing.T) {
	r, ran, actor := newAdminRouter("the-secret")

	w := doRequest(r, "Bearer the-secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, *ran)
	assert.Equal(t, "api-secret", *actor)
}

func TestAdminAuthBareCredential(t *testing.T) {
	// Issuing tooling sends the secret without a Bearer prefix.
	r, ran, _ := newAdminRouter("the-secret")

	w := doRequest(r, "the-secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, *ran)
}

func TestAdminAuthOwnerSession(t *testing.T) {
	token, err := auth.GenerateOwnerToken("9876543210", time.Hour)
	require.NoError(t, err)

	r, ran, actor := newAdminRouter("the-secret")

	w := doRequest(r, "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, *ran)
	assert.Equal(t, "9876543210", *actor)
}

func TestAdminAuthRejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong secret", "Bearer nope"},
		{"garbage token", "Bearer eyJhbGciOiJIUzI1NiJ9.garbage.sig"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ran, _ := newAdminRouter("the-secret")

			w := doRequest(r, tt.header)
			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
			// The handler never ran, so nothing could have mutated.
			assert.False(t, *ran)
		})
	}
}

func TestAdminAuthExpiredSession(t *testing.T) {
	token, err := auth.GenerateOwnerToken("9876543210", -time.Hour)
	require.NoError(t, err)

	r, ran, _ := newAdminRouter("the-secret")

	w := doRequest(r, "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, *ran)
}

func TestActorOutsidePrivilegedRoute(t *testing.T) {
	r := gin.New()
	var actor string
	r.GET("/open", func(c *gin.Context) {
		actor = Actor(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "unknown", actor)
}
