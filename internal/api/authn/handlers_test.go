package authn

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/license-registry/license-registry/internal/auth"
	"github.com/license-registry/license-registry/internal/auth/discord"
	"github.com/license-registry/license-registry/internal/config"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv("LR_JWT_SECRET", "authn-test-secret")
	os.Exit(m.Run())
}

func newTestHandlers() *Handlers {
	cfg := config.AuthConfig{
		OwnerDiscordID: "777",
		SessionTTL:     time.Hour,
		Discord: config.DiscordConfig{
			Enabled:      true,
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "http://localhost:8080/auth/discord/callback",
			DashboardURL: "http://localhost:8080/dashboard",
		},
	}
	return NewHandlers(discord.New(cfg.Discord), cfg)
}

func newAuthRouter() *gin.Engine {
	h := newTestHandlers()
	r := gin.New()
	r.GET("/auth/discord/login", h.LoginHandler)
	r.GET("/auth/discord/callback", h.CallbackHandler)
	r.GET("/auth/verify-admin", h.VerifyAdminHandler)
	return r
}

func TestLoginHandlerRedirectsWithState(t *testing.T) {
	r := newAuthRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/discord/login", nil))

	require.Equal(t, http.StatusFound, w.Code)
	location := w.Header().Get("Location")
	assert.Contains(t, location, "discord.com/oauth2/authorize")
	assert.Contains(t, location, "client_id=client-id")
	assert.Contains(t, location, "state=")

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "lr_oauth_state", cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, "/auth", cookies[0].Path)
	// The redirect carries the same nonce the cookie does.
	assert.Contains(t, location, cookies[0].Value)
}

func TestCallbackHandlerRejectsStateMismatch(t *testing.T) {
	r := newAuthRouter()

	tests := []struct {
		name   string
		target string
		cookie string
	}{
		{"no cookie", "/auth/discord/callback?state=abc&code=xyz", ""},
		{"mismatched state", "/auth/discord/callback?state=abc&code=xyz", "def"},
		{"missing query state", "/auth/discord/callback?code=xyz", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "lr_oauth_state", Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, `{"error": "invalid_oauth_state"}`, w.Body.String())
		})
	}
}

func TestCallbackHandlerRejectsMissingCode(t *testing.T) {
	r := newAuthRouter()

	req := httptest.NewRequest(http.MethodGet, "/auth/discord/callback?state=abc", nil)
	req.AddCookie(&http.Cookie{Name: "lr_oauth_state", Value: "abc"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error": "discord_oauth_failed"}`, w.Body.String())

	// The consumed nonce is cleared even on failure.
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestVerifyAdminHandler(t *testing.T) {
	r := newAuthRouter()

	verify := func(t *testing.T, authorization string) string {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/auth/verify-admin", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		return w.Body.String()
	}

	t.Run("owner session", func(t *testing.T) {
		token, err := auth.GenerateOwnerToken("777", time.Hour)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok": true}`, verify(t, "Bearer "+token))
	})

	t.Run("wrong identity", func(t *testing.T) {
		token, err := auth.GenerateOwnerToken("999", time.Hour)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok": false}`, verify(t, "Bearer "+token))
	})

	t.Run("no header", func(t *testing.T) {
		assert.JSONEq(t, `{"ok": false}`, verify(t, ""))
	})

	t.Run("garbage token", func(t *testing.T) {
		assert.JSONEq(t, `{"ok": false}`, verify(t, "Bearer not-a-token"))
	})
}
