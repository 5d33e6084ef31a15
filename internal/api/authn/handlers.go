// Package authn implements the browser-facing owner login flow: the Discord
// OAuth redirect, the callback that mints an owner session token, and the
// token check the dashboard polls. This is the only part of the API that
// serves a browser rather than a bot or game server.
package authn

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/license-registry/license-registry/internal/auth"
	"github.com/license-registry/license-registry/internal/auth/discord"
	"github.com/license-registry/license-registry/internal/config"
)

// stateCookie carries the OAuth state nonce across the redirect round-trip.
const stateCookie = "lr_oauth_state"

// Handlers holds the login flow's dependencies.
type Handlers struct {
	provider *discord.Provider
	cfg      config.AuthConfig
}

// NewHandlers creates the login handler set.
func NewHandlers(provider *discord.Provider, cfg config.AuthConfig) *Handlers {
	return &Handlers{provider: provider, cfg: cfg}
}

// LoginHandler handles GET /auth/discord/login: sets the state nonce and
// redirects the browser to Discord's consent page.
func (h *Handlers) LoginHandler(c *gin.Context) {
	state, err := randomState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, state, 600, "/auth", "", c.Request.TLS != nil, true)
	c.Redirect(http.StatusFound, h.provider.LoginURL(state))
}

// CallbackHandler handles GET /auth/discord/callback: verifies the state
// nonce, exchanges the code, and mints an owner session iff the identity is
// the configured owner. On success the browser is redirected to the dashboard
// with the token in the admin_token query parameter.
func (h *Handlers) CallbackHandler(c *gin.Context) {
	state, err := c.Cookie(stateCookie)
	if err != nil || state == "" || c.Query("state") != state {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_oauth_state"})
		return
	}
	c.SetCookie(stateCookie, "", -1, "/auth", "", c.Request.TLS != nil, true)

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "discord_oauth_failed"})
		return
	}

	user, err := h.provider.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "discord_oauth_failed"})
		return
	}

	if user.ID != h.cfg.OwnerDiscordID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_authorized"})
		return
	}

	token, err := auth.GenerateOwnerToken(user.ID, h.cfg.SessionTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.Redirect(http.StatusFound, h.cfg.Discord.DashboardURL+"?admin_token="+token)
}

// VerifyAdminHandler handles GET /auth/verify-admin: reports whether the
// presented session token is a live owner session. Always 200; the verdict is
// in the body so the dashboard can poll it without error handling.
func (h *Handlers) VerifyAdminHandler(c *gin.Context) {
	credential, err := auth.ExtractBearer(c.GetHeader("Authorization"))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false})
		return
	}

	claims, err := auth.ValidateOwnerToken(credential)
	if err != nil || claims.DiscordID != h.cfg.OwnerDiscordID {
		c.JSON(http.StatusOK, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
