// Package discord implements the OAuth2 login flow used to mint owner
// sessions. The flow is standard authorization-code OAuth against Discord's
// endpoints (Discord does not implement OIDC discovery, so this is a plain
// x/oauth2 exchange rather than an OIDC provider): redirect to Discord with
// the identify scope, exchange the returned code for an access token, then
// fetch the user's identity from /users/@me.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/license-registry/license-registry/internal/config"
)

// Endpoint is Discord's OAuth2 endpoint pair.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://discord.com/oauth2/authorize",
	TokenURL: "https://discord.com/api/oauth2/token",
}

// userURL is the identity endpoint queried with the exchanged access token.
const userURL = "https://discord.com/api/users/@me"

// User is the subset of the Discord identity the registry cares about.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Provider performs the OAuth2 code exchange and identity fetch.
type Provider struct {
	oauth   *oauth2.Config
	timeout time.Duration
}

// New builds a Provider from the Discord application settings.
func New(cfg config.DiscordConfig) *Provider {
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"identify"},
			Endpoint:     Endpoint,
		},
		timeout: 10 * time.Second,
	}
}

// LoginURL returns the authorization URL the browser is redirected to.
func (p *Provider) LoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// ExchangeCode trades the authorization code for an access token and fetches
// the identity it belongs to.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging discord oauth code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userURL, nil)
	if err != nil {
		return nil, err
	}
	// oauth.Client injects the bearer token and handles refresh.
	resp, err := p.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching discord identity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discord identity endpoint returned %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decoding discord identity: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("discord identity response missing id")
	}
	return &user, nil
}
