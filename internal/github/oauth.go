// Package github implements the GitHub OAuth exchange and the small slice of
// the REST API the bounty service needs: the authenticated user, their
// repositories and a repository's open issues.
package github

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	svcerrors "github.com/git-hunters/githunters/internal/errors"
)

// OAuthConfig holds the OAuth application credentials. AuthURL and TokenURL
// override github.com endpoints (GitHub Enterprise or tests).
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
}

// OAuth performs the authorization-code flow against GitHub.
type OAuth struct {
	cfg *oauth2.Config
}

// NewOAuth creates the OAuth helper.
func NewOAuth(cfg OAuthConfig) (*OAuth, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("github oauth: client id and secret are required")
	}

	endpoint := githuboauth.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	return &OAuth{cfg: &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     endpoint,
	}}, nil
}

// AuthCodeURL returns the GitHub authorize URL for state.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades an authorization code for an access token. GitHub reports
// a bad code with a 200 response carrying an error field, which oauth2
// surfaces as a missing access token.
func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, svcerrors.BadRequest("missing authorization code")
	}

	tok, err := o.cfg.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) || strings.Contains(err.Error(), "missing access_token") {
			return nil, svcerrors.Unauthorized("github rejected the authorization code")
		}
		return nil, svcerrors.Upstream("github oauth", err)
	}
	return tok, nil
}

// NewState returns a random URL-safe OAuth state value.
func NewState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
