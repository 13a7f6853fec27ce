package provider

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var ErrNoCredential = errors.New("no stored credential for account")

// RefreshTokenLookup loads the stored OAuth refresh token for an account.
// Token storage lives outside the engine; this is the seam.
type RefreshTokenLookup func(ctx context.Context, accountID string) (string, error)

// OAuthTokenProvider builds per-account token sources from stored refresh
// tokens. The oauth2 token source handles access-token refresh internally,
// so an auth failure from the remote client after this point is final.
type OAuthTokenProvider struct {
	cfg    *oauth2.Config
	lookup RefreshTokenLookup
}

// NewOAuthTokenProvider constructs a token provider for Google Calendar.
func NewOAuthTokenProvider(clientID, clientSecret string, lookup RefreshTokenLookup) *OAuthTokenProvider {
	return &OAuthTokenProvider{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
		},
		lookup: lookup,
	}
}

// TokenSource returns a self-refreshing token source for the account.
func (p *OAuthTokenProvider) TokenSource(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
	refreshToken, err := p.lookup(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential for account %s: %w", accountID, err)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoCredential, accountID)
	}

	token := &oauth2.Token{RefreshToken: refreshToken}
	return p.cfg.TokenSource(ctx, token), nil
}
