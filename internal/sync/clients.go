package sync

import (
	"context"
	"fmt"

	"github.com/studypath/calsync/internal/provider"
)

// ClientFactory builds a provider client for an account. Implementations own
// credential lookup; the engine never sees tokens.
type ClientFactory interface {
	ClientFor(ctx context.Context, accountID string) (provider.RemoteCalendarClient, error)
}

// GoogleClientFactory builds Google Calendar clients from per-account token
// sources.
type GoogleClientFactory struct {
	tokens provider.TokenProvider
}

// NewGoogleClientFactory creates a factory backed by the token provider.
func NewGoogleClientFactory(tokens provider.TokenProvider) *GoogleClientFactory {
	return &GoogleClientFactory{tokens: tokens}
}

// ClientFor returns a client authenticated as the given account.
func (f *GoogleClientFactory) ClientFor(ctx context.Context, accountID string) (provider.RemoteCalendarClient, error) {
	ts, err := f.tokens.TokenSource(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to build token source: %w", err)
	}
	return provider.NewGoogleClient(ctx, ts)
}
