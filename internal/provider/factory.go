package provider

import (
	"context"
	"fmt"

	"inbox-autopilot-go/internal/config"
	"inbox-autopilot-go/internal/model"
)

// Factory builds provider clients per account. Callers request a fresh
// client for every invocation instead of caching one: a long-running
// paginated job that reuses a client can outlive its access token, and a
// fresh construction always picks up current credentials.
type Factory interface {
	ClientFor(ctx context.Context, account *model.EmailAccount) (EmailProvider, error)
}

// ClientFactory is the default Factory over the configured backends.
type ClientFactory struct {
	gmail config.GmailConfig
}

// NewClientFactory creates a ClientFactory.
func NewClientFactory(gmail config.GmailConfig) *ClientFactory {
	return &ClientFactory{gmail: gmail}
}

// ClientFor constructs a new provider client for the account.
func (f *ClientFactory) ClientFor(ctx context.Context, account *model.EmailAccount) (EmailProvider, error) {
	switch account.Provider {
	case model.ProviderGmail:
		if account.RefreshToken == "" {
			return nil, fmt.Errorf("account %s has no refresh token", account.ID)
		}
		return NewGmailProvider(ctx, f.gmail.ClientID, f.gmail.ClientSecret, account.RefreshToken, account.Email)
	case model.ProviderIMAP:
		if account.IMAPUser == "" || account.IMAPPassword == "" {
			return nil, fmt.Errorf("account %s has no IMAP credentials", account.ID)
		}
		return NewIMAPProvider(account.IMAPHost, account.IMAPPort, account.IMAPUser, account.IMAPPassword)
	default:
		return nil, fmt.Errorf("unknown provider %q for account %s", account.Provider, account.ID)
	}
}
