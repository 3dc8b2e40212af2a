package mailer

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailMailer sends messages through the Gmail API on behalf of the
// authenticated owner, using their delegated OAuth access token.
type GmailMailer struct {
	svc *gmail.Service
}

// NewGmailMailer builds a Gmail API client bound to one access token.
func NewGmailMailer(ctx context.Context, accessToken string) (*GmailMailer, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return &GmailMailer{svc: svc}, nil
}

// Send submits the raw message as the authenticated user ("me").
func (m *GmailMailer) Send(ctx context.Context, raw string) (string, error) {
	msg := &gmail.Message{Raw: raw}
	resp, err := m.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail send: %w", err)
	}
	return resp.Id, nil
}

// GmailProvider builds a per-owner GmailMailer from the delegated token.
type GmailProvider struct{}

// MailerFor returns a Mailer for the owner's token, or an error when the
// identity provider supplied no usable credential.
func (GmailProvider) MailerFor(ctx context.Context, cred Credential) (Mailer, error) {
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("no delegated mail credential for %s", cred.OwnerEmail)
	}
	return NewGmailMailer(ctx, cred.AccessToken)
}
