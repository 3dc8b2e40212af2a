// Package mailer encodes newsletters into transport messages and delivers
// them through a mail provider (Gmail API or AWS SES).
package mailer

import "context"

// Mailer transmits one encoded message. The raw payload is the URL-safe
// base64 form produced by BuildRaw. Implementations return the provider's
// message id on success; any error is recorded by the dispatcher as a
// per-recipient delivery failure, never a batch abort.
type Mailer interface {
	Send(ctx context.Context, raw string) (messageID string, err error)
}

// Credential is the delegated sending credential for one owner, supplied
// by the identity provider.
type Credential struct {
	OwnerEmail  string
	AccessToken string
}

// Provider resolves a Mailer for an owner's credential. The Gmail provider
// needs the per-owner OAuth token; the SES provider ignores it and uses the
// provisioned identity.
type Provider interface {
	MailerFor(ctx context.Context, cred Credential) (Mailer, error)
}
