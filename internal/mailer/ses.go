package mailer

import (
	"context"
	"encoding/base64"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/Tellivision/newsletter/internal/config"
)

// SESMailer sends messages through AWS SES v2 using a provisioned sending
// identity. SES accepts the decoded MIME bytes, so the base64url payload
// from BuildRaw is decoded before submission.
type SESMailer struct {
	client *sesv2.Client
}

// NewSESMailer creates an SES mailer from static credentials.
func NewSESMailer(ctx context.Context, cfg appconfig.SESConfig) (*SESMailer, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESMailer{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// Send decodes the raw payload and submits it as an SES raw email.
func (m *SESMailer) Send(ctx context.Context, raw string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decoding raw message: %w", err)
	}

	out, err := m.client.SendEmail(ctx, &sesv2.SendEmailInput{
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: data},
		},
	})
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return messageID, nil
}

// SESProvider hands out a shared SESMailer regardless of owner; the
// sending identity belongs to the deployment, not the session.
type SESProvider struct {
	mailer *SESMailer
}

// NewSESProvider initializes the shared SES client once at boot.
func NewSESProvider(ctx context.Context, cfg appconfig.SESConfig) (*SESProvider, error) {
	m, err := NewSESMailer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SESProvider{mailer: m}, nil
}

// MailerFor returns the shared SES mailer.
func (p *SESProvider) MailerFor(ctx context.Context, cred Credential) (Mailer, error) {
	return p.mailer, nil
}
