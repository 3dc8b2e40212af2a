// Package dispatch turns one composed newsletter into N independent
// delivery attempts, isolating per-recipient failures and aggregating
// send statistics.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Tellivision/newsletter/internal/config"
	"github.com/Tellivision/newsletter/internal/mailer"
	"github.com/Tellivision/newsletter/internal/personalize"
	"github.com/Tellivision/newsletter/internal/pkg/logger"
)

// Precondition violations, signaled before any recipient is attempted.
var (
	ErrMissingFields = errors.New("subject, content, and recipients are required")
	ErrNoSender      = errors.New("sender identity is required")
	ErrNoMailer      = errors.New("no mailer available")
)

// Job is one in-flight request to send a newsletter to a set of
// recipients. It exists only for the duration of the Dispatch call.
type Job struct {
	Subject    string
	Content    string
	Recipients []string
	IsTest     bool
}

// Delivery records a successful send to one recipient.
type Delivery struct {
	Recipient string `json:"recipient"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Failure records a failed send to one recipient. Failures are data, not
// errors: one recipient failing never aborts the batch.
type Failure struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// Stats aggregates a dispatch. Total always equals len(job.Recipients)
// and Sent+Failed always equals Total.
type Stats struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Result is the outcome of one dispatch: successes and failures, each in
// recipient input order.
type Result struct {
	Stats   Stats
	Results []Delivery
	Errors  []Failure
}

// Coordinator drives the per-recipient send loop with a bounded worker
// pool. Parallelism and the optional provider rate limit come from config;
// a single worker degrades to the sequential reference behavior.
type Coordinator struct {
	workers     int
	limiter     *rate.Limiter
	sendTimeout time.Duration
	log         *logger.Logger
}

// New creates a dispatch coordinator.
func New(cfg config.DispatchConfig, sendTimeout time.Duration) *Coordinator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), workers)
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Coordinator{
		workers:     workers,
		limiter:     limiter,
		sendTimeout: sendTimeout,
		log:         logger.Named("dispatch"),
	}
}

// Dispatch sends the job to every recipient through m, personalizing and
// encoding per recipient. It returns an error only for precondition
// violations; per-recipient failures are reported in Result.Errors.
func (c *Coordinator) Dispatch(ctx context.Context, job Job, senderIdentity string, m mailer.Mailer) (*Result, error) {
	if job.Subject == "" || job.Content == "" || len(job.Recipients) == 0 {
		return nil, ErrMissingFields
	}
	if senderIdentity == "" {
		return nil, ErrNoSender
	}
	if m == nil {
		return nil, ErrNoMailer
	}

	type attempt struct {
		messageID string
		err       error
	}
	attempts := make([]attempt, len(job.Recipients))

	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	for i, recipient := range job.Recipients {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, recipient string) {
			defer wg.Done()
			defer func() { <-sem }()
			id, err := c.sendOne(ctx, job, senderIdentity, recipient, m)
			attempts[i] = attempt{messageID: id, err: err}
		}(i, recipient)
	}
	wg.Wait()

	result := &Result{Stats: Stats{Total: len(job.Recipients)}}
	for i, recipient := range job.Recipients {
		if attempts[i].err != nil {
			result.Stats.Failed++
			result.Errors = append(result.Errors, Failure{
				Recipient: recipient,
				Error:     attempts[i].err.Error(),
			})
			continue
		}
		result.Stats.Sent++
		result.Results = append(result.Results, Delivery{
			Recipient: recipient,
			MessageID: attempts[i].messageID,
			Status:    "sent",
		})
	}

	c.log.Info("dispatch complete",
		"total", result.Stats.Total,
		"sent", result.Stats.Sent,
		"failed", result.Stats.Failed,
		"test", job.IsTest,
	)
	return result, nil
}

// sendOne personalizes, encodes and transmits the message for a single
// recipient. Its error is terminal for that recipient within the batch;
// nothing is retried.
func (c *Coordinator) sendOne(ctx context.Context, job Job, from, recipient string, m mailer.Mailer) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	subject := personalize.Apply(job.Subject, recipient)
	content := personalize.Apply(job.Content, recipient)
	raw := mailer.BuildRaw(from, recipient, subject, content)

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	id, err := m.Send(sendCtx, raw)
	if err != nil {
		c.log.Warn("send failed", "recipient", recipient, "error", err)
		return "", err
	}
	c.log.Debug("sent", "recipient", recipient, "message_id", id)
	return id, nil
}
