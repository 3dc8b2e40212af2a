package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tellivision/newsletter/internal/dispatch"
	"github.com/Tellivision/newsletter/internal/mailer"
	"github.com/Tellivision/newsletter/internal/pkg/logger"
)

// DefaultPollInterval is how often the executor checks for due newsletters.
const DefaultPollInterval = 30 * time.Second

// claimBatchSize bounds how many due jobs one tick will take on.
const claimBatchSize = 50

// CredentialSource supplies the delegated sending credential for an owner.
// The identity provider implements this; when it has no usable credential
// for an owner at due time, the job fails.
type CredentialSource interface {
	CredentialFor(ownerID string) (mailer.Credential, bool)
}

// Executor polls the Store for newsletters whose scheduled time has
// arrived and feeds them into the dispatch coordinator. Jobs transition
// Scheduled → Sent when at least one recipient was delivered, otherwise
// Scheduled → Failed. Nothing is retried.
type Executor struct {
	store        Store
	coordinator  *dispatch.Coordinator
	mailers      mailer.Provider
	credentials  CredentialSource
	pollInterval time.Duration
	log          *logger.Logger

	// Stats
	processed int64
	failed    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewExecutor creates an executor over the given store and dispatcher.
func NewExecutor(store Store, coordinator *dispatch.Coordinator, mailers mailer.Provider, credentials CredentialSource, pollInterval time.Duration) *Executor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Executor{
		store:        store,
		coordinator:  coordinator,
		mailers:      mailers,
		credentials:  credentials,
		pollInterval: pollInterval,
		log:          logger.Named("schedule.executor"),
	}
}

// Start begins the polling loop.
func (e *Executor) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("executor already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.log.Info("starting", "poll_interval", e.pollInterval)

	e.wg.Add(1)
	go e.loop()
	return nil
}

// Stop gracefully stops the executor, waiting for in-flight dispatches.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.log.Info("stopped",
		"processed", atomic.LoadInt64(&e.processed),
		"failed", atomic.LoadInt64(&e.failed),
	)
}

// Stats returns lifetime executor counters.
func (e *Executor) Stats() map[string]int64 {
	return map[string]int64{
		"processed": atomic.LoadInt64(&e.processed),
		"failed":    atomic.LoadInt64(&e.failed),
	}
}

func (e *Executor) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick claims and dispatches every newsletter that has come due. The
// per-send timeout inside the coordinator bounds each delivery; the tick
// itself only stops at shutdown.
func (e *Executor) tick() {
	ctx := e.ctx

	due, err := e.store.ClaimDue(ctx, time.Now(), claimBatchSize)
	if err != nil {
		e.log.Error("claim due newsletters", "error", err)
		return
	}

	for _, n := range due {
		e.process(ctx, n)
	}
}

func (e *Executor) process(ctx context.Context, n *Newsletter) {
	cred, ok := e.credentials.CredentialFor(n.OwnerID)
	if !ok {
		e.log.Warn("no delegated credential at due time", "id", n.ID, "owner", n.OwnerID)
		e.fail(ctx, n.ID)
		return
	}

	m, err := e.mailers.MailerFor(ctx, cred)
	if err != nil {
		e.log.Warn("mailer unavailable", "id", n.ID, "error", err)
		e.fail(ctx, n.ID)
		return
	}

	res, err := e.coordinator.Dispatch(ctx, dispatch.Job{
		Subject:    n.Subject,
		Content:    n.Content,
		Recipients: n.Recipients,
	}, cred.OwnerEmail, m)
	if err != nil {
		e.log.Error("dispatch rejected", "id", n.ID, "error", err)
		e.fail(ctx, n.ID)
		return
	}

	// Any delivered recipient makes the job Sent; the per-recipient
	// failures stay recorded in the dispatch result, not the job state.
	if res.Stats.Sent > 0 {
		if err := e.store.MarkSent(ctx, n.ID, time.Now()); err != nil {
			e.log.Error("mark sent", "id", n.ID, "error", err)
		}
		atomic.AddInt64(&e.processed, 1)
		e.log.Info("scheduled newsletter sent",
			"id", n.ID,
			"sent", res.Stats.Sent,
			"failed", res.Stats.Failed,
		)
		return
	}
	e.fail(ctx, n.ID)
}

func (e *Executor) fail(ctx context.Context, id string) {
	if err := e.store.MarkFailed(ctx, id); err != nil {
		e.log.Error("mark failed", "id", id, "error", err)
	}
	atomic.AddInt64(&e.failed, 1)
}
