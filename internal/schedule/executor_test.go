package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tellivision/newsletter/internal/config"
	"github.com/Tellivision/newsletter/internal/dispatch"
	"github.com/Tellivision/newsletter/internal/mailer"
)

type stubMailer struct {
	mu   sync.Mutex
	sent int
	err  error
}

func (m *stubMailer) Send(ctx context.Context, raw string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent++
	return "msg-stub", nil
}

func (m *stubMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

type stubProvider struct {
	m mailer.Mailer
}

func (p stubProvider) MailerFor(ctx context.Context, cred mailer.Credential) (mailer.Mailer, error) {
	if p.m == nil {
		return nil, errors.New("no mailer configured")
	}
	return p.m, nil
}

type stubCredentials map[string]mailer.Credential

func (s stubCredentials) CredentialFor(ownerID string) (mailer.Credential, bool) {
	cred, ok := s[ownerID]
	return cred, ok
}

func newTestExecutor(store Store, provider mailer.Provider, creds CredentialSource) *Executor {
	coordinator := dispatch.New(config.DispatchConfig{Workers: 2}, time.Second)
	return NewExecutor(store, coordinator, provider, creds, 10*time.Millisecond)
}

func ownerStatus(t *testing.T, store Store, ownerID, id string) Status {
	t.Helper()
	list, err := store.ListByOwner(context.Background(), ownerID)
	require.NoError(t, err)
	for _, n := range list {
		if n.ID == id {
			return n.Status
		}
	}
	return ""
}

func TestExecutorSendsDueNewsletter(t *testing.T) {
	store := NewMemoryStore()
	sender := &stubMailer{}
	creds := stubCredentials{
		"alice@example.com": {OwnerEmail: "alice@example.com", AccessToken: "tok"},
	}

	n, err := store.Create(context.Background(),
		"alice@example.com", "Weekly", "<p>Hi {{name}}</p>",
		[]string{"a@x.com", "b@x.com"}, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	e := newTestExecutor(store, stubProvider{m: sender}, creds)
	require.NoError(t, e.Start())
	defer e.Stop()

	require.Eventually(t, func() bool {
		return ownerStatus(t, store, "alice@example.com", n.ID) == StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, sender.count())
	assert.Equal(t, int64(1), e.Stats()["processed"])
}

func TestExecutorFailsJobWithoutCredential(t *testing.T) {
	store := NewMemoryStore()
	sender := &stubMailer{}

	n, err := store.Create(context.Background(),
		"alice@example.com", "Weekly", "body",
		[]string{"a@x.com"}, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	e := newTestExecutor(store, stubProvider{m: sender}, stubCredentials{})
	require.NoError(t, e.Start())
	defer e.Stop()

	require.Eventually(t, func() bool {
		return ownerStatus(t, store, "alice@example.com", n.ID) == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, sender.count(), "no delivery attempted without a credential")
	assert.Equal(t, int64(1), e.Stats()["failed"])
}

func TestExecutorFailsJobWhenEveryRecipientFails(t *testing.T) {
	store := NewMemoryStore()
	sender := &stubMailer{err: errors.New("550 rejected")}
	creds := stubCredentials{
		"alice@example.com": {OwnerEmail: "alice@example.com", AccessToken: "tok"},
	}

	n, err := store.Create(context.Background(),
		"alice@example.com", "Weekly", "body",
		[]string{"a@x.com", "b@x.com"}, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	e := newTestExecutor(store, stubProvider{m: sender}, creds)
	require.NoError(t, e.Start())
	defer e.Stop()

	require.Eventually(t, func() bool {
		return ownerStatus(t, store, "alice@example.com", n.ID) == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutorLeavesFutureJobsAlone(t *testing.T) {
	store := NewMemoryStore()
	sender := &stubMailer{}
	creds := stubCredentials{
		"alice@example.com": {OwnerEmail: "alice@example.com", AccessToken: "tok"},
	}

	n, err := store.Create(context.Background(),
		"alice@example.com", "Weekly", "body",
		[]string{"a@x.com"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	e := newTestExecutor(store, stubProvider{m: sender}, creds)
	require.NoError(t, e.Start())

	time.Sleep(50 * time.Millisecond)
	e.Stop()

	assert.Equal(t, StatusScheduled, ownerStatus(t, store, "alice@example.com", n.ID))
	assert.Zero(t, sender.count())
}

func TestExecutorStartStop(t *testing.T) {
	store := NewMemoryStore()
	e := newTestExecutor(store, stubProvider{m: &stubMailer{}}, stubCredentials{})

	require.NoError(t, e.Start())
	assert.Error(t, e.Start(), "double start must be rejected")

	e.Stop()
	e.Stop() // second stop is a no-op
}
