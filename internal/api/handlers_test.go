package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tellivision/newsletter/internal/auth"
	"github.com/Tellivision/newsletter/internal/config"
	"github.com/Tellivision/newsletter/internal/dispatch"
	"github.com/Tellivision/newsletter/internal/mailer"
	"github.com/Tellivision/newsletter/internal/schedule"
)

type fakeSessions struct {
	session *auth.Session
}

func (f fakeSessions) GetSession(r *http.Request) *auth.Session { return f.session }
func (f fakeSessions) IsAuthenticated(r *http.Request) bool     { return f.session != nil }

type fakeCredentials map[string]mailer.Credential

func (f fakeCredentials) CredentialFor(ownerEmail string) (mailer.Credential, bool) {
	cred, ok := f[ownerEmail]
	return cred, ok
}

// fakeMailer decodes each raw message to find its recipient so tests can
// fail specific addresses.
type fakeMailer struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]error
}

func (f *fakeMailer) Send(ctx context.Context, raw string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("bad raw payload: %w", err)
	}
	var to string
	for _, line := range strings.Split(string(decoded), "\n") {
		if strings.HasPrefix(line, "To: ") {
			to = strings.TrimPrefix(line, "To: ")
			break
		}
	}
	if err := f.failFor[to]; err != nil {
		return "", err
	}
	f.mu.Lock()
	f.sent = append(f.sent, to)
	id := fmt.Sprintf("msg-%d", len(f.sent))
	f.mu.Unlock()
	return id, nil
}

type fakeProvider struct {
	m mailer.Mailer
}

func (p fakeProvider) MailerFor(ctx context.Context, cred mailer.Credential) (mailer.Mailer, error) {
	return p.m, nil
}

const testOwner = "alice@example.com"

func newTestHandler(t *testing.T, m mailer.Mailer, store schedule.Store) http.Handler {
	t.Helper()
	if store == nil {
		store = schedule.NewMemoryStore()
	}
	sessions := fakeSessions{session: &auth.Session{
		UserID:    "u1",
		Email:     testOwner,
		Name:      "Alice",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	creds := fakeCredentials{testOwner: {OwnerEmail: testOwner, AccessToken: "tok"}}
	coordinator := dispatch.New(config.DispatchConfig{Workers: 2}, time.Second)
	h := NewHandlers(sessions, creds, store, coordinator, fakeProvider{m: m})
	return NewServer(config.ServerConfig{}, h, nil).Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	}
	return rec, decoded
}

func TestSendNewsletter(t *testing.T) {
	m := &fakeMailer{}
	handler := newTestHandler(t, m, nil)

	rec, body := doJSON(t, handler, "POST", "/api/newsletters/send", map[string]interface{}{
		"subject":    "Hello {{name}}",
		"content":    "<p>News for {{email}}</p>",
		"recipients": []string{"a@x.com", "b@x.com"},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Newsletter sent to 2/2 recipients", body["message"])

	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(2), stats["total"])
	assert.Equal(t, float64(2), stats["sent"])
	assert.Equal(t, float64(0), stats["failed"])

	results := body["results"].([]interface{})
	require.Len(t, results, 2)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "a@x.com", first["recipient"])
	assert.Equal(t, "sent", first["status"])
	assert.NotEmpty(t, first["messageId"])

	assert.Empty(t, body["errors"], "errors must be an empty array, not null")
	assert.NotNil(t, body["errors"])
}

func TestSendNewsletterPartialFailure(t *testing.T) {
	m := &fakeMailer{failFor: map[string]error{
		"b@x.com": fmt.Errorf("550 mailbox unavailable"),
	}}
	handler := newTestHandler(t, m, nil)

	rec, body := doJSON(t, handler, "POST", "/api/newsletters/send", map[string]interface{}{
		"subject":    "Hello",
		"content":    "body",
		"recipients": []string{"a@x.com", "b@x.com", "c@x.com"},
	})

	require.Equal(t, http.StatusOK, rec.Code, "one bad recipient never fails the request")
	assert.Equal(t, "Newsletter sent to 2/3 recipients", body["message"])

	errs := body["errors"].([]interface{})
	require.Len(t, errs, 1)
	failure := errs[0].(map[string]interface{})
	assert.Equal(t, "b@x.com", failure["recipient"])
	assert.Contains(t, failure["error"], "550")
}

func TestSendNewsletterMissingFields(t *testing.T) {
	handler := newTestHandler(t, &fakeMailer{}, nil)

	rec, body := doJSON(t, handler, "POST", "/api/newsletters/send", map[string]interface{}{
		"subject":    "Hello",
		"recipients": []string{"a@x.com"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Subject, content, and recipients are required", body["error"])
}

func TestSendNewsletterUnauthenticated(t *testing.T) {
	coordinator := dispatch.New(config.DispatchConfig{Workers: 1}, time.Second)
	h := NewHandlers(fakeSessions{}, fakeCredentials{}, schedule.NewMemoryStore(), coordinator, fakeProvider{m: &fakeMailer{}})
	handler := NewServer(config.ServerConfig{}, h, nil).Handler()

	rec, body := doJSON(t, handler, "POST", "/api/newsletters/send", map[string]interface{}{
		"subject":    "Hello",
		"content":    "body",
		"recipients": []string{"a@x.com"},
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", body["error"])
}

func TestSendNewsletterNoCredential(t *testing.T) {
	// Session is live but the delegated token is gone.
	sessions := fakeSessions{session: &auth.Session{Email: testOwner, ExpiresAt: time.Now().Add(time.Hour)}}
	coordinator := dispatch.New(config.DispatchConfig{Workers: 1}, time.Second)
	h := NewHandlers(sessions, fakeCredentials{}, schedule.NewMemoryStore(), coordinator, fakeProvider{m: &fakeMailer{}})
	handler := NewServer(config.ServerConfig{}, h, nil).Handler()

	rec, body := doJSON(t, handler, "POST", "/api/newsletters/send", map[string]interface{}{
		"subject":    "Hello",
		"content":    "body",
		"recipients": []string{"a@x.com"},
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized - Please sign in with Google", body["error"])
}

func TestScheduleNewsletter(t *testing.T) {
	handler := newTestHandler(t, &fakeMailer{}, nil)
	scheduledAt := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)

	rec, body := doJSON(t, handler, "POST", "/api/newsletters/schedule", map[string]interface{}{
		"subject":     "Weekly",
		"content":     "<p>Hi</p>",
		"recipients":  []string{"a@x.com", "b@x.com"},
		"scheduledAt": scheduledAt,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Newsletter scheduled successfully", body["message"])

	n := body["scheduledNewsletter"].(map[string]interface{})
	assert.True(t, strings.HasPrefix(n["id"].(string), "scheduled_"))
	assert.Equal(t, "Weekly", n["subject"])
	assert.Equal(t, float64(2), n["recipientCount"])
	assert.NotEmpty(t, n["scheduledAt"])
}

func TestScheduleNewsletterPastTime(t *testing.T) {
	handler := newTestHandler(t, &fakeMailer{}, nil)

	rec, body := doJSON(t, handler, "POST", "/api/newsletters/schedule", map[string]interface{}{
		"subject":     "Weekly",
		"content":     "body",
		"recipients":  []string{"a@x.com"},
		"scheduledAt": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Scheduled time must be in the future", body["error"])
}

func TestScheduleNewsletterMissingFields(t *testing.T) {
	handler := newTestHandler(t, &fakeMailer{}, nil)

	rec, body := doJSON(t, handler, "POST", "/api/newsletters/schedule", map[string]interface{}{
		"subject": "Weekly",
		"content": "body",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Subject, content, recipients, and scheduledAt are required", body["error"])
}

func TestScheduleNewsletterBadTimestamp(t *testing.T) {
	handler := newTestHandler(t, &fakeMailer{}, nil)

	rec, _ := doJSON(t, handler, "POST", "/api/newsletters/schedule", map[string]interface{}{
		"subject":     "Weekly",
		"content":     "body",
		"recipients":  []string{"a@x.com"},
		"scheduledAt": "tomorrow-ish",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListScheduled(t *testing.T) {
	store := schedule.NewMemoryStore()
	handler := newTestHandler(t, &fakeMailer{}, store)

	rec, body := doJSON(t, handler, "GET", "/api/newsletters/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["scheduledNewsletters"].([]interface{})
	assert.Empty(t, list)
	assert.NotNil(t, body["scheduledNewsletters"])

	_, err := store.Create(context.Background(), testOwner, "Weekly", "body", []string{"a@x.com"}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = store.Create(context.Background(), "someone-else@example.com", "Other", "body", []string{"b@x.com"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	rec, body = doJSON(t, handler, "GET", "/api/newsletters/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = body["scheduledNewsletters"].([]interface{})
	require.Len(t, list, 1)
	entry := list[0].(map[string]interface{})
	assert.Equal(t, "Weekly", entry["subject"])
	assert.Equal(t, "scheduled", entry["status"])
}

func TestCancelScheduled(t *testing.T) {
	store := schedule.NewMemoryStore()
	handler := newTestHandler(t, &fakeMailer{}, store)

	n, err := store.Create(context.Background(), testOwner, "Weekly", "body", []string{"a@x.com"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	rec, body := doJSON(t, handler, "DELETE", "/api/newsletters/schedule?id="+n.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Scheduled newsletter cancelled successfully", body["message"])

	rec, body = doJSON(t, handler, "DELETE", "/api/newsletters/schedule?id="+n.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Scheduled newsletter not found", body["error"])

	rec, body = doJSON(t, handler, "DELETE", "/api/newsletters/schedule", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Newsletter ID is required", body["error"])
}

func TestCancelScheduledAfterSend(t *testing.T) {
	store := schedule.NewMemoryStore()
	handler := newTestHandler(t, &fakeMailer{}, store)

	n, err := store.Create(context.Background(), testOwner, "Weekly", "body", []string{"a@x.com"}, time.Now().Add(time.Millisecond))
	require.NoError(t, err)

	_, err = store.ClaimDue(context.Background(), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkSent(context.Background(), n.ID, time.Now()))

	rec, body := doJSON(t, handler, "DELETE", "/api/newsletters/schedule?id="+n.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Cannot cancel newsletter that has already been sent", body["error"])
}

func TestHealthCheckNeedsNoAuth(t *testing.T) {
	coordinator := dispatch.New(config.DispatchConfig{Workers: 1}, time.Second)
	h := NewHandlers(fakeSessions{}, fakeCredentials{}, schedule.NewMemoryStore(), coordinator, fakeProvider{m: &fakeMailer{}})
	handler := NewServer(config.ServerConfig{}, h, nil).Handler()

	rec, body := doJSON(t, handler, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}
