// Package testutil provides common test utilities and helpers for BeeWell tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/BeeWell/internal/gateway"
	"github.com/BTreeMap/BeeWell/internal/models"
	"github.com/BTreeMap/BeeWell/internal/session"
	"github.com/BTreeMap/BeeWell/internal/store"
	"github.com/go-chi/chi/v5"
)

// TestProfile returns a valid profile with a fixed timestamp.
func TestProfile() models.UserProfile {
	return models.UserProfile{
		UserName:        "Ana",
		UserAge:         "29",
		UserCountry:     "Portugal",
		FinancialStatus: "stable",
		Timestamp:       "2024-01-01T00:00:00.000Z",
	}
}

// TestForm returns the form that TestProfile is built from.
func TestForm() models.ProfileForm {
	p := TestProfile()
	return models.ProfileForm{UserName: p.UserName, UserAge: p.UserAge, UserCountry: p.UserCountry, FinancialStatus: p.FinancialStatus}
}

// NewManager creates a session manager over a fresh in-memory store.
func NewManager(t *testing.T, opts ...session.Option) (*session.Manager, *store.InMemoryStore) {
	t.Helper()
	kv := store.NewInMemoryStore()
	m := session.NewManager(store.NewRecords(kv), opts...)
	t.Cleanup(m.Teardown)
	return m, kv
}

// FakeBackend is an in-process stand-in for the gateway client.
type FakeBackend struct {
	mu         sync.Mutex
	reply      gateway.ChatReply
	chatErr    error
	profileErr error
	block      chan struct{}
	started    chan struct{}
	requests   []gateway.ChatRequest
	profiles   []models.UserProfile
}

// NewFakeBackend returns a backend that answers every chat with reply.
func NewFakeBackend(reply gateway.ChatReply) *FakeBackend {
	return &FakeBackend{reply: reply, started: make(chan struct{}, 16)}
}

// FailChat makes subsequent chat calls fail with err.
func (f *FakeBackend) FailChat(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatErr = err
}

// FailProfile makes subsequent profile submissions fail with err.
func (f *FakeBackend) FailProfile(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileErr = err
}

// Hold makes chat calls wait until the returned release func is called or
// the request context ends.
func (f *FakeBackend) Hold() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.block = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Started receives once per chat call, after the request is recorded.
func (f *FakeBackend) Started() <-chan struct{} {
	return f.started
}

// SubmitProfile records the profile.
func (f *FakeBackend) SubmitProfile(ctx context.Context, profile models.UserProfile) (*gateway.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles = append(f.profiles, profile)
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return &gateway.Ack{Status: http.StatusOK}, nil
}

// SendChatMessage records the request and returns the configured reply.
func (f *FakeBackend) SendChatMessage(ctx context.Context, message string, profile models.UserProfile, transcript models.Transcript, sessionID string) (*gateway.ChatReply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, gateway.ChatRequest{Message: message, UserData: profile, ChatHistory: transcript.Clone(), SessionID: sessionID})
	block, reply, err := f.block, f.reply, f.chatErr
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &gateway.NetworkError{Op: "chat", Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// Requests returns a copy of the recorded chat requests.
func (f *FakeBackend) Requests() []gateway.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.ChatRequest(nil), f.requests...)
}

// Profiles returns a copy of the submitted profiles.
func (f *FakeBackend) Profiles() []models.UserProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.UserProfile(nil), f.profiles...)
}

// NewBackendServer starts an HTTP server speaking the Bee backend protocol.
// Chat calls answer with reply.
func NewBackendServer(t *testing.T, reply gateway.ChatReply) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get(gateway.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"message": "Bee backend is running"})
	})
	r.Post(gateway.PathUserData, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "success"})
	})
	r.Post(gateway.PathChat, func(w http.ResponseWriter, req *http.Request) {
		var body gateway.ChatRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, reply)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// WaitFor polls cond until it holds or the timeout expires.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, context string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: condition not met within %v", context, timeout)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
