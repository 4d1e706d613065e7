package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubAuthenticator struct {
	mu          sync.Mutex
	validStates map[string]bool
	completed   []string
	completeErr error
}

func (a *stubAuthenticator) CompleteAuthentication(ctx context.Context, code string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completeErr != nil {
		return a.completeErr
	}
	a.completed = append(a.completed, code)
	return nil
}

func (a *stubAuthenticator) ConsumeAuthState(state string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validStates[state] {
		return false
	}
	delete(a.validStates, state)
	return true
}

func newStubAuth(states ...string) *stubAuthenticator {
	a := &stubAuthenticator{validStates: make(map[string]bool)}
	for _, s := range states {
		a.validStates[s] = true
	}
	return a
}

func doCallback(t *testing.T, auth Authenticator, query string) *httptest.ResponseRecorder {
	t.Helper()
	s := NewOAuthServer("127.0.0.1:0", auth, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback"+query, nil)
	rec := httptest.NewRecorder()
	s.handleCallback(rec, req)
	return rec
}

func TestCallbackCompletesAuthentication(t *testing.T) {
	auth := newStubAuth("state-1")
	rec := doCallback(t, auth, "?code=code-1&state=state-1")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Connected")
	require.Len(t, auth.completed, 1)
	assert.Equal(t, "code-1", auth.completed[0])
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	auth := newStubAuth("state-1")
	rec := doCallback(t, auth, "?code=code-1&state=wrong")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, auth.completed)
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	auth := newStubAuth("state-1")

	first := doCallback(t, auth, "?code=code-1&state=state-1")
	assert.Equal(t, http.StatusOK, first.Code)

	second := doCallback(t, auth, "?code=code-2&state=state-1")
	assert.Equal(t, http.StatusBadRequest, second.Code)
	require.Len(t, auth.completed, 1)
}

func TestCallbackMissingCode(t *testing.T) {
	auth := newStubAuth("state-1")
	rec := doCallback(t, auth, "?state=state-1")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, auth.completed)
}

func TestCallbackUserDenied(t *testing.T) {
	auth := newStubAuth("state-1")
	rec := doCallback(t, auth, "?error=access_denied&state=state-1")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cancelled")
	assert.Empty(t, auth.completed)
	assert.True(t, auth.validStates["state-1"], "a denial must not burn the state")
}

func TestCallbackExchangeFailure(t *testing.T) {
	auth := newStubAuth("state-1")
	auth.completeErr = errors.New("invalid_code")

	rec := doCallback(t, auth, "?code=bad&state=state-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed")
}

func TestCallbackRejectsNonGet(t *testing.T) {
	auth := newStubAuth()
	s := NewOAuthServer("127.0.0.1:0", auth, zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/oauth/callback", nil)
	rec := httptest.NewRecorder()
	s.handleCallback(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
