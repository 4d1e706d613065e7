// Package server hosts the loopback HTTP endpoint the OAuth redirect
// lands on.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Authenticator is the slice of the connection manager the callback
// endpoint needs.
type Authenticator interface {
	// CompleteAuthentication exchanges the authorization code.
	CompleteAuthentication(ctx context.Context, code string) error

	// ConsumeAuthState validates and burns a state value. Each state is
	// accepted exactly once.
	ConsumeAuthState(state string) bool
}

// OAuthServer serves the OAuth redirect callback on a loopback
// address.
type OAuthServer struct {
	auth   Authenticator
	logger *zap.Logger
	srv    *http.Server
}

// NewOAuthServer creates a server listening on addr, typically
// 127.0.0.1 with a fixed port matching the app's registered redirect
// URI.
func NewOAuthServer(addr string, auth Authenticator, logger *zap.Logger) *OAuthServer {
	s := &OAuthServer{
		auth:   auth,
		logger: logger.Named("oauth"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/callback", s.handleCallback)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *OAuthServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info("oauth callback server listening", zap.String("addr", s.srv.Addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("oauth server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *OAuthServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		s.logger.Warn("authorization denied", zap.String("error", errParam))
		s.writePage(w, http.StatusOK, "Authorization cancelled",
			"The authorization was cancelled or denied. You can close this window and try again from the app.")
		return
	}

	state := q.Get("state")
	if state == "" || !s.auth.ConsumeAuthState(state) {
		s.logger.Warn("callback with invalid state")
		s.writePage(w, http.StatusBadRequest, "Invalid request",
			"This authorization link is expired or was already used. Start the connection again from the app.")
		return
	}

	code := q.Get("code")
	if code == "" {
		s.writePage(w, http.StatusBadRequest, "Invalid request",
			"The authorization response is missing its code. Start the connection again from the app.")
		return
	}

	if err := s.auth.CompleteAuthentication(r.Context(), code); err != nil {
		s.logger.Warn("authentication failed", zap.Error(err))
		s.writePage(w, http.StatusOK, "Connection failed",
			"The workspace connection could not be completed. Check the app for details and try again.")
		return
	}

	s.writePage(w, http.StatusOK, "Connected",
		"Your workspace is connected. You can close this window and return to the app.")
}

func (s *OAuthServer) writePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!doctype html>
<html><head><title>%s</title></head>
<body style="font-family: sans-serif; max-width: 32rem; margin: 4rem auto;">
<h2>%s</h2>
<p>%s</p>
</body></html>`, title, title, body)
}
