// Package service contains the long-lived gateway components: the
// connection manager, the discovery scheduler and the analysis job
// orchestrator.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
	"github.com/projectboxes/slack-gateway/internal/biz/repo"
	"github.com/projectboxes/slack-gateway/internal/event"
	"github.com/projectboxes/slack-gateway/internal/infra/slack"
	"github.com/projectboxes/slack-gateway/internal/ratelimit"
)

const (
	authStateTTL        = 10 * time.Minute
	healthCheckInterval = 10 * time.Minute

	// healthResource is the breaker key for the liveness endpoint.
	healthResource = "auth.test"

	// maxHealthCallsPerHour caps liveness traffic over a rolling hour.
	// Checks past the ceiling are skipped until the window rolls over.
	maxHealthCallsPerHour = 10
	healthWindow          = time.Hour
)

// ConnectionManager owns the Slack connection lifecycle: credential
// configuration, the OAuth handshake, token custody, and periodic
// health verification. All state transitions happen under one mutex.
type ConnectionManager struct {
	vault    repo.CredentialVault
	chat     repo.ChatAPI
	settings repo.SettingsRepo
	limiter  *ratelimit.Limiter
	breakers *ratelimit.Breakers
	bus      *event.Bus
	logger   *zap.Logger

	redirectURI string

	mu         sync.Mutex
	state      domain.ConnectionState
	authStates map[string]time.Time

	healthWindowStart time.Time
	healthCalls       int

	wg     sync.WaitGroup
	cancel context.CancelFunc

	now func() time.Time
}

// NewConnectionManager creates a manager in the unconfigured state.
// Call LoadState to reconcile with persisted credentials.
func NewConnectionManager(
	vault repo.CredentialVault,
	chat repo.ChatAPI,
	settings repo.SettingsRepo,
	limiter *ratelimit.Limiter,
	breakers *ratelimit.Breakers,
	bus *event.Bus,
	logger *zap.Logger,
	redirectURI string,
) *ConnectionManager {
	return &ConnectionManager{
		vault:       vault,
		chat:        chat,
		settings:    settings,
		limiter:     limiter,
		breakers:    breakers,
		bus:         bus,
		logger:      logger.Named("connection"),
		redirectURI: redirectURI,
		authStates:  make(map[string]time.Time),
		now:         time.Now,
	}
}

// State returns a copy of the current connection snapshot.
func (m *ConnectionManager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Configure stores new app credentials. Any previously issued token is
// discarded since it belonged to the old app identity. Rejected while
// an OAuth handshake is in flight.
func (m *ConnectionManager) Configure(ctx context.Context, clientID, clientSecret string) error {
	if err := domain.ValidateClientID(clientID); err != nil {
		return err
	}
	if err := domain.ValidateClientSecret(clientSecret); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state.IsAuthenticating {
		m.mu.Unlock()
		return domain.ErrAuthInProgress
	}
	m.mu.Unlock()

	if err := m.vault.Store(ctx, repo.Credentials{
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	m.mu.Lock()
	m.state = domain.ConnectionState{
		IsConfigured: true,
		ClientID:     clientID,
	}
	snapshot := m.state
	m.mu.Unlock()

	m.persistSnapshot(ctx, snapshot)
	m.logger.Info("credentials configured", zap.String("client_id", clientID))
	return nil
}

// Authenticate begins the OAuth handshake. It returns the authorize
// URL to open in the user's browser and the one-time state value the
// callback must echo back.
func (m *ConnectionManager) Authenticate(ctx context.Context) (authorizeURL, state string, err error) {
	creds, err := m.vault.Get(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil || creds.ClientID == "" {
		return "", "", domain.ErrNotConfigured
	}

	m.mu.Lock()
	if m.state.IsAuthenticating {
		m.mu.Unlock()
		return "", "", domain.ErrAuthInProgress
	}
	state = uuid.NewString()
	m.authStates[state] = time.Now().Add(authStateTTL)
	m.state.IsAuthenticating = true
	m.state.Error = ""
	m.mu.Unlock()

	return slack.BuildOAuthURL(creds.ClientID, m.redirectURI, state), state, nil
}

// ConsumeAuthState validates and burns a state value from the OAuth
// callback. Each state is accepted exactly once.
func (m *ConnectionManager) ConsumeAuthState(state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline, ok := m.authStates[state]
	if !ok {
		return false
	}
	delete(m.authStates, state)
	return time.Now().Before(deadline)
}

// CompleteAuthentication exchanges the authorization code and moves
// the connection to Connected. On failure the handshake is abandoned
// and the previous credentials remain usable for a retry.
func (m *ConnectionManager) CompleteAuthentication(ctx context.Context, code string) error {
	creds, err := m.vault.Get(ctx)
	if err != nil {
		m.failAuth(ctx, fmt.Sprintf("failed to load credentials: %v", err))
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil || creds.ClientID == "" {
		m.failAuth(ctx, "not configured")
		return domain.ErrNotConfigured
	}

	var grant *domain.OAuthGrant
	err = m.limiter.Execute(ctx, "auth", "oauth.v2.access", func(ctx context.Context) error {
		var err error
		grant, err = m.chat.ExchangeCode(ctx, code, creds.ClientID, creds.ClientSecret, m.redirectURI)
		return err
	})
	if err != nil {
		m.failAuth(ctx, err.Error())
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if err := domain.ValidateAccessToken(grant.AccessToken); err != nil {
		m.failAuth(ctx, err.Error())
		return err
	}

	creds.AccessToken = grant.AccessToken
	creds.TeamID = grant.Team.ID
	creds.TeamName = grant.Team.Name
	if err := m.vault.Store(ctx, *creds); err != nil {
		m.failAuth(ctx, "failed to store token")
		return fmt.Errorf("failed to store token: %w", err)
	}

	m.mu.Lock()
	m.state.IsAuthenticating = false
	m.state.IsConnected = true
	m.state.TeamID = grant.Team.ID
	m.state.TeamName = grant.Team.Name
	m.state.LastConnected = time.Now()
	m.state.Error = ""
	m.state.AccessTokenPresent = true
	snapshot := m.state
	m.mu.Unlock()

	m.persistSnapshot(ctx, snapshot)
	m.notify("info", "Connected", fmt.Sprintf("Connected to workspace %s", grant.Team.Name))
	m.logger.Info("authentication completed",
		zap.String("team_id", grant.Team.ID),
		zap.String("team_name", grant.Team.Name))
	return nil
}

// failAuth abandons an in-flight handshake and records the error.
func (m *ConnectionManager) failAuth(ctx context.Context, reason string) {
	m.mu.Lock()
	m.state.IsAuthenticating = false
	m.state.Error = reason
	snapshot := m.state
	m.mu.Unlock()

	m.persistSnapshot(ctx, snapshot)
	m.notify("error", "Authentication failed", reason)
}

// Disconnect deletes the stored credentials and resets the connection
// to its initial state. The local reset always happens first, so the
// state can never stay connected when the vault delete fails.
// Disconnecting while already disconnected is a no-op.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.state = domain.ConnectionState{}
	m.authStates = make(map[string]time.Time)
	snapshot := m.state
	m.mu.Unlock()
	m.persistSnapshot(ctx, snapshot)

	if err := m.vault.Delete(ctx); err != nil {
		m.logger.Warn("failed to delete credentials", zap.Error(err))
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	m.logger.Info("disconnected")
	return nil
}

// LoadState reconciles the persisted snapshot with the vault. The
// vault is authoritative: a snapshot claiming a connection without a
// vault token is downgraded, and vault credentials restore the
// configured flag even when the snapshot is missing.
func (m *ConnectionManager) LoadState(ctx context.Context) error {
	snapshot, err := m.settings.GetConnectionSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	creds, err := m.vault.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	state := domain.ConnectionState{}
	if snapshot != nil {
		state = *snapshot
	}
	// A handshake never survives a restart.
	state.IsAuthenticating = false

	if creds == nil {
		state.IsConfigured = false
		state.IsConnected = false
		state.AccessTokenPresent = false
		state.ClientID = ""
	} else {
		state.IsConfigured = creds.ClientID != ""
		state.ClientID = creds.ClientID
		state.AccessTokenPresent = creds.AccessToken != ""
		if creds.AccessToken == "" {
			state.IsConnected = false
			state.TeamID = ""
			state.TeamName = ""
		} else {
			state.TeamID = creds.TeamID
			state.TeamName = creds.TeamName
		}
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	m.persistSnapshot(ctx, state)
	return nil
}

// EnsureConnected returns the access token and workspace id for an
// outbound call, or a typed error describing what is missing.
func (m *ConnectionManager) EnsureConnected(ctx context.Context) (token, workspace string, err error) {
	creds, err := m.vault.Get(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil || creds.ClientID == "" {
		return "", "", domain.ErrNotConfigured
	}
	if creds.AccessToken == "" {
		return "", "", &domain.AuthError{Reason: "no access token, authenticate first"}
	}
	workspace = creds.TeamID
	if workspace == "" {
		workspace = "default"
	}
	return creds.AccessToken, workspace, nil
}

// StartHealthLoop launches the periodic token verification loop.
func (m *ConnectionManager) StartHealthLoop(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkHealth(ctx)
			}
		}
	}()
}

// StopHealthLoop stops the verification loop and waits for it.
func (m *ConnectionManager) StopHealthLoop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// checkHealth verifies the token against the liveness endpoint. Auth
// failures flip the connection to disconnected; transient failures are
// absorbed by the breaker and leave the state alone.
func (m *ConnectionManager) checkHealth(ctx context.Context) {
	token, workspace, err := m.EnsureConnected(ctx)
	if err != nil {
		return
	}
	if !m.allowHealthCall() {
		m.logger.Debug("health check suppressed, hourly ceiling reached")
		return
	}

	err = m.breakers.Do(healthResource, func() error {
		return m.limiter.Execute(ctx, workspace, "auth.test", func(ctx context.Context) error {
			_, err := m.chat.AuthTest(ctx, token)
			return err
		})
	})
	if err == nil {
		m.mu.Lock()
		if m.state.AccessTokenPresent {
			m.state.IsConnected = true
			m.state.LastConnected = time.Now()
			m.state.Error = ""
		}
		m.mu.Unlock()
		return
	}

	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		m.logger.Warn("health check: token rejected", zap.Error(err))
		m.mu.Lock()
		m.state.IsConnected = false
		m.state.Error = authErr.Reason
		snapshot := m.state
		m.mu.Unlock()
		m.persistSnapshot(ctx, snapshot)
		m.notify("warning", "Slack disconnected", "The access token was rejected. Reconnect to continue scanning.")
		return
	}

	var open *ratelimit.CircuitOpenError
	if errors.As(err, &open) {
		return
	}
	m.logger.Debug("health check failed", zap.Error(err))
}

// allowHealthCall enforces the rolling-hour ceiling on liveness calls.
func (m *ConnectionManager) allowHealthCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.healthWindowStart) >= healthWindow {
		m.healthWindowStart = now
		m.healthCalls = 0
	}
	if m.healthCalls >= maxHealthCallsPerHour {
		return false
	}
	m.healthCalls++
	return true
}

func (m *ConnectionManager) persistSnapshot(ctx context.Context, state domain.ConnectionState) {
	if err := m.settings.SaveConnectionSnapshot(ctx, state); err != nil {
		m.logger.Warn("failed to persist connection snapshot", zap.Error(err))
	}
}

func (m *ConnectionManager) notify(severity, title, message string) {
	if m.bus != nil {
		m.bus.Publish(event.Notification{Severity: severity, Title: title, Message: message})
	}
}
