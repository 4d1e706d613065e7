package repo

import "context"

// Credentials is everything the vault holds for the Slack integration.
// The vault is the single source of truth for whether a usable token
// exists.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AccessToken  string `json:"access_token,omitempty"`
	TeamID       string `json:"team_id,omitempty"`
	TeamName     string `json:"team_name,omitempty"`
}

// CredentialVault is the secure key-value store for integration
// secrets.
type CredentialVault interface {
	// Store writes the full credential record, replacing any previous
	// one.
	Store(ctx context.Context, creds Credentials) error

	// Get returns the stored credentials, or nil when none exist.
	Get(ctx context.Context) (*Credentials, error)

	// Delete removes the stored credentials. Deleting absent
	// credentials is not an error.
	Delete(ctx context.Context) error
}
