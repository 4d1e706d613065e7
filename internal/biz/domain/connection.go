package domain

import (
	"strings"
	"time"
)

// ConnectionState is the UI-visible snapshot of the Slack connection.
// Secrets never appear here; they live only in the credential vault.
type ConnectionState struct {
	IsConfigured       bool      `json:"is_configured"`
	IsConnected        bool      `json:"is_connected"`
	IsAuthenticating   bool      `json:"is_authenticating"`
	ClientID           string    `json:"client_id"`
	TeamID             string    `json:"team_id,omitempty"`
	TeamName           string    `json:"team_name,omitempty"`
	LastConnected      time.Time `json:"last_connected,omitempty"`
	Error              string    `json:"error,omitempty"`
	AccessTokenPresent bool      `json:"access_token_present"`
}

// Team identifies the remote workspace the gateway is authenticated
// against.
type Team struct {
	ID   string
	Name string
}

// OAuthGrant is the result of a successful authorization-code exchange.
type OAuthGrant struct {
	AccessToken string
	Team        Team
}

// ValidateClientID checks the client id format before it is stored.
func ValidateClientID(clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return &ConfigurationError{Message: "client id must not be empty"}
	}
	if len(clientID) > 255 {
		return &ConfigurationError{Message: "client id too long"}
	}
	for _, c := range clientID {
		if !isAlnum(c) && c != '.' && c != '-' {
			return &ConfigurationError{Message: "client id contains invalid characters"}
		}
	}
	return nil
}

// ValidateClientSecret checks the client secret format before it is
// stored.
func ValidateClientSecret(secret string) error {
	if strings.TrimSpace(secret) == "" {
		return &ConfigurationError{Message: "client secret must not be empty"}
	}
	if len(secret) < 8 {
		return &ConfigurationError{Message: "client secret too short"}
	}
	if len(secret) > 255 {
		return &ConfigurationError{Message: "client secret too long"}
	}
	for _, c := range secret {
		if c > 126 || c < 32 {
			return &ConfigurationError{Message: "client secret contains invalid characters"}
		}
	}
	return nil
}

// ValidateAccessToken checks the shape of a bot or user token. Slack
// tokens start with an "xox" prefix.
func ValidateAccessToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return &AuthError{Reason: "access token must not be empty"}
	}
	if len(token) > 500 {
		return &AuthError{Reason: "access token too long"}
	}
	if !strings.HasPrefix(token, "xox") {
		return &AuthError{Reason: "unrecognized access token format"}
	}
	return nil
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
