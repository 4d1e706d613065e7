package service

import (
	"errors"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
	"github.com/projectboxes/slack-gateway/internal/ratelimit"
)

// Error categories surfaced to clients. Stable strings, safe to match
// on.
const (
	CategoryConfiguration = "configuration"
	CategoryAuth          = "auth"
	CategoryScope         = "scope"
	CategoryRateLimit     = "rate_limit"
	CategoryChannelAccess = "channel_access"
	CategoryNetwork       = "network"
	CategoryDataFormat    = "data_format"
	CategoryCircuitOpen   = "circuit_open"
	CategoryUnknown       = "unknown"
)

const maxErrorDetail = 120

// Categorize maps an error to its category string. Specific categories
// are checked before broad ones so a wrapped rate-limit error inside a
// network failure is still reported as rate_limit. Returns "" for nil.
func Categorize(err error) string {
	if err == nil {
		return ""
	}

	var (
		cfgErr  *domain.ConfigurationError
		authErr *domain.AuthError
		scope   *domain.ScopeError
		rl      *domain.RateLimitError
		access  *domain.ChannelAccessError
		format  *domain.DataFormatError
		open    *ratelimit.CircuitOpenError
		netErr  *domain.NetworkError
	)
	switch {
	case errors.As(err, &rl):
		return CategoryRateLimit
	case errors.As(err, &authErr):
		return CategoryAuth
	case errors.As(err, &scope):
		return CategoryScope
	case errors.As(err, &access):
		return CategoryChannelAccess
	case errors.As(err, &format):
		return CategoryDataFormat
	case errors.As(err, &open):
		return CategoryCircuitOpen
	case errors.Is(err, domain.ErrNotConfigured), errors.As(err, &cfgErr):
		return CategoryConfiguration
	case errors.As(err, &netErr):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

// ErrorDetail renders an error for user display, truncated so raw
// payloads never flood the UI.
func ErrorDetail(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorDetail {
		return msg[:maxErrorDetail] + "..."
	}
	return msg
}
