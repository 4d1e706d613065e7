package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
	"github.com/projectboxes/slack-gateway/internal/ratelimit"
)

func TestCategorize(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"configuration", &domain.ConfigurationError{Message: "bad id"}, CategoryConfiguration},
		{"not configured sentinel", domain.ErrNotConfigured, CategoryConfiguration},
		{"auth", &domain.AuthError{Reason: "token_expired"}, CategoryAuth},
		{"scope", &domain.ScopeError{Missing: "channels:history"}, CategoryScope},
		{"rate limit", &domain.RateLimitError{Endpoint: "conversations.list"}, CategoryRateLimit},
		{"channel access", &domain.ChannelAccessError{ChannelID: "C1"}, CategoryChannelAccess},
		{"network", &domain.NetworkError{Op: "auth.test", Err: context.DeadlineExceeded}, CategoryNetwork},
		{"data format", &domain.DataFormatError{Message: "not json"}, CategoryDataFormat},
		{"circuit open", &ratelimit.CircuitOpenError{Resource: "C1"}, CategoryCircuitOpen},
		{"unknown", errors.New("something odd"), CategoryUnknown},
		{
			"wrapped rate limit wins over the wrapper",
			fmt.Errorf("fetch failed: %w", &domain.RateLimitError{Endpoint: "x", RetryAfter: time.Second}),
			CategoryRateLimit,
		},
		{
			"rate limit inside a network wrapper",
			&domain.NetworkError{Op: "fetch", Err: &domain.RateLimitError{Endpoint: "x"}},
			CategoryRateLimit,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Categorize(tc.err))
		})
	}
}

func TestErrorDetailTruncates(t *testing.T) {
	assert.Empty(t, ErrorDetail(nil))
	assert.Equal(t, "short", ErrorDetail(errors.New("short")))

	long := errors.New(strings.Repeat("x", 500))
	detail := ErrorDetail(long)
	assert.Len(t, detail, maxErrorDetail+3)
	assert.True(t, strings.HasSuffix(detail, "..."))
}
