package repo

import (
	"context"
	"time"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
)

// ChatAPI is the remote chat-platform API at the granularity of one
// HTTP call per method. Callers gate every method through the rate
// limiter; methods never paginate internally so the limiter sees each
// request.
type ChatAPI interface {
	// ExchangeCode trades a one-time authorization code for an access
	// token.
	ExchangeCode(ctx context.Context, code, clientID, clientSecret, redirectURI string) (*domain.OAuthGrant, error)

	// AuthTest is the cheap liveness endpoint; it validates the token
	// and returns the team identity.
	AuthTest(ctx context.Context, token string) (*domain.Team, error)

	// ListChannels returns one page of the conversation list.
	ListChannels(ctx context.Context, token, cursor string) (*domain.ChannelPage, error)

	// ChannelInfo returns metadata for one conversation.
	ChannelInfo(ctx context.Context, token, channelID string) (*domain.Channel, error)

	// ListUsers returns one page of the workspace member directory.
	ListUsers(ctx context.Context, token, cursor string) (*domain.UserPage, error)

	// FetchHistory returns one page of channel history. Pass a zero
	// oldest to fetch from the beginning; cursor and oldest are
	// mutually exclusive, cursor wins.
	FetchHistory(ctx context.Context, token, channelID string, oldest time.Time, cursor string, limit int) (*domain.HistoryPage, error)

	// JoinChannel joins a public channel. Already being a member is
	// success.
	JoinChannel(ctx context.Context, token, channelID string) error
}
