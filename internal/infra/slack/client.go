// Package slack is the HTTP client for the remote chat-platform API.
// Every method issues exactly one request so the rate limiter sees
// each call; pagination loops live in the callers.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
)

const defaultBaseURL = "https://slack.com/api"

// OAuth scopes the gateway requests: read access to every
// conversation type, join for public channels, and team/user identity.
var OAuthScopes = []string{
	"channels:history",
	"channels:read",
	"channels:join",
	"groups:history",
	"groups:read",
	"im:history",
	"im:read",
	"mpim:history",
	"mpim:read",
	"chat:write",
	"team:read",
	"users:read",
}

// Client talks to the Slack web API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// NewClient creates a client with sane timeouts.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		logger:     logger.Named("slack"),
	}
}

// SetBaseURL overrides the API base URL, used by tests.
func (c *Client) SetBaseURL(base string) {
	c.baseURL = strings.TrimRight(base, "/")
}

// BuildOAuthURL builds the user-facing authorize URL. Bot scopes are
// comma separated; state protects the redirect against CSRF.
func BuildOAuthURL(clientID, redirectURI, state string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(OAuthScopes, ","))
	q.Set("response_type", "code")
	if state != "" {
		q.Set("state", state)
	}
	return "https://slack.com/oauth/v2/authorize?" + q.Encode()
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type oauthResponse struct {
	envelope
	AccessToken string `json:"access_token"`
	Team        *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
}

// ExchangeCode trades the one-time authorization code for an access
// token via oauth.v2.access.
func (c *Client) ExchangeCode(ctx context.Context, code, clientID, clientSecret, redirectURI string) (*domain.OAuthGrant, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &domain.ConfigurationError{Message: "authorization code must not be empty"}
	}

	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("redirect_uri", redirectURI)

	body, err := c.postForm(ctx, "oauth.v2.access", form)
	if err != nil {
		return nil, err
	}

	var resp oauthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.DataFormatError{Message: "oauth response: " + err.Error()}
	}
	if !resp.OK {
		return nil, mapAPIError("oauth.v2.access", resp.Error)
	}
	if resp.AccessToken == "" {
		return nil, &domain.DataFormatError{Message: "oauth response missing access token"}
	}

	grant := &domain.OAuthGrant{AccessToken: resp.AccessToken}
	if resp.Team != nil {
		grant.Team = domain.Team{ID: resp.Team.ID, Name: resp.Team.Name}
	}
	return grant, nil
}

type authTestResponse struct {
	envelope
	TeamID string `json:"team_id"`
	Team   string `json:"team"`
}

// AuthTest validates the token against the liveness endpoint.
func (c *Client) AuthTest(ctx context.Context, token string) (*domain.Team, error) {
	body, err := c.get(ctx, "auth.test", token, nil)
	if err != nil {
		return nil, err
	}

	var resp authTestResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.DataFormatError{Message: "auth.test response: " + err.Error()}
	}
	if !resp.OK {
		return nil, mapAPIError("auth.test", resp.Error)
	}
	return &domain.Team{ID: resp.TeamID, Name: resp.Team}, nil
}

type channelJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsMember   bool   `json:"is_member"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
	IsIM       bool   `json:"is_im"`
	IsMPIM     bool   `json:"is_mpim"`
}

type listResponse struct {
	envelope
	Channels         []channelJSON `json:"channels"`
	ResponseMetadata *struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// ListChannels returns one page of the conversation list. Archived
// channels are dropped and nameless conversations (DMs, group DMs)
// get display names derived from their ids.
func (c *Client) ListChannels(ctx context.Context, token, cursor string) (*domain.ChannelPage, error) {
	q := url.Values{}
	q.Set("types", "public_channel,private_channel,im,mpim")
	q.Set("limit", "200")
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	body, err := c.get(ctx, "conversations.list", token, q)
	if err != nil {
		return nil, err
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.DataFormatError{Message: "conversations.list response: " + err.Error()}
	}
	if !resp.OK {
		return nil, mapAPIError("conversations.list", resp.Error)
	}

	page := &domain.ChannelPage{}
	for _, ch := range resp.Channels {
		if ch.IsArchived {
			continue
		}
		out := domain.Channel{
			ID:        ch.ID,
			Name:      ch.Name,
			IsMember:  ch.IsMember,
			IsPrivate: ch.IsPrivate,
			IsIM:      ch.IsIM,
			IsMPIM:    ch.IsMPIM,
		}
		if out.Name == "" {
			out.Name = displayName(out)
		}
		page.Channels = append(page.Channels, out)
	}
	if resp.ResponseMetadata != nil {
		page.NextCursor = resp.ResponseMetadata.NextCursor
	}
	return page, nil
}

type infoResponse struct {
	envelope
	Channel *channelJSON `json:"channel"`
}

// ChannelInfo fetches metadata for one conversation via
// conversations.info.
func (c *Client) ChannelInfo(ctx context.Context, token, channelID string) (*domain.Channel, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, &domain.ConfigurationError{Message: "channel id must not be empty"}
	}

	q := url.Values{}
	q.Set("channel", channelID)

	body, err := c.get(ctx, "conversations.info", token, q)
	if err != nil {
		return nil, err
	}

	var resp infoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.DataFormatError{Message: "conversations.info response: " + err.Error()}
	}
	if !resp.OK {
		return nil, mapChannelError("conversations.info", channelID, resp.Error)
	}
	if resp.Channel == nil {
		return nil, &domain.DataFormatError{Message: "conversations.info response missing channel"}
	}

	out := domain.Channel{
		ID:         resp.Channel.ID,
		Name:       resp.Channel.Name,
		IsMember:   resp.Channel.IsMember,
		IsPrivate:  resp.Channel.IsPrivate,
		IsArchived: resp.Channel.IsArchived,
		IsIM:       resp.Channel.IsIM,
		IsMPIM:     resp.Channel.IsMPIM,
	}
	if out.Name == "" {
		out.Name = displayName(out)
	}
	return &out, nil
}

type userJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
	IsBot    bool   `json:"is_bot"`
	Deleted  bool   `json:"deleted"`
}

type usersResponse struct {
	envelope
	Members          []userJSON `json:"members"`
	ResponseMetadata *struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// ListUsers returns one page of the workspace member directory.
// Deleted accounts are dropped.
func (c *Client) ListUsers(ctx context.Context, token, cursor string) (*domain.UserPage, error) {
	q := url.Values{}
	q.Set("limit", "200")
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	body, err := c.get(ctx, "users.list", token, q)
	if err != nil {
		return nil, err
	}

	var resp usersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.DataFormatError{Message: "users.list response: " + err.Error()}
	}
	if !resp.OK {
		return nil, mapAPIError("users.list", resp.Error)
	}

	page := &domain.UserPage{}
	for _, u := range resp.Members {
		if u.Deleted {
			continue
		}
		page.Users = append(page.Users, domain.User{
			ID:       u.ID,
			Name:     u.Name,
			RealName: u.RealName,
			IsBot:    u.IsBot,
		})
	}
	if resp.ResponseMetadata != nil {
		page.NextCursor = resp.ResponseMetadata.NextCursor
	}
	return page, nil
}

type messageJSON struct {
	TS       string `json:"ts"`
	User     string `json:"user"`
	Text     string `json:"text"`
	Type     string `json:"type"`
	ThreadTS string `json:"thread_ts"`
}

type historyResponse struct {
	envelope
	Messages         []messageJSON `json:"messages"`
	HasMore          bool          `json:"has_more"`
	ResponseMetadata *struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// FetchHistory returns one page of channel history. Cursor and oldest
// must not be combined; the API mishandles that, so cursor wins here.
func (c *Client) FetchHistory(ctx context.Context, token, channelID string, oldest time.Time, cursor string, limit int) (*domain.HistoryPage, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, &domain.ConfigurationError{Message: "channel id must not be empty"}
	}
	if limit <= 0 {
		limit = 15
	}

	q := url.Values{}
	q.Set("channel", channelID)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	} else if !oldest.IsZero() {
		q.Set("oldest", fmt.Sprintf("%d.000000", oldest.Unix()))
	}

	body, err := c.get(ctx, "conversations.history", token, q)
	if err != nil {
		return nil, err
	}

	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.DataFormatError{Message: "conversations.history response: " + err.Error()}
	}
	if !resp.OK {
		return nil, mapChannelError("conversations.history", channelID, resp.Error)
	}

	page := &domain.HistoryPage{HasMore: resp.HasMore}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, domain.Message{
			TS:       m.TS,
			User:     m.User,
			Text:     m.Text,
			Channel:  channelID, // the API does not always include it
			Type:     m.Type,
			ThreadTS: m.ThreadTS,
		})
	}
	if resp.ResponseMetadata != nil {
		page.NextCursor = resp.ResponseMetadata.NextCursor
	}
	return page, nil
}

// JoinChannel joins a public channel; already_in_channel is success.
func (c *Client) JoinChannel(ctx context.Context, token, channelID string) error {
	if strings.TrimSpace(channelID) == "" {
		return &domain.ConfigurationError{Message: "channel id must not be empty"}
	}

	payload, _ := json.Marshal(map[string]string{"channel": channelID})
	body, err := c.postJSON(ctx, "conversations.join", token, payload)
	if err != nil {
		return err
	}

	var resp envelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return &domain.DataFormatError{Message: "conversations.join response: " + err.Error()}
	}
	if !resp.OK {
		if resp.Error == "already_in_channel" {
			return nil
		}
		return mapChannelError("conversations.join", channelID, resp.Error)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint, token string, q url.Values) ([]byte, error) {
	u := c.baseURL + "/" + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(endpoint, req)
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(endpoint, req)
}

func (c *Client) postJSON(ctx context.Context, endpoint, token string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return c.do(endpoint, req)
}

// do sends the request and maps transport and HTTP-level failures to
// the error taxonomy. Body is fully read so connections are reused.
func (c *Client) do(endpoint string, req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.NetworkError{Op: endpoint, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.RateLimitError{
			Endpoint:   endpoint,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &domain.AuthError{Reason: "access token invalid or expired"}
	case resp.StatusCode == http.StatusForbidden:
		return nil, &domain.ScopeError{}
	case resp.StatusCode >= 500:
		return nil, &domain.NetworkError{Op: endpoint, Err: fmt.Errorf("server error: HTTP %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: unexpected HTTP %d", endpoint, resp.StatusCode)
	}
	return body, nil
}

// mapAPIError translates an ok:false error string into the taxonomy.
func mapAPIError(endpoint, code string) error {
	switch code {
	case "invalid_auth", "token_expired", "token_revoked", "not_authed", "account_inactive":
		return &domain.AuthError{Reason: code}
	case "missing_scope":
		return &domain.ScopeError{}
	case "rate_limited", "ratelimited":
		return &domain.RateLimitError{Endpoint: endpoint}
	case "invalid_client_id", "bad_client_secret", "invalid_code", "code_already_used":
		return &domain.ConfigurationError{Message: code}
	case "":
		return &domain.DataFormatError{Message: endpoint + ": ok=false without error code"}
	default:
		return fmt.Errorf("%s: %s", endpoint, code)
	}
}

// mapChannelError is mapAPIError plus the channel-scoped access cases.
func mapChannelError(endpoint, channelID, code string) error {
	switch code {
	case "not_in_channel", "channel_not_found", "is_archived", "method_not_supported_for_channel_type":
		return &domain.ChannelAccessError{ChannelID: channelID}
	default:
		return mapAPIError(endpoint, code)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// displayName derives a stable name for conversations the API returns
// unnamed.
func displayName(ch domain.Channel) string {
	id := ch.ID
	if len(id) > 6 {
		id = id[1:6]
	}
	switch {
	case ch.IsIM:
		return "DM-" + id
	case ch.IsMPIM:
		return "Group-" + id
	default:
		return "Channel-" + id
	}
}
