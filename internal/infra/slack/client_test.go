package slack

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(zap.NewNop())
	c.SetBaseURL(srv.URL)
	return c, srv
}

func TestExchangeCodeSuccess(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth.v2.access", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "code-1", r.Form.Get("code"))
		assert.Equal(t, "123.456", r.Form.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"access_token":"xoxb-new","team":{"id":"T1","name":"Acme"}}`))
	}))
	defer srv.Close()

	grant, err := c.ExchangeCode(context.Background(), "code-1", "123.456", "secret", "http://localhost/cb")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-new", grant.AccessToken)
	assert.Equal(t, "T1", grant.Team.ID)
	assert.Equal(t, "Acme", grant.Team.Name)
}

func TestExchangeCodeAPIErrors(t *testing.T) {
	cases := []struct {
		code  string
		check func(t *testing.T, err error)
	}{
		{"invalid_code", func(t *testing.T, err error) {
			var cfg *domain.ConfigurationError
			assert.True(t, errors.As(err, &cfg))
		}},
		{"invalid_auth", func(t *testing.T, err error) {
			var auth *domain.AuthError
			assert.True(t, errors.As(err, &auth))
		}},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"ok":false,"error":"` + tc.code + `"}`))
			}))
			defer srv.Close()

			_, err := c.ExchangeCode(context.Background(), "code-1", "id", "secret", "uri")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestAuthTest(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth.test", r.URL.Path)
		assert.Equal(t, "Bearer xoxb-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok":true,"team_id":"T1","team":"Acme"}`))
	}))
	defer srv.Close()

	team, err := c.AuthTest(context.Background(), "xoxb-token")
	require.NoError(t, err)
	assert.Equal(t, "T1", team.ID)
	assert.Equal(t, "Acme", team.Name)
}

func TestRateLimitedResponseCarriesRetryAfter(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := c.AuthTest(context.Background(), "xoxb-token")
	var rl *domain.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 17*time.Second, rl.RetryAfter)
	assert.Equal(t, "auth.test", rl.Endpoint)
}

func TestListChannelsFiltersAndNames(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations.list", r.URL.Path)
		assert.Equal(t, "cur-1", r.URL.Query().Get("cursor"))
		w.Write([]byte(`{
			"ok": true,
			"channels": [
				{"id":"C1","name":"general","is_member":true},
				{"id":"C2","name":"dead","is_archived":true},
				{"id":"D123456","name":"","is_im":true},
				{"id":"G789012","name":"","is_mpim":true}
			],
			"response_metadata": {"next_cursor": "cur-2"}
		}`))
	}))
	defer srv.Close()

	page, err := c.ListChannels(context.Background(), "xoxb-token", "cur-1")
	require.NoError(t, err)
	require.Len(t, page.Channels, 3, "archived channels are dropped")
	assert.Equal(t, "general", page.Channels[0].Name)
	assert.Equal(t, "DM-12345", page.Channels[1].Name)
	assert.Equal(t, "Group-78901", page.Channels[2].Name)
	assert.Equal(t, "cur-2", page.NextCursor)
}

func TestChannelInfo(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations.info", r.URL.Path)
		assert.Equal(t, "C1", r.URL.Query().Get("channel"))
		w.Write([]byte(`{"ok":true,"channel":{"id":"C1","name":"general","is_member":true,"is_archived":false}}`))
	}))
	defer srv.Close()

	ch, err := c.ChannelInfo(context.Background(), "xoxb-token", "C1")
	require.NoError(t, err)
	assert.Equal(t, "general", ch.Name)
	assert.True(t, ch.IsMember)
}

func TestChannelInfoNotFound(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	_, err := c.ChannelInfo(context.Background(), "xoxb-token", "C_MISSING")
	var access *domain.ChannelAccessError
	require.True(t, errors.As(err, &access))
	assert.Equal(t, "C_MISSING", access.ChannelID)
}

func TestListUsersDropsDeletedAccounts(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users.list", r.URL.Path)
		w.Write([]byte(`{"ok":true,"members":[
			{"id":"U1","name":"dana","real_name":"Dana Reyes"},
			{"id":"U2","name":"olduser","deleted":true},
			{"id":"U3","name":"scanbot","is_bot":true}
		],"response_metadata":{"next_cursor":"u-next"}}`))
	}))
	defer srv.Close()

	page, err := c.ListUsers(context.Background(), "xoxb-token", "")
	require.NoError(t, err)
	require.Len(t, page.Users, 2)
	assert.Equal(t, "dana", page.Users[0].Name)
	assert.Equal(t, "Dana Reyes", page.Users[0].RealName)
	assert.True(t, page.Users[1].IsBot)
	assert.Equal(t, "u-next", page.NextCursor)
}

func TestFetchHistory(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations.history", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "C1", q.Get("channel"))
		assert.Equal(t, "1700000000.000000", q.Get("oldest"))
		assert.Empty(t, q.Get("cursor"))
		w.Write([]byte(`{
			"ok": true,
			"messages": [
				{"ts":"1700000300.000300","user":"U1","text":"TODO: fix it","type":"message"},
				{"ts":"1700000200.000200","user":"U2","text":"ok","type":"message","thread_ts":"1700000100.000100"}
			],
			"has_more": true,
			"response_metadata": {"next_cursor": "cur-next"}
		}`))
	}))
	defer srv.Close()

	page, err := c.FetchHistory(context.Background(), "xoxb-token", "C1", time.Unix(1700000000, 0), "", 100)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "C1", page.Messages[0].Channel, "channel id is stamped onto each message")
	assert.Equal(t, "1700000100.000100", page.Messages[1].ThreadTS)
	assert.True(t, page.HasMore)
	assert.Equal(t, "cur-next", page.NextCursor)
}

func TestFetchHistoryChannelErrors(t *testing.T) {
	for _, code := range []string{"not_in_channel", "channel_not_found"} {
		t.Run(code, func(t *testing.T) {
			c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"ok":false,"error":"` + code + `"}`))
			}))
			defer srv.Close()

			_, err := c.FetchHistory(context.Background(), "xoxb-token", "C1", time.Time{}, "", 10)
			var access *domain.ChannelAccessError
			require.True(t, errors.As(err, &access))
			assert.Equal(t, "C1", access.ChannelID)
		})
	}
}

func TestJoinChannelAlreadyInChannelIsSuccess(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations.join", r.URL.Path)
		w.Write([]byte(`{"ok":false,"error":"already_in_channel"}`))
	}))
	defer srv.Close()

	assert.NoError(t, c.JoinChannel(context.Background(), "xoxb-token", "C1"))
}

func TestMissingScopeMapsToScopeError(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"missing_scope"}`))
	}))
	defer srv.Close()

	_, err := c.ListChannels(context.Background(), "xoxb-token", "")
	var scope *domain.ScopeError
	assert.True(t, errors.As(err, &scope))
}

func TestServerErrorMapsToNetworkError(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := c.AuthTest(context.Background(), "xoxb-token")
	var netErr *domain.NetworkError
	assert.True(t, errors.As(err, &netErr))
}

func TestTransportFailureMapsToNetworkError(t *testing.T) {
	c := NewClient(zap.NewNop())
	c.SetBaseURL("http://127.0.0.1:1") // nothing listens here

	_, err := c.AuthTest(context.Background(), "xoxb-token")
	var netErr *domain.NetworkError
	assert.True(t, errors.As(err, &netErr))
}

func TestMalformedBodyMapsToDataFormatError(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	_, err := c.AuthTest(context.Background(), "xoxb-token")
	var format *domain.DataFormatError
	assert.True(t, errors.As(err, &format))
}

func TestBuildOAuthURL(t *testing.T) {
	u := BuildOAuthURL("123.456", "http://127.0.0.1:8756/oauth/callback", "state-1")
	assert.Contains(t, u, "https://slack.com/oauth/v2/authorize?")
	assert.Contains(t, u, "client_id=123.456")
	assert.Contains(t, u, "state=state-1")
	assert.Contains(t, u, "channels%3Ahistory%2C", "scopes are comma separated")
}
