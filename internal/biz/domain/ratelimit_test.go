package domain

import "testing"

func TestEndpointTier(t *testing.T) {
	cases := []struct {
		endpoint string
		want     Tier
	}{
		{"conversations.history", Tier1},
		{"conversations.replies", Tier1},
		{"conversations.list", Tier2},
		{"conversations.info", Tier3},
		{"users.list", Tier3},
		{"auth.test", Tier3},
		{"oauth.v2.access", Tier3},
		{"chat.postMessage", Tier4},
		{"conversations.join", Tier4},
		{"some.future.endpoint", Tier3}, // unknown endpoints get the conservative default
	}

	for _, tc := range cases {
		if got := EndpointTier(tc.endpoint); got != tc.want {
			t.Errorf("EndpointTier(%q) = %v, want %v", tc.endpoint, got, tc.want)
		}
	}
}

func TestTierLimits(t *testing.T) {
	cases := []struct {
		tier Tier
		want int
	}{
		{Tier1, 1},
		{Tier2, 20},
		{Tier3, 50},
		{Tier4, 100},
	}
	for _, tc := range cases {
		if got := tc.tier.Limit(); got != tc.want {
			t.Errorf("Tier %v limit = %d, want %d", tc.tier, got, tc.want)
		}
	}
}
