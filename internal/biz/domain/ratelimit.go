package domain

import "time"

// Tier is the rate-limit class of a remote API endpoint, bounding
// requests per 60-second window.
type Tier int

// The four documented tiers.
const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
	Tier4 Tier = 4
)

// WindowLength is the rolling window all tiers are measured against.
const WindowLength = 60 * time.Second

// Limit returns the request ceiling per window for the tier.
func (t Tier) Limit() int {
	switch t {
	case Tier1:
		return 1
	case Tier2:
		return 20
	case Tier3:
		return 50
	case Tier4:
		return 100
	default:
		return 50
	}
}

// endpointTiers is the static endpoint-to-tier table. History-style
// endpoints carry the non-Marketplace limit of one request per minute.
var endpointTiers = map[string]Tier{
	"conversations.history": Tier1,
	"conversations.replies": Tier1,
	"conversations.list":    Tier2,
	"conversations.info":    Tier3,
	"users.list":            Tier3,
	"auth.test":             Tier3,
	"oauth.v2.access":       Tier3,
	"chat.postMessage":      Tier4,
	"chat.update":           Tier4,
	"chat.delete":           Tier4,
	"conversations.join":    Tier4,
}

// EndpointTier resolves an endpoint to its tier. Unknown endpoints get
// the mid tier so a new endpoint cannot accidentally run unthrottled.
func EndpointTier(endpoint string) Tier {
	if t, ok := endpointTiers[endpoint]; ok {
		return t
	}
	return Tier3
}

// RateLimitWindow tracks the request budget for one (workspace,
// endpoint) key. RequestCount never exceeds the tier ceiling within a
// window; while RetryAfterUntil is in the future no request for the
// key is dispatched.
type RateLimitWindow struct {
	RequestCount    int
	WindowStart     time.Time
	RetryAfterUntil time.Time
}
