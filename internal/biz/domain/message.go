package domain

// Message is one chat message fetched from a monitored channel.
type Message struct {
	TS       string `json:"ts"`
	User     string `json:"user,omitempty"`
	Text     string `json:"text"`
	Channel  string `json:"channel,omitempty"`
	Type     string `json:"type"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// Channel is a conversation the workspace exposes.
type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsMember   bool   `json:"is_member"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
	IsIM       bool   `json:"is_im"`
	IsMPIM     bool   `json:"is_mpim"`
}

// HistoryPage is one page of conversation history. The scheduler pages
// through history one rate-limited request at a time.
type HistoryPage struct {
	Messages   []Message
	HasMore    bool
	NextCursor string
}

// ChannelPage is one page of the conversation list.
type ChannelPage struct {
	Channels   []Channel
	NextCursor string
}

// User is a workspace member.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name,omitempty"`
	IsBot    bool   `json:"is_bot"`
	Deleted  bool   `json:"deleted"`
}

// UserPage is one page of the workspace member directory.
type UserPage struct {
	Users      []User
	NextCursor string
}
