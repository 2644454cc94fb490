package bus

import "time"

// InboundMessage is a user turn arriving from a channel. SessionID is optional; when
// empty the channel and chat id name the session.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	SessionID string
	Context   string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// SessionKey is the session the message belongs to.
func (m *InboundMessage) SessionKey() string {
	if m.SessionID != "" {
		return m.SessionID
	}
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply routed back to the originating channel.
type OutboundMessage struct {
	Channel   string
	ChatID    string
	SessionID string
	Content   string
	// Error is set when the turn failed; Content then carries a user-facing notice.
	Error    string
	Metadata map[string]any
}
