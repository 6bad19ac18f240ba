package broadcast

import (
	"github.com/roach88/changesync/internal/ir"
)

// ChannelTopic is the topic shared by everyone following a channel.
func ChannelTopic(channelID string) string { return ir.ChannelScope(channelID).Key() }

// UserTopic is a user's private topic.
func UserTopic(userID string) string { return ir.UserScope(userID).Key() }

// Message is what subscribers receive. Exactly one of Change and Errored is
// set.
type Message struct {
	Topic   string     `json:"topic"`
	Change  *ir.Change `json:"change,omitempty"`
	Errored *ir.Change `json:"errored,omitempty"`
}

// Route decides where a resolved change is published. Pending changes and
// errored changes without an author are not routed.
func Route(c ir.Change) (Message, bool) {
	switch {
	case c.Errored:
		if c.CreatedByID == "" {
			return Message{}, false
		}
		return Message{Topic: UserTopic(c.CreatedByID), Errored: &c}, true
	case c.Applied:
		if c.ChannelID != "" {
			return Message{Topic: ChannelTopic(c.ChannelID), Change: &c}, true
		}
		if c.UserID != "" {
			return Message{Topic: UserTopic(c.UserID), Change: &c}, true
		}
	}
	return Message{}, false
}
