package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind classifies how an inbound message reached the gateway.
type MessageKind string

const (
	MessageCommand MessageKind = "command"
	MessageMention MessageKind = "mention"
	MessagePlain   MessageKind = "message"
)

// messageNamespace scopes the name-based ids of inbound messages.
var messageNamespace = uuid.MustParse("6f1d3c2e-8a47-4b0e-9a55-2f6a0c1e7b90")

// InboundMessage is one received command or event. It is written once and never updated.
type InboundMessage struct {
	ID         string      `json:"id"`
	ChannelID  string      `json:"channel_id"`
	UserID     string      `json:"user_id"`
	Text       string      `json:"text"`
	Kind       MessageKind `json:"kind"`
	JobID      *string     `json:"job_id,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// MessageID derives the id of a message from its channel, user and receipt time.
// The same triple always yields the same id.
func MessageID(channelID, userID string, receivedAt time.Time) string {
	name := fmt.Sprintf("%s:%s:%d", channelID, userID, receivedAt.UnixNano())
	return "msg_" + uuid.NewSHA1(messageNamespace, []byte(name)).String()
}

// NewInboundMessage builds a message record with its derived id.
func NewInboundMessage(kind MessageKind, channelID, userID, text string, receivedAt time.Time) InboundMessage {
	receivedAt = receivedAt.UTC()
	return InboundMessage{
		ID:         MessageID(channelID, userID, receivedAt),
		ChannelID:  channelID,
		UserID:     userID,
		Text:       text,
		Kind:       kind,
		ReceivedAt: receivedAt,
	}
}
