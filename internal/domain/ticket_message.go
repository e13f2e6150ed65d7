package domain

import "time"

// MessageKind indicates who authored a thread entry.
type MessageKind string

const (
	MessageKindUser   MessageKind = "USER"
	MessageKindSystem MessageKind = "SYSTEM"
)

// TicketMessage captures communications and audit notes in a ticket thread.
// The ticket id doubles as the conversation id.
type TicketMessage struct {
	ID        string      `json:"id"`
	TicketID  string      `json:"ticket_id"`
	SenderID  *string     `json:"sender_id"`
	Kind      MessageKind `json:"kind"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
}

// Sender returns the sender id, or an empty string for system entries.
func (m TicketMessage) Sender() string {
	if m.SenderID == nil {
		return ""
	}
	return *m.SenderID
}
