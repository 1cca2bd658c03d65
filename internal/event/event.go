package event

import (
	"encoding/json"

	"github.com/valsssa/TutorHub-sub003/internal/model"
)

const (
	// EventMessageCreated carries a persisted message fanned out to both
	// participants of its thread.
	EventMessageCreated = "message.created"
	// EventTypingStart signals the sender is editing a message in the
	// given thread. Re-issued faster than the presence TTL while typing.
	EventTypingStart = "typing.start"
	// EventPresenceUpdate signals a user's online state changed.
	EventPresenceUpdate = "presence.update"
)

// Envelope is the wire frame for every event on the live channel. Event is
// the type discriminator; Payload is decoded per kind.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Known reports whether kind is an event type this client understands.
// Unknown kinds are dropped at the transport edge, never an error.
func Known(kind string) bool {
	switch kind {
	case EventMessageCreated, EventTypingStart, EventPresenceUpdate:
		return true
	default:
		return false
	}
}

type MessageCreated struct {
	Message model.Message `json:"message"`
}

type TypingStart struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	BookingID   string `json:"bookingId,omitempty"`
}

type PresenceUpdate struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func NewMessageCreated(m model.Message) Envelope {
	payload, _ := json.Marshal(MessageCreated{Message: m})
	return Envelope{Event: EventMessageCreated, Payload: payload}
}

func NewTypingStart(senderID, recipientID, bookingID string) Envelope {
	payload, _ := json.Marshal(TypingStart{SenderID: senderID, RecipientID: recipientID, BookingID: bookingID})
	return Envelope{Event: EventTypingStart, Payload: payload}
}

func NewPresenceUpdate(userID string, online bool) Envelope {
	payload, _ := json.Marshal(PresenceUpdate{UserID: userID, Online: online})
	return Envelope{Event: EventPresenceUpdate, Payload: payload}
}

func (e Envelope) DecodeMessageCreated() (MessageCreated, error) {
	var p MessageCreated
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) DecodeTypingStart() (TypingStart, error) {
	var p TypingStart
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) DecodePresenceUpdate() (PresenceUpdate, error) {
	var p PresenceUpdate
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
