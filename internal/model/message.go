package model

import "time"

// DeliveryStatus tracks a message through the optimistic-send lifecycle.
// It is client-side state and never travels on the wire.
type DeliveryStatus int

const (
	StatusPending DeliveryStatus = iota
	StatusConfirmed
	StatusFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one chat message between a student and a tutor, optionally
// scoped to a booking. ID is server-assigned and empty while a send is in
// flight; CorrelationID is the client-assigned id used to reconcile the
// optimistic copy with the acknowledged one.
type Message struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlationId,omitempty"`
	SenderID      string         `json:"senderId"`
	RecipientID   string         `json:"recipientId"`
	BookingID     string         `json:"bookingId,omitempty"`
	Body          string         `json:"body"`
	Read          bool           `json:"read"`
	CreatedAt     time.Time      `json:"createdAt"`
	Status        DeliveryStatus `json:"-"`
}

// CounterpartKey derives the thread identity of a message as seen by selfID:
// the other participant plus the booking scope.
func CounterpartKey(m Message, selfID string) ThreadKey {
	counterpart := m.SenderID
	if counterpart == selfID {
		counterpart = m.RecipientID
	}
	return ThreadKey{CounterpartID: counterpart, BookingID: m.BookingID}
}
