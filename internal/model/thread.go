package model

import "time"

// ThreadKey identifies a conversation: the counterpart plus an optional
// booking scope. An empty BookingID means the general (unscoped) thread
// with that counterpart.
type ThreadKey struct {
	CounterpartID string `json:"counterpartId"`
	BookingID     string `json:"bookingId,omitempty"`
}

func (k ThreadKey) String() string {
	if k.BookingID == "" {
		return k.CounterpartID
	}
	return k.CounterpartID + "#" + k.BookingID
}

// Thread is the summary entry shown in the conversation list. Pending marks
// a client-only provisional thread that exists before the first message has
// been persisted; it never arrives from the server.
type Thread struct {
	CounterpartID   string    `json:"counterpartId"`
	BookingID       string    `json:"bookingId,omitempty"`
	CounterpartName string    `json:"counterpartName"`
	CounterpartRole string    `json:"counterpartRole"`
	LastBody        string    `json:"lastBody"`
	LastSenderID    string    `json:"lastSenderId"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	UnreadCount     int       `json:"unreadCount"`
	MessageCount    int       `json:"messageCount"`
	Pending         bool      `json:"-"`
}

func (t Thread) Key() ThreadKey {
	return ThreadKey{CounterpartID: t.CounterpartID, BookingID: t.BookingID}
}
