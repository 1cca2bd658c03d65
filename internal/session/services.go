package session

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks github.com/valsssa/TutorHub-sub003/internal/session MessageService

import (
	"context"

	"github.com/valsssa/TutorHub-sub003/internal/channel"
	"github.com/valsssa/TutorHub-sub003/internal/event"
	"github.com/valsssa/TutorHub-sub003/internal/model"
)

// MessageService is the REST surface of the platform messaging gateway.
// MarkThreadRead is idempotent on the server. SendMessage returns the
// authoritative message; correlationID is echoed back on both the response
// and the live fan-out so the optimistic copy can be reconciled whichever
// path answers first.
type MessageService interface {
	ListThreads(ctx context.Context) ([]model.Thread, error)
	ThreadMessages(ctx context.Context, counterpartID, bookingID string) ([]model.Message, error)
	MarkThreadRead(ctx context.Context, counterpartID, bookingID string) error
	SendMessage(ctx context.Context, counterpartID, bookingID, body, correlationID string) (model.Message, error)
	CurrentUser() (model.User, error)
}

// Transport is the live event channel the session rides on. One instance is
// shared by all threads of the session.
type Transport interface {
	Events() <-chan event.Envelope
	States() <-chan channel.State
	Send(event.Envelope) error
	Reconnect()
	Close() error
}
