package session

import "github.com/valsssa/TutorHub-sub003/internal/model"

// Run-loop messages. Every mutation of session state flows through exactly
// one of these, applied on the run goroutine: user commands (cmd*),
// presence ticks (evt*) and async fetch completions (res*). The epoch on a
// completion is compared against the current one so a superseded response
// is discarded instead of applied.

type loopMsg interface{ isLoopMsg() }

type cmdStart struct{}

type cmdRefresh struct{}

type cmdSelect struct{ key model.ThreadKey }

type cmdOpen struct {
	counterpart model.User
	bookingID   string
}

type cmdSend struct{ body string }

type cmdRetry struct{ correlationID string }

type cmdMarkRead struct{}

type cmdFocus struct{ focused bool }

type cmdTyping struct{}

type evtSweep struct{}

type resThreads struct {
	threads []model.Thread
	err     error
	epoch   uint64
}

type resHistory struct {
	key   model.ThreadKey
	msgs  []model.Message
	err   error
	epoch uint64
}

type resSend struct {
	key           model.ThreadKey
	correlationID string
	msg           model.Message
	err           error
}

func (cmdStart) isLoopMsg()    {}
func (cmdRefresh) isLoopMsg()  {}
func (cmdSelect) isLoopMsg()   {}
func (cmdOpen) isLoopMsg()     {}
func (cmdSend) isLoopMsg()     {}
func (cmdRetry) isLoopMsg()    {}
func (cmdMarkRead) isLoopMsg() {}
func (cmdFocus) isLoopMsg()    {}
func (cmdTyping) isLoopMsg()   {}
func (evtSweep) isLoopMsg()    {}
func (resThreads) isLoopMsg()  {}
func (resHistory) isLoopMsg()  {}
func (resSend) isLoopMsg()     {}
