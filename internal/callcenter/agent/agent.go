// Package agent decides what the assistant says next.
package agent

import (
	"context"

	"github.com/svv2602/call-center-sub002/internal/callcenter/session"
)

// TransferRequest asks for the call to be handed to a human operator.
type TransferRequest struct {
	Reason string
}

// Reply is the outcome of one conversational turn. Side effects are applied
// by the caller.
type Reply struct {
	Text     string
	Transfer *TransferRequest
	OrderID  string // set when an order was confirmed during the turn
	EndCall  bool   // the conversation reached a natural end
}

// TurnProcessor produces the assistant's reply to an utterance given the
// dialog so far. history does not include text.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, text string, history []session.DialogTurn) (Reply, error)
}

// Func adapts a function to TurnProcessor.
type Func func(ctx context.Context, text string, history []session.DialogTurn) (Reply, error)

// ProcessTurn implements TurnProcessor
func (f Func) ProcessTurn(ctx context.Context, text string, history []session.DialogTurn) (Reply, error) {
	return f(ctx, text, history)
}
