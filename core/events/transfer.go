package events

import (
	"math/big"

	"escrowchain/core/types"
)

const (
	// TypeTransfer is emitted whenever value moves between two actors.
	TypeTransfer = "transfer.native"
)

// Transfer records a value movement performed by the host ledger.
type Transfer struct {
	From    types.ActorID
	To      types.ActorID
	Amount  *big.Int
	Message types.MessageID
	Reason  string
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{}
	attrs["from"] = e.From.String()
	attrs["to"] = e.To.String()
	attrs["amount"] = formatAmount(e.Amount)
	if e.Message != (types.MessageID{}) {
		attrs["message"] = e.Message.String()
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}
