package escrow

import (
	"math/big"

	"escrowchain/core/types"
)

const (
	EventTypeEscrowDeposited = "escrow.deposited"
	EventTypeEscrowDelivered = "escrow.delivered"
)

// DepositedEvent is published when the buyer's funds were accepted.
type DepositedEvent struct {
	Escrow types.ActorID
	Buyer  types.ActorID
	Amount *big.Int
}

func (DepositedEvent) EventType() string { return EventTypeEscrowDeposited }

func (e DepositedEvent) Event() *types.Event {
	return newEscrowEvent(EventTypeEscrowDeposited, e.Escrow, map[string]string{
		"buyer":  e.Buyer.String(),
		"amount": amountString(e.Amount),
	})
}

// DeliveredEvent is published when delivery was confirmed and the seller
// payment was queued.
type DeliveredEvent struct {
	Escrow types.ActorID
	Seller types.ActorID
	Amount *big.Int
}

func (DeliveredEvent) EventType() string { return EventTypeEscrowDelivered }

func (e DeliveredEvent) Event() *types.Event {
	return newEscrowEvent(EventTypeEscrowDelivered, e.Escrow, map[string]string{
		"seller": e.Seller.String(),
		"amount": amountString(e.Amount),
	})
}

func newEscrowEvent(eventType string, escrow types.ActorID, attrs map[string]string) *types.Event {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	attrs["escrow"] = escrow.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
