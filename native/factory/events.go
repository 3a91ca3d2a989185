package factory

import (
	"math/big"
	"strconv"

	"escrowchain/core/types"
)

const (
	EventTypeEscrowCreated     = "factory.escrow_created"
	EventTypeDeposited         = "factory.deposited"
	EventTypeDeliveryConfirmed = "factory.delivery_confirmed"
)

// CreatedEvent is published once a new escrow has been registered.
type CreatedEvent struct {
	Factory types.ActorID
	ID      uint64
	Address types.ActorID
	Seller  types.ActorID
	Buyer   types.ActorID
	Price   *big.Int
}

func (CreatedEvent) EventType() string { return EventTypeEscrowCreated }

func (e CreatedEvent) Event() *types.Event {
	price := "0"
	if e.Price != nil {
		price = e.Price.String()
	}
	return &types.Event{Type: EventTypeEscrowCreated, Attributes: map[string]string{
		"factory": e.Factory.String(),
		"id":      strconv.FormatUint(e.ID, 10),
		"address": e.Address.String(),
		"seller":  e.Seller.String(),
		"buyer":   e.Buyer.String(),
		"price":   price,
	}}
}

// ProxiedEvent is published after an escrow confirmed a forwarded action.
type ProxiedEvent struct {
	Type    string
	Factory types.ActorID
	ID      uint64
	Caller  types.ActorID
}

func (e ProxiedEvent) EventType() string { return e.Type }

func (e ProxiedEvent) Event() *types.Event {
	return &types.Event{Type: e.Type, Attributes: map[string]string{
		"factory": e.Factory.String(),
		"id":      strconv.FormatUint(e.ID, 10),
		"caller":  e.Caller.String(),
	}}
}
