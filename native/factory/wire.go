package factory

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowchain/core/types"
)

// InitFactory configures a new factory. A zero CreationGas selects
// DefaultCreationGas.
type InitFactory struct {
	EscrowCodeID types.CodeID
	CreationGas  uint64
}

type ActionKind uint8

const (
	ActionCreateEscrow ActionKind = iota + 1
	ActionDeposit
	ActionConfirmDelivery
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreateEscrow:
		return "CreateEscrow"
	case ActionDeposit:
		return "Deposit"
	case ActionConfirmDelivery:
		return "ConfirmDelivery"
	default:
		return fmt.Sprintf("ActionKind(%d)", uint8(k))
	}
}

// Action is a factory request. Seller, Buyer and Price are only meaningful for
// CreateEscrow; EscrowID only for Deposit and ConfirmDelivery.
type Action struct {
	Kind     ActionKind
	Seller   types.ActorID
	Buyer    types.ActorID
	Price    *big.Int
	EscrowID uint64
}

func CreateEscrow(seller, buyer types.ActorID, price *big.Int) Action {
	if price == nil {
		price = new(big.Int)
	}
	return Action{Kind: ActionCreateEscrow, Seller: seller, Buyer: buyer, Price: new(big.Int).Set(price)}
}

func Deposit(id uint64) Action {
	return Action{Kind: ActionDeposit, Price: new(big.Int), EscrowID: id}
}

func ConfirmDelivery(id uint64) Action {
	return Action{Kind: ActionConfirmDelivery, Price: new(big.Int), EscrowID: id}
}

type EventKind uint8

const (
	EventEscrowCreated EventKind = iota + 1
	EventDeposited
	EventDeliveryConfirmed
)

func (k EventKind) String() string {
	switch k {
	case EventEscrowCreated:
		return "EscrowCreated"
	case EventDeposited:
		return "Deposited"
	case EventDeliveryConfirmed:
		return "DeliveryConfirmed"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is a factory reply. EscrowAddress is only set on EscrowCreated.
type Event struct {
	Kind          EventKind
	EscrowID      uint64
	EscrowAddress types.ActorID
}

func EncodeInit(init InitFactory) ([]byte, error) {
	return rlp.EncodeToBytes(&init)
}

func DecodeInit(payload []byte) (InitFactory, error) {
	var init InitFactory
	if err := rlp.DecodeBytes(payload, &init); err != nil {
		return InitFactory{}, fmt.Errorf("%w: %v", ErrInvalidInit, err)
	}
	return init, nil
}

func EncodeAction(action Action) ([]byte, error) {
	if action.Price == nil {
		action.Price = new(big.Int)
	}
	return rlp.EncodeToBytes(&action)
}

func DecodeAction(payload []byte) (Action, error) {
	var action Action
	if err := rlp.DecodeBytes(payload, &action); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrUnknownCall, err)
	}
	return action, nil
}

func EncodeEvent(evt Event) ([]byte, error) {
	return rlp.EncodeToBytes(&evt)
}

func DecodeEvent(payload []byte) (Event, error) {
	var evt Event
	if err := rlp.DecodeBytes(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("factory: decode reply: %w", err)
	}
	return evt, nil
}
