package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowchain/core/types"
)

// InitEscrow is the payload of the init message.
type InitEscrow struct {
	Seller types.ActorID
	Buyer  types.ActorID
	Price  *big.Int
}

// ActionKind tags the messages an escrow accepts after init.
type ActionKind uint8

const (
	ActionDeposit ActionKind = iota + 1
	ActionConfirmDelivery
)

func (k ActionKind) String() string {
	switch k {
	case ActionDeposit:
		return "Deposit"
	case ActionConfirmDelivery:
		return "ConfirmDelivery"
	default:
		return fmt.Sprintf("ActionKind(%d)", uint8(k))
	}
}

// Action carries the account on whose behalf the factory acts.
type Action struct {
	Kind    ActionKind
	Account types.ActorID
}

// Deposit builds a deposit action for account.
func Deposit(account types.ActorID) Action {
	return Action{Kind: ActionDeposit, Account: account}
}

// ConfirmDelivery builds a delivery confirmation for account.
func ConfirmDelivery(account types.ActorID) Action {
	return Action{Kind: ActionConfirmDelivery, Account: account}
}

// EventKind tags escrow replies. PaymentToSeller is the payload delivered to
// the seller together with the price.
type EventKind uint8

const (
	EventProgramInitialized EventKind = iota + 1
	EventFundsDeposited
	EventDeliveryConfirmed
	EventPaymentToSeller
)

func (k EventKind) String() string {
	switch k {
	case EventProgramInitialized:
		return "ProgramInitialized"
	case EventFundsDeposited:
		return "FundsDeposited"
	case EventDeliveryConfirmed:
		return "DeliveryConfirmed"
	case EventPaymentToSeller:
		return "PaymentToSeller"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is an escrow reply.
type Event struct {
	Kind EventKind
}

func EncodeInit(init InitEscrow) ([]byte, error) {
	if init.Price == nil {
		init.Price = new(big.Int)
	}
	return rlp.EncodeToBytes(&init)
}

func DecodeInit(payload []byte) (InitEscrow, error) {
	var init InitEscrow
	if err := rlp.DecodeBytes(payload, &init); err != nil {
		return InitEscrow{}, fmt.Errorf("%w: %v", ErrInvalidInit, err)
	}
	return init, nil
}

func EncodeAction(action Action) ([]byte, error) {
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
		return Event{}, fmt.Errorf("escrow: decode reply: %w", err)
	}
	return evt, nil
}

// ExpectEvent decodes a reply and checks it carries the wanted kind.
func ExpectEvent(payload []byte, want EventKind) error {
	evt, err := DecodeEvent(payload)
	if err != nil {
		return err
	}
	if evt.Kind != want {
		return fmt.Errorf("escrow: unexpected reply %s, want %s", evt.Kind, want)
	}
	return nil
}
