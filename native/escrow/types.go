package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowchain/core/state"
	"escrowchain/core/types"
)

// State is the lifecycle position of an escrow. Transitions only move
// forward and Closed is terminal.
type State uint8

const (
	AwaitingPayment State = iota
	AwaitingDelivery
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingPayment:
		return "AwaitingPayment"
	case AwaitingDelivery:
		return "AwaitingDelivery"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	return s <= Closed
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "AwaitingPayment":
		*s = AwaitingPayment
	case "AwaitingDelivery":
		*s = AwaitingDelivery
	case "Closed":
		*s = Closed
	default:
		return fmt.Errorf("escrow: unknown state %q", text)
	}
	return nil
}

// Escrow is the state held by a single escrow instance. FactoryID is the only
// identity allowed to drive it; it is whoever sent the init message.
type Escrow struct {
	FactoryID types.ActorID `json:"factoryId"`
	Seller    types.ActorID `json:"seller"`
	Buyer     types.ActorID `json:"buyer"`
	Price     *big.Int      `json:"price"`
	State     State         `json:"state"`
}

// Clone returns a deep copy of the escrow.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Price != nil {
		clone.Price = new(big.Int).Set(e.Price)
	} else {
		clone.Price = new(big.Int)
	}
	return &clone
}

// ValidatePrice ensures a price is a non-negative amount the ledger can hold.
func ValidatePrice(price *big.Int) error {
	if price == nil {
		return fmt.Errorf("%w: price required", ErrInvalidInit)
	}
	if err := state.ValidateAmount(price); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInit, err)
	}
	return nil
}

// EncodeState serialises an escrow snapshot.
func EncodeState(e *Escrow) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil state")
	}
	return rlp.EncodeToBytes(e)
}

// DecodeState parses a committed escrow snapshot.
func DecodeState(snapshot []byte) (*Escrow, error) {
	e := new(Escrow)
	if err := rlp.DecodeBytes(snapshot, e); err != nil {
		return nil, fmt.Errorf("escrow: decode state: %w", err)
	}
	if !e.State.Valid() {
		return nil, fmt.Errorf("escrow: invalid state %d", e.State)
	}
	if e.Price == nil {
		e.Price = new(big.Int)
	}
	return e, nil
}
