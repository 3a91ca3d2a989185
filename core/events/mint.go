package events

import (
	"math/big"

	"escrowchain/core/types"
)

const (
	// TypeMint is emitted when the host faucet credits an account.
	TypeMint = "mint.native"
)

type Mint struct {
	Recipient types.ActorID
	Amount    *big.Int
}

func (Mint) EventType() string { return TypeMint }

func (e Mint) Event() *types.Event {
	return &types.Event{
		Type: TypeMint,
		Attributes: map[string]string{
			"recipient": e.Recipient.String(),
			"amount":    formatAmount(e.Amount),
		},
	}
}
