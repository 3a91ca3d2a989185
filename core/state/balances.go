package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"escrowchain/core/types"
)

// MaxAmountBits bounds every balance and transferred amount to an unsigned
// 128-bit value.
const MaxAmountBits = 128

var (
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	ErrAmountOverflow      = errors.New("state: amount exceeds 128 bits")
	ErrNegativeAmount      = errors.New("state: negative amount")
)

var balancePrefix = []byte("balance/")

func balanceKey(id types.ActorID) []byte {
	buf := make([]byte, len(balancePrefix)+len(id))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], id[:])
	return buf
}

// ValidateAmount rejects negative amounts and amounts wider than 128 bits.
func ValidateAmount(amount *big.Int) error {
	if amount == nil {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if amount.BitLen() > MaxAmountBits {
		return ErrAmountOverflow
	}
	return nil
}

func (m *Manager) loadBalance(id types.ActorID) (*uint256.Int, error) {
	var stored big.Int
	ok, err := m.KVGet(balanceKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	balance, overflow := uint256.FromBig(&stored)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return balance, nil
}

func (m *Manager) storeBalance(id types.ActorID, balance *uint256.Int) error {
	if balance.BitLen() > MaxAmountBits {
		return ErrAmountOverflow
	}
	return m.KVPut(balanceKey(id), balance.ToBig())
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	if amount == nil {
		return new(uint256.Int), nil
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

// Balance returns the native balance held by the actor.
func (m *Manager) Balance(id types.ActorID) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, err := m.loadBalance(id)
	if err != nil {
		return nil, err
	}
	return balance.ToBig(), nil
}

// Credit adds amount to the actor's balance.
func (m *Manager) Credit(id types.ActorID, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, err := m.loadBalance(id)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(balance, amt)
	if overflow || sum.BitLen() > MaxAmountBits {
		return ErrAmountOverflow
	}
	return m.storeBalance(id, sum)
}

// Transfer atomically moves amount from one actor to another. A zero amount is
// a no-op.
func (m *Manager) Transfer(from, to types.ActorID, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	if amt.IsZero() || from == to {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fromBal, err := m.loadBalance(from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amt) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal.Dec(), amt.Dec())
	}
	toBal, err := m.loadBalance(to)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(toBal, amt)
	if overflow || sum.BitLen() > MaxAmountBits {
		return ErrAmountOverflow
	}
	if err := m.storeBalance(from, new(uint256.Int).Sub(fromBal, amt)); err != nil {
		return err
	}
	return m.storeBalance(to, sum)
}
