package factory

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowchain/core/types"
)

// DefaultCreationGas is the gas allowance handed to every escrow deployment.
const DefaultCreationGas uint64 = 2_500_000_000

// Entry maps a sequential escrow identifier to the instance address.
type Entry struct {
	ID      uint64        `json:"id"`
	Address types.ActorID `json:"address"`
}

// Factory is the committed factory state. Registry is ordered by insertion and
// every ID in it is at most EscrowCount.
type Factory struct {
	EscrowCount  uint64       `json:"escrowCount"`
	Registry     []Entry      `json:"registry"`
	EscrowCodeID types.CodeID `json:"escrowCodeId"`
	CreationGas  uint64       `json:"creationGas"`
}

// Clone returns a deep copy of the factory state.
func (f *Factory) Clone() *Factory {
	if f == nil {
		return nil
	}
	clone := *f
	clone.Registry = append([]Entry(nil), f.Registry...)
	return &clone
}

// Lookup scans the registry for id.
func (f *Factory) Lookup(id uint64) (types.ActorID, bool) {
	for _, entry := range f.Registry {
		if entry.ID == id {
			return entry.Address, true
		}
	}
	return types.ZeroActor, false
}

// nextID increments the counter, saturating at the maximum value.
func (f *Factory) nextID() uint64 {
	if f.EscrowCount < math.MaxUint64 {
		f.EscrowCount++
	}
	return f.EscrowCount
}

func (f *Factory) exhausted() bool {
	return f.EscrowCount == math.MaxUint64
}

// EncodeState serialises a factory snapshot.
func EncodeState(f *Factory) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("factory: nil state")
	}
	return rlp.EncodeToBytes(f)
}

// DecodeState parses a committed factory snapshot.
func DecodeState(snapshot []byte) (*Factory, error) {
	f := new(Factory)
	if err := rlp.DecodeBytes(snapshot, f); err != nil {
		return nil, fmt.Errorf("factory: decode state: %w", err)
	}
	seen := make(map[uint64]struct{}, len(f.Registry))
	for _, entry := range f.Registry {
		if entry.ID == 0 || entry.ID > f.EscrowCount {
			return nil, fmt.Errorf("factory: registry id %d outside 1..%d", entry.ID, f.EscrowCount)
		}
		if _, dup := seen[entry.ID]; dup {
			return nil, fmt.Errorf("factory: duplicate registry id %d", entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}
	return f, nil
}
