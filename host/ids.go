package host

import (
	"encoding/binary"

	"lukechampine.com/blake3"

	"escrowchain/core/types"
	"escrowchain/crypto"
)

func (h *Host) nextMessageID(source, dest types.ActorID) (types.MessageID, error) {
	nonce, err := h.state.NextNonce("message")
	if err != nil {
		return types.MessageID{}, err
	}
	buf := make([]byte, 0, len(source)+len(dest)+8)
	buf = append(buf, source[:]...)
	buf = append(buf, dest[:]...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return types.MessageID(blake3.Sum256(buf)), nil
}

// nextProgramID derives a fresh program address from the code, its creator
// and a host-wide deployment nonce.
func (h *Host) nextProgramID(code types.CodeID, creator types.ActorID) (types.ActorID, error) {
	nonce, err := h.state.NextNonce("program")
	if err != nil {
		return types.ZeroActor, err
	}
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], nonce)
	return types.ActorID(crypto.DeriveAddress(code[:], creator[:], salt[:])), nil
}
