package host

import (
	"context"

	"escrowchain/core/types"
)

// Program is the code of a deployed actor. The host guarantees that at most
// one message executes a Program's methods at a time; a running handler only
// yields at MsgContext.Call and MsgContext.CreateProgram.
type Program interface {
	// Init runs exactly once, as the first message the program receives.
	Init(ctx context.Context, msg *MsgContext, payload []byte) ([]byte, error)
	// Handle processes every later message.
	Handle(ctx context.Context, msg *MsgContext, payload []byte) ([]byte, error)
	// Snapshot encodes the program's state. It is committed after every
	// successful message and returned by state queries.
	Snapshot() ([]byte, error)
	// Restore rebuilds the program from a committed snapshot after a restart.
	Restore(snapshot []byte) error
}

// Constructor returns a fresh, uninitialised program instance.
type Constructor func() Program

// Code is a registered program blob.
type Code struct {
	ID   types.CodeID
	Name string
	New  Constructor
}
