package escrow

import "errors"

var (
	ErrWrongState   = errors.New("escrow: wrong state")
	ErrWrongCaller  = errors.New("escrow: caller is not the factory")
	ErrWrongAccount = errors.New("escrow: account is not the buyer")
	ErrWrongValue   = errors.New("escrow: attached value does not match")
	ErrInvalidInit  = errors.New("escrow: invalid init payload")
	ErrNotInit      = errors.New("escrow: not initialised")
	ErrUnknownCall  = errors.New("escrow: unknown action")
)
