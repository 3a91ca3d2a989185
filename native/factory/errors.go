package factory

import "errors"

var (
	ErrEscrowNotFound  = errors.New("factory: escrow not found")
	ErrDeployment      = errors.New("factory: escrow deployment failed")
	ErrUnexpectedValue = errors.New("factory: unexpected attached value")
	ErrRegistryFull    = errors.New("factory: escrow identifiers exhausted")
	ErrInvalidInit     = errors.New("factory: invalid init payload")
	ErrNotInit         = errors.New("factory: not initialised")
	ErrUnknownCall     = errors.New("factory: unknown action")
)
