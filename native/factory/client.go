package factory

import (
	"context"
	"fmt"
	"math/big"

	"escrowchain/core/types"
	"escrowchain/host"
	"escrowchain/native/escrow"
)

// Bootstrap submits the escrow and factory codes, restores every committed
// program and returns the factory address. A factory is deployed on behalf of
// operator when none exists yet.
func Bootstrap(ctx context.Context, h *host.Host, operator types.ActorID, creationGas uint64) (types.ActorID, error) {
	escrowCode, err := escrow.Register(h)
	if err != nil {
		return types.ZeroActor, err
	}
	factoryCode, err := Register(h)
	if err != nil {
		return types.ZeroActor, err
	}
	if _, err := h.Restore(); err != nil {
		return types.ZeroActor, err
	}
	programs, err := h.Programs()
	if err != nil {
		return types.ZeroActor, err
	}
	for _, id := range programs {
		if code, ok := h.CodeOf(id); ok && code == factoryCode {
			return id, nil
		}
	}
	payload, err := EncodeInit(InitFactory{EscrowCodeID: escrowCode, CreationGas: creationGas})
	if err != nil {
		return types.ZeroActor, err
	}
	id, _, err := h.Deploy(ctx, operator, factoryCode, payload, 0, nil)
	if err != nil {
		return types.ZeroActor, fmt.Errorf("factory: bootstrap: %w", err)
	}
	return id, nil
}

// Client submits factory actions on behalf of user accounts and reads the
// committed registry.
type Client struct {
	Host    *host.Host
	Factory types.ActorID
	// GasLimit applies to every submitted message; zero uses the host default.
	GasLimit uint64
}

func (c *Client) send(ctx context.Context, from types.ActorID, action Action, value *big.Int) (Event, *host.Outcome, error) {
	payload, err := EncodeAction(action)
	if err != nil {
		return Event{}, nil, err
	}
	out, err := c.Host.Send(ctx, host.Message{
		Source:      from,
		Destination: c.Factory,
		Payload:     payload,
		Value:       value,
		GasLimit:    c.GasLimit,
	})
	if err != nil {
		return Event{}, out, err
	}
	evt, err := DecodeEvent(out.Reply)
	if err != nil {
		return Event{}, out, err
	}
	return evt, out, nil
}

// CreateEscrow asks the factory to deploy a new escrow.
func (c *Client) CreateEscrow(ctx context.Context, from, seller, buyer types.ActorID, price *big.Int) (Event, *host.Outcome, error) {
	return c.send(ctx, from, CreateEscrow(seller, buyer, price), nil)
}

// Deposit pays value into escrow id on behalf of from.
func (c *Client) Deposit(ctx context.Context, from types.ActorID, id uint64, value *big.Int) (Event, *host.Outcome, error) {
	return c.send(ctx, from, Deposit(id), value)
}

// ConfirmDelivery releases escrow id to its seller on behalf of from.
func (c *Client) ConfirmDelivery(ctx context.Context, from types.ActorID, id uint64) (Event, *host.Outcome, error) {
	return c.send(ctx, from, ConfirmDelivery(id), nil)
}

// Registry returns the committed factory state.
func (c *Client) Registry() (*Factory, error) {
	snapshot, err := c.Host.ReadState(c.Factory)
	if err != nil {
		return nil, err
	}
	return DecodeState(snapshot)
}

// Escrow resolves id through the committed registry and returns the
// instance's committed state.
func (c *Client) Escrow(id uint64) (types.ActorID, *escrow.Escrow, error) {
	registry, err := c.Registry()
	if err != nil {
		return types.ZeroActor, nil, err
	}
	address, ok := registry.Lookup(id)
	if !ok {
		return types.ZeroActor, nil, fmt.Errorf("%w: %d", ErrEscrowNotFound, id)
	}
	snapshot, err := c.Host.ReadState(address)
	if err != nil {
		return address, nil, err
	}
	e, err := escrow.DecodeState(snapshot)
	if err != nil {
		return address, nil, err
	}
	return address, e, nil
}
