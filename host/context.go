package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"escrowchain/core/events"
	"escrowchain/core/state"
	"escrowchain/core/types"
)

type outgoing struct {
	dest    types.ActorID
	payload []byte
	gas     uint64
	value   *big.Int
}

// MsgContext is the view a running handler has of its message and the host.
// It is only valid for the duration of the handler call.
type MsgContext struct {
	host    *Host
	inst    *instance
	id      types.MessageID
	source  types.ActorID
	value   *big.Int
	gasLeft uint64
	held    bool

	outbox       []outgoing
	pendingValue *big.Int
	// stranded is value forwarded by awaits that were abandoned on timeout or
	// cancellation.
	stranded *big.Int
	events   []events.Event
}

func newMsgContext(h *Host, inst *instance, id types.MessageID, source types.ActorID, value *big.Int, gas uint64) *MsgContext {
	return &MsgContext{
		host:         h,
		inst:         inst,
		id:           id,
		source:       source,
		value:        value,
		gasLeft:      gas,
		held:         true,
		pendingValue: new(big.Int),
		stranded:     new(big.Int),
	}
}

// Source is the sender of the current message.
func (c *MsgContext) Source() types.ActorID { return c.source }

// Self is the address of the program handling the message.
func (c *MsgContext) Self() types.ActorID { return c.inst.id }

// Value returns a copy of the native value attached to the message.
func (c *MsgContext) Value() *big.Int { return new(big.Int).Set(c.value) }

// MessageID identifies the current message.
func (c *MsgContext) MessageID() types.MessageID { return c.id }

// GasLeft reports the gas still available to the handler.
func (c *MsgContext) GasLeft() uint64 { return c.gasLeft }

// MessageGas is the host's dispatch charge, the least gas a message sent to a
// program must carry.
func (c *MsgContext) MessageGas() uint64 { return c.host.cfg.MessageGas }

// IsProgram reports whether id is a deployed program.
func (c *MsgContext) IsProgram(id types.ActorID) bool { return c.host.IsProgram(id) }

// Logger returns the host logger annotated with the running program.
func (c *MsgContext) Logger() *slog.Logger {
	return c.host.logger.With(slog.String("program", c.inst.id.String()), slog.String("message", c.id.String()))
}

// Emit buffers an event. Buffered events are published only if the handler
// succeeds.
func (c *MsgContext) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	c.events = append(c.events, evt)
}

// Send queues a fire-and-forget message. Queued messages are delivered after
// the handler returns successfully and discarded otherwise. The send costs
// SendGas plus the gas forwarded to the destination.
func (c *MsgContext) Send(dest types.ActorID, payload []byte, gas uint64, value *big.Int) error {
	value = cloneValue(value)
	if err := state.ValidateAmount(value); err != nil {
		return err
	}
	cost, err := c.sendCost(gas)
	if err != nil {
		return err
	}
	if c.gasLeft < cost {
		return fmt.Errorf("%w: send needs %d, have %d", ErrOutOfGas, cost, c.gasLeft)
	}
	if err := c.checkSpendable(value); err != nil {
		return err
	}
	c.gasLeft -= cost
	c.pendingValue.Add(c.pendingValue, value)
	c.outbox = append(c.outbox, outgoing{
		dest:    dest,
		payload: append([]byte(nil), payload...),
		gas:     gas,
		value:   value,
	})
	return nil
}

// Call sends a message to another program and suspends the handler until the
// reply arrives. All remaining gas minus SendGas is forwarded; whatever the
// callee leaves unused is returned. While the call is outstanding other
// messages may run on this program.
func (c *MsgContext) Call(ctx context.Context, dest types.ActorID, payload []byte, value *big.Int) ([]byte, error) {
	h := c.host
	if !h.IsProgram(dest) {
		return nil, transportError(dest, types.MessageID{}, fmt.Errorf("%w: %s", ErrUnknownProgram, dest))
	}
	value = cloneValue(value)
	if err := state.ValidateAmount(value); err != nil {
		return nil, transportError(dest, types.MessageID{}, err)
	}
	if c.gasLeft <= h.cfg.SendGas {
		return nil, transportError(dest, types.MessageID{}, fmt.Errorf("%w: call needs more than %d, have %d", ErrOutOfGas, h.cfg.SendGas, c.gasLeft))
	}
	if err := c.checkSpendable(value); err != nil {
		return nil, transportError(dest, types.MessageID{}, err)
	}
	forwarded := c.gasLeft - h.cfg.SendGas
	c.gasLeft = 0
	res, err := c.await(ctx, dest, value, func(ctx context.Context) (any, error) {
		return h.dispatch(ctx, envelope{
			source:   c.inst.id,
			dest:     dest,
			payload:  payload,
			value:    value,
			gasLimit: forwarded,
		})
	})
	out, _ := res.(*Outcome)
	if out != nil {
		c.gasLeft = out.GasLeft
	}
	if err != nil {
		return nil, err
	}
	return out.Reply, nil
}

type deployResult struct {
	id  types.ActorID
	out *Outcome
}

// CreateProgram deploys code from the running program and suspends the
// handler until the new program's initializer finished. The deployment costs
// SendGas plus gas, all of which is consumed.
func (c *MsgContext) CreateProgram(ctx context.Context, code types.CodeID, payload []byte, gas uint64, value *big.Int) (types.ActorID, []byte, error) {
	value = cloneValue(value)
	if err := state.ValidateAmount(value); err != nil {
		return types.ZeroActor, nil, &DeploymentError{Code: code, Err: err}
	}
	cost, err := c.sendCost(gas)
	if err != nil {
		return types.ZeroActor, nil, &DeploymentError{Code: code, Err: err}
	}
	if c.gasLeft < cost {
		return types.ZeroActor, nil, &DeploymentError{Code: code, Err: fmt.Errorf("%w: deployment needs %d, have %d", ErrOutOfGas, cost, c.gasLeft)}
	}
	if err := c.checkSpendable(value); err != nil {
		return types.ZeroActor, nil, &DeploymentError{Code: code, Err: err}
	}
	c.gasLeft -= cost
	res, err := c.await(ctx, types.ZeroActor, value, func(ctx context.Context) (any, error) {
		id, out, err := c.host.deploy(ctx, c.inst.id, code, payload, gas, value)
		return deployResult{id: id, out: out}, err
	})
	if err != nil {
		var depErr *DeploymentError
		if errors.As(err, &depErr) {
			return types.ZeroActor, nil, err
		}
		return types.ZeroActor, nil, &DeploymentError{Code: code, Err: err}
	}
	deployed := res.(deployResult)
	var reply []byte
	if deployed.out != nil {
		reply = deployed.out.Reply
	}
	return deployed.id, reply, nil
}

func (c *MsgContext) sendCost(gas uint64) (uint64, error) {
	if gas > math.MaxUint64-c.host.cfg.SendGas {
		return 0, fmt.Errorf("%w: gas %d overflows", ErrOutOfGas, gas)
	}
	return c.host.cfg.SendGas + gas, nil
}

// checkSpendable verifies the program can afford value on top of the value
// already promised to queued sends.
func (c *MsgContext) checkSpendable(value *big.Int) error {
	if value.Sign() == 0 {
		return nil
	}
	balance, err := c.host.state.Balance(c.inst.id)
	if err != nil {
		return err
	}
	need := new(big.Int).Add(c.pendingValue, value)
	if balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, need)
	}
	return nil
}

// await yields the execution lock, runs fn and takes the lock back before
// returning. A timeout or cancellation surfaces as a transport error; the
// abandoned operation keeps running in the background and value it carried is
// recorded as stranded.
func (c *MsgContext) await(ctx context.Context, target types.ActorID, value *big.Int, fn func(context.Context) (any, error)) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout := c.host.cfg.CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	c.releaseLock()
	c.host.pending.Add(1)
	go func() {
		defer c.host.pending.Done()
		val, err := fn(ctx)
		done <- result{val: val, err: err}
	}()
	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		c.stranded.Add(c.stranded, value)
		res = result{err: transportError(target, types.MessageID{}, fmt.Errorf("host: await: %w", ctx.Err()))}
	}
	c.reacquireLock()
	return res.val, res.err
}

func (c *MsgContext) releaseLock() {
	if !c.held {
		return
	}
	c.held = false
	c.inst.release()
}

func (c *MsgContext) reacquireLock() {
	if c.held {
		return
	}
	c.inst.lock <- struct{}{}
	c.held = true
}
