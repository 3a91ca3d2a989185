package host

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowchain/core/events"
	"escrowchain/core/state"
	"escrowchain/core/types"
	"escrowchain/observability"
)

const (
	outcomeSuccess   = "success"
	outcomeRejected  = "rejected"
	outcomeTransport = "transport"
)

type envelope struct {
	source   types.ActorID
	dest     types.ActorID
	payload  []byte
	value    *big.Int
	gasLimit uint64
	// init marks the first message of a program that is not registered yet;
	// target carries the instance being initialised.
	init   bool
	target *instance
	// settled means value was already credited to dest when the message was
	// flushed; it is never refunded.
	settled bool
}

func cloneValue(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// dispatch delivers one message and waits for it to be handled. Every
// returned error is a *CallError. The outcome is non-nil as soon as the
// message has an identifier, including on failure, so callers can recover the
// unused gas.
func (h *Host) dispatch(ctx context.Context, env envelope) (*Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	msgID, err := h.nextMessageID(env.source, env.dest)
	if err != nil {
		return nil, transportError(env.dest, types.MessageID{}, err)
	}
	out := &Outcome{MessageID: msgID, GasLeft: env.gasLimit}
	value := cloneValue(env.value)
	if err := state.ValidateAmount(value); err != nil {
		return out, transportError(env.dest, msgID, err)
	}

	inst := env.target
	if inst == nil {
		inst, _ = h.program(env.dest)
	}
	if inst == nil {
		if err := h.deliverToUser(msgID, env.source, env.dest, env.payload, value); err != nil {
			return out, transportError(env.dest, msgID, err)
		}
		out.GasLeft = 0
		return out, nil
	}

	started := time.Now()
	ctx, span := h.tracer.Start(ctx, "host.dispatch", trace.WithAttributes(
		attribute.String("program", inst.id.String()),
		attribute.String("code", inst.code.Name),
		attribute.String("source", env.source.String()),
		attribute.String("message", msgID.String()),
		attribute.Bool("init", env.init),
	))
	defer span.End()

	fail := func(kind CallKind, cause error) (*Outcome, error) {
		callErr, label := transportError(inst.id, msgID, cause), outcomeTransport
		if kind == CallRejected {
			callErr, label = rejectedError(inst.id, msgID, cause), outcomeRejected
		}
		observability.HostMetrics().ObserveMessage(inst.code.Name, label, time.Since(started))
		span.RecordError(callErr)
		span.SetStatus(otelcodes.Error, callErr.Error())
		h.logger.Debug("host: message failed",
			slog.String("program", inst.id.String()),
			slog.String("code", inst.code.Name),
			slog.String("source", env.source.String()),
			slog.String("message", msgID.String()),
			slog.String("kind", kind.String()),
			slog.String("error", cause.Error()))
		return out, callErr
	}

	if env.gasLimit < h.cfg.MessageGas {
		return fail(CallTransport, fmt.Errorf("%w: limit %d below message cost %d", ErrOutOfGas, env.gasLimit, h.cfg.MessageGas))
	}
	refundable := value
	if env.settled {
		refundable = new(big.Int)
	} else if err := h.state.Transfer(env.source, inst.id, value); err != nil {
		return fail(CallTransport, err)
	}
	if err := inst.acquire(ctx); err != nil {
		h.refund(msgID, inst.id, env.source, refundable)
		return fail(CallTransport, err)
	}

	mc := newMsgContext(h, inst, msgID, env.source, value, env.gasLimit-h.cfg.MessageGas)
	reply, err := h.invoke(ctx, inst, mc, env)
	out.GasLeft = mc.gasLeft
	if mc.stranded.Sign() > 0 {
		out.Stranded = new(big.Int).Set(mc.stranded)
	}
	if err != nil {
		h.rollback(inst, env.init)
		mc.releaseLock()
		h.refund(msgID, inst.id, env.source, h.unstranded(msgID, inst.id, refundable, mc.stranded))
		return fail(CallRejected, err)
	}
	if err := h.commit(inst); err != nil {
		h.rollback(inst, env.init)
		mc.releaseLock()
		h.refund(msgID, inst.id, env.source, h.unstranded(msgID, inst.id, refundable, mc.stranded))
		h.logger.Error("host: commit failed", slog.String("program", inst.id.String()), slog.String("error", err.Error()))
		return fail(CallTransport, err)
	}
	h.flush(mc)
	mc.releaseLock()

	if value.Sign() > 0 && !env.settled {
		h.emitter.Emit(events.Transfer{From: env.source, To: inst.id, Amount: value, Message: msgID, Reason: "message"})
	}
	out.Reply = reply
	out.Events = make([]*types.Event, 0, len(mc.events))
	for _, evt := range mc.events {
		h.emitter.Emit(evt)
		out.Events = append(out.Events, events.Render(evt))
	}
	observability.HostMetrics().ObserveMessage(inst.code.Name, outcomeSuccess, time.Since(started))
	return out, nil
}

func (h *Host) invoke(ctx context.Context, inst *instance, mc *MsgContext, env envelope) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = fmt.Errorf("%w: %v", ErrProgramPanicked, r)
		}
	}()
	if env.init {
		return inst.program.Init(ctx, mc, env.payload)
	}
	return inst.program.Handle(ctx, mc, env.payload)
}

func (h *Host) commit(inst *instance) error {
	snapshot, err := inst.program.Snapshot()
	if err != nil {
		return fmt.Errorf("host: snapshot %s: %w", inst.id, err)
	}
	return h.state.ProgramPut(&state.ProgramRecord{
		ID:       inst.id,
		Code:     inst.code.ID,
		Creator:  inst.creator,
		Snapshot: snapshot,
	})
}

// rollback resets a program to its last committed snapshot after a failed
// message. Programs that never completed Init are discarded instead.
func (h *Host) rollback(inst *instance, init bool) {
	if init {
		return
	}
	rec, ok, err := h.state.ProgramGet(inst.id)
	if err == nil && ok {
		err = inst.program.Restore(rec.Snapshot)
	}
	if err != nil {
		h.logger.Error("host: rollback failed", slog.String("program", inst.id.String()), slog.String("error", err.Error()))
	}
}

// unstranded reduces a refund by the value the handler forwarded to calls it
// abandoned. That value now sits with the callee and must not be paid back
// out of the program's other funds.
func (h *Host) unstranded(msgID types.MessageID, program types.ActorID, value, stranded *big.Int) *big.Int {
	if stranded.Sign() == 0 {
		return value
	}
	h.logger.Warn("host: value stranded by abandoned call",
		slog.String("program", program.String()),
		slog.String("message", msgID.String()),
		slog.String("amount", stranded.String()))
	if stranded.Cmp(value) >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(value, stranded)
}

// refund returns value attached to a failed message to its sender.
func (h *Host) refund(msgID types.MessageID, from, to types.ActorID, value *big.Int) {
	if value == nil || value.Sign() == 0 {
		return
	}
	if err := h.state.Transfer(from, to, value); err != nil {
		h.logger.Error("host: refund failed",
			slog.String("message", msgID.String()),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("amount", value.String()),
			slog.String("error", err.Error()))
	}
}

func (h *Host) deliverToUser(msgID types.MessageID, source, dest types.ActorID, payload []byte, value *big.Int) error {
	if dest.IsZero() {
		return fmt.Errorf("%w: zero destination", ErrUnknownProgram)
	}
	if err := h.state.Transfer(source, dest, value); err != nil {
		return err
	}
	entry := &state.MailboxEntry{
		Message: msgID,
		Source:  source,
		Payload: append([]byte(nil), payload...),
		Value:   value,
	}
	if err := h.state.MailboxAppend(dest, entry); err != nil {
		h.refund(msgID, dest, source, value)
		return err
	}
	if value.Sign() > 0 {
		h.emitter.Emit(events.Transfer{From: source, To: dest, Amount: value, Message: msgID, Reason: "mailbox"})
	}
	return nil
}

// flush delivers the fire-and-forget sends queued by a successful handler.
// User mailboxes are credited before the handler's reply is returned. Program
// destinations are credited here too and then dispatched asynchronously; the
// value stays with the destination even if its handler fails, because the
// sender has already committed.
func (h *Host) flush(mc *MsgContext) {
	for _, msg := range mc.outbox {
		env := envelope{
			source:   mc.inst.id,
			dest:     msg.dest,
			payload:  msg.payload,
			value:    msg.value,
			gasLimit: msg.gas,
		}
		if !h.IsProgram(msg.dest) {
			if _, err := h.dispatch(context.Background(), env); err != nil {
				h.logger.Error("host: mailbox delivery failed",
					slog.String("source", mc.inst.id.String()),
					slog.String("destination", msg.dest.String()),
					slog.String("error", err.Error()))
			}
			continue
		}
		if msg.value.Sign() > 0 {
			if err := h.state.Transfer(mc.inst.id, msg.dest, msg.value); err != nil {
				h.logger.Error("host: send transfer failed",
					slog.String("source", mc.inst.id.String()),
					slog.String("destination", msg.dest.String()),
					slog.String("amount", msg.value.String()),
					slog.String("error", err.Error()))
				continue
			}
			h.emitter.Emit(events.Transfer{From: mc.inst.id, To: msg.dest, Amount: msg.value, Message: mc.id, Reason: "send"})
		}
		env.settled = true
		h.pending.Add(1)
		go func(env envelope) {
			defer h.pending.Done()
			if _, err := h.dispatch(context.Background(), env); err != nil {
				h.logger.Warn("host: async delivery failed",
					slog.String("source", env.source.String()),
					slog.String("destination", env.dest.String()),
					slog.String("error", err.Error()))
			}
		}(env)
	}
	mc.outbox = nil
}

// deploy instantiates code and runs its initializer as a message from creator.
// The program becomes addressable only once the initializer succeeded.
func (h *Host) deploy(ctx context.Context, creator types.ActorID, codeID types.CodeID, payload []byte, gasLimit uint64, value *big.Int) (types.ActorID, *Outcome, error) {
	code, ok := h.code(codeID)
	if !ok {
		observability.HostMetrics().RecordDeployment("unknown", outcomeTransport)
		return types.ZeroActor, nil, &DeploymentError{Code: codeID, Err: ErrUnknownCode}
	}
	id, err := h.nextProgramID(codeID, creator)
	if err != nil {
		return types.ZeroActor, nil, &DeploymentError{Code: codeID, Err: err}
	}
	inst := &instance{
		id:      id,
		code:    code,
		creator: creator,
		program: code.New(),
		lock:    make(chan struct{}, 1),
	}
	out, err := h.dispatch(ctx, envelope{
		source:   creator,
		dest:     id,
		payload:  payload,
		value:    value,
		gasLimit: gasLimit,
		init:     true,
		target:   inst,
	})
	if err != nil {
		observability.HostMetrics().RecordDeployment(code.Name, outcomeRejected)
		return types.ZeroActor, out, &DeploymentError{Code: codeID, Err: err}
	}
	h.register(inst)
	observability.HostMetrics().RecordDeployment(code.Name, outcomeSuccess)
	h.logger.Debug("host: program deployed",
		slog.String("program", id.String()),
		slog.String("code", code.Name),
		slog.String("creator", creator.String()))
	return id, out, nil
}
