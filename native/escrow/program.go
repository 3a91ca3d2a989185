package escrow

import (
	"context"
	"fmt"

	"escrowchain/core/types"
	"escrowchain/host"
)

// CodeName is the name the escrow code is submitted under.
const CodeName = "escrow/v1"

// Program is a single escrow instance.
type Program struct {
	escrow *Escrow
}

// New returns an uninitialised escrow instance.
func New() host.Program { return &Program{} }

// Register submits the escrow code to h.
func Register(h *host.Host) (types.CodeID, error) {
	return h.SubmitCode(CodeName, New)
}

// State returns a copy of the in-memory escrow, or nil before init.
func (p *Program) State() *Escrow { return p.escrow.Clone() }

func (p *Program) Init(_ context.Context, msg *host.MsgContext, payload []byte) ([]byte, error) {
	init, err := DecodeInit(payload)
	if err != nil {
		return nil, err
	}
	if err := ValidatePrice(init.Price); err != nil {
		return nil, err
	}
	if init.Seller.IsZero() || init.Buyer.IsZero() {
		return nil, fmt.Errorf("%w: seller and buyer required", ErrInvalidInit)
	}
	if msg.Value().Sign() != 0 {
		return nil, fmt.Errorf("%w: init carries %s", ErrWrongValue, msg.Value())
	}
	p.escrow = &Escrow{
		FactoryID: msg.Source(),
		Seller:    init.Seller,
		Buyer:     init.Buyer,
		Price:     init.Price,
		State:     AwaitingPayment,
	}
	return EncodeEvent(Event{Kind: EventProgramInitialized})
}

func (p *Program) Handle(_ context.Context, msg *host.MsgContext, payload []byte) ([]byte, error) {
	if p.escrow == nil {
		return nil, ErrNotInit
	}
	action, err := DecodeAction(payload)
	if err != nil {
		return nil, err
	}
	switch action.Kind {
	case ActionDeposit:
		return p.deposit(msg, action.Account)
	case ActionConfirmDelivery:
		return p.confirmDelivery(msg, action.Account)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, action.Kind)
	}
}

func (p *Program) authorize(msg *host.MsgContext, want State, account types.ActorID) error {
	e := p.escrow
	if e.State != want {
		return fmt.Errorf("%w: %s, want %s", ErrWrongState, e.State, want)
	}
	if msg.Source() != e.FactoryID {
		return fmt.Errorf("%w: %s", ErrWrongCaller, msg.Source())
	}
	if account != e.Buyer {
		return fmt.Errorf("%w: %s", ErrWrongAccount, account)
	}
	return nil
}

func (p *Program) deposit(msg *host.MsgContext, account types.ActorID) ([]byte, error) {
	if err := p.authorize(msg, AwaitingPayment, account); err != nil {
		return nil, err
	}
	e := p.escrow
	if value := msg.Value(); value.Cmp(e.Price) != 0 {
		return nil, fmt.Errorf("%w: got %s, price %s", ErrWrongValue, value, e.Price)
	}
	e.State = AwaitingDelivery
	msg.Emit(DepositedEvent{Escrow: msg.Self(), Buyer: account, Amount: e.Price})
	return EncodeEvent(Event{Kind: EventFundsDeposited})
}

// confirmDelivery queues the seller payment before closing, so a payment the
// host refuses leaves the escrow in AwaitingDelivery with its funds.
func (p *Program) confirmDelivery(msg *host.MsgContext, account types.ActorID) ([]byte, error) {
	if err := p.authorize(msg, AwaitingDelivery, account); err != nil {
		return nil, err
	}
	e := p.escrow
	if value := msg.Value(); value.Sign() != 0 {
		return nil, fmt.Errorf("%w: confirmation carries %s", ErrWrongValue, value)
	}
	payment, err := EncodeEvent(Event{Kind: EventPaymentToSeller})
	if err != nil {
		return nil, err
	}
	var gas uint64
	if msg.IsProgram(e.Seller) {
		gas = msg.MessageGas()
	}
	if err := msg.Send(e.Seller, payment, gas, e.Price); err != nil {
		return nil, fmt.Errorf("escrow: pay seller: %w", err)
	}
	e.State = Closed
	msg.Emit(DeliveredEvent{Escrow: msg.Self(), Seller: e.Seller, Amount: e.Price})
	return EncodeEvent(Event{Kind: EventDeliveryConfirmed})
}

func (p *Program) Snapshot() ([]byte, error) {
	if p.escrow == nil {
		return nil, ErrNotInit
	}
	return EncodeState(p.escrow)
}

func (p *Program) Restore(snapshot []byte) error {
	e, err := DecodeState(snapshot)
	if err != nil {
		return err
	}
	p.escrow = e
	return nil
}
