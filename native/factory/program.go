package factory

import (
	"context"
	"fmt"
	"math/big"

	"escrowchain/core/types"
	"escrowchain/host"
	"escrowchain/native/escrow"
	"escrowchain/observability"
)

// CodeName is the name the factory code is submitted under.
const CodeName = "escrow-factory/v1"

// Program deploys escrow instances and proxies buyer actions to them.
type Program struct {
	state *Factory
	index map[uint64]types.ActorID
}

// New returns an uninitialised factory.
func New() host.Program { return &Program{} }

// Register submits the factory code to h.
func Register(h *host.Host) (types.CodeID, error) {
	return h.SubmitCode(CodeName, New)
}

func (p *Program) Init(_ context.Context, msg *host.MsgContext, payload []byte) ([]byte, error) {
	init, err := DecodeInit(payload)
	if err != nil {
		return nil, err
	}
	if init.EscrowCodeID.IsZero() {
		return nil, fmt.Errorf("%w: escrow code required", ErrInvalidInit)
	}
	if msg.Value().Sign() != 0 {
		return nil, fmt.Errorf("%w: init carries %s", ErrUnexpectedValue, msg.Value())
	}
	if init.CreationGas == 0 {
		init.CreationGas = DefaultCreationGas
	}
	p.load(&Factory{EscrowCodeID: init.EscrowCodeID, CreationGas: init.CreationGas})
	return nil, nil
}

func (p *Program) load(f *Factory) {
	p.state = f
	p.index = make(map[uint64]types.ActorID, len(f.Registry))
	for _, entry := range f.Registry {
		p.index[entry.ID] = entry.Address
	}
}

func (p *Program) Handle(ctx context.Context, msg *host.MsgContext, payload []byte) ([]byte, error) {
	if p.state == nil {
		return nil, ErrNotInit
	}
	action, err := DecodeAction(payload)
	if err != nil {
		return nil, err
	}
	switch action.Kind {
	case ActionCreateEscrow:
		return p.createEscrow(ctx, msg, action)
	case ActionDeposit:
		return p.deposit(ctx, msg, action.EscrowID)
	case ActionConfirmDelivery:
		return p.confirmDelivery(ctx, msg, action.EscrowID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, action.Kind)
	}
}

func (p *Program) createEscrow(ctx context.Context, msg *host.MsgContext, action Action) ([]byte, error) {
	if msg.Value().Sign() != 0 {
		return nil, fmt.Errorf("%w: create carries %s", ErrUnexpectedValue, msg.Value())
	}
	if p.state.exhausted() {
		return nil, ErrRegistryFull
	}
	init, err := escrow.EncodeInit(escrow.InitEscrow{Seller: action.Seller, Buyer: action.Buyer, Price: action.Price})
	if err != nil {
		return nil, err
	}
	address, reply, err := msg.CreateProgram(ctx, p.state.EscrowCodeID, init, p.state.CreationGas, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeployment, err)
	}
	if err := escrow.ExpectEvent(reply, escrow.EventProgramInitialized); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeployment, err)
	}
	// Other creations may have completed while this one was awaiting.
	if p.state.exhausted() {
		return nil, ErrRegistryFull
	}
	id := p.state.nextID()
	p.state.Registry = append(p.state.Registry, Entry{ID: id, Address: address})
	p.index[id] = address

	observability.FactoryMetrics().RecordCreated(len(p.state.Registry))
	msg.Emit(CreatedEvent{
		Factory: msg.Self(),
		ID:      id,
		Address: address,
		Seller:  action.Seller,
		Buyer:   action.Buyer,
		Price:   action.Price,
	})
	msg.Logger().Debug("factory: escrow created", "id", id, "address", address.String())
	return EncodeEvent(Event{Kind: EventEscrowCreated, EscrowID: id, EscrowAddress: address})
}

func (p *Program) lookup(id uint64) (types.ActorID, error) {
	address, ok := p.index[id]
	if !ok {
		return types.ZeroActor, fmt.Errorf("%w: %d", ErrEscrowNotFound, id)
	}
	return address, nil
}

// deposit forwards exactly the value attached to the factory message.
func (p *Program) deposit(ctx context.Context, msg *host.MsgContext, id uint64) ([]byte, error) {
	address, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	value := msg.Value()
	if err := p.forward(ctx, msg, "deposit", address, escrow.Deposit(msg.Source()), value, escrow.EventFundsDeposited); err != nil {
		return nil, fmt.Errorf("factory: deposit escrow %d: %w", id, err)
	}
	msg.Emit(ProxiedEvent{Type: EventTypeDeposited, Factory: msg.Self(), ID: id, Caller: msg.Source()})
	return EncodeEvent(Event{Kind: EventDeposited, EscrowID: id})
}

// confirmDelivery never moves value; the escrow pays the seller from its own
// balance.
func (p *Program) confirmDelivery(ctx context.Context, msg *host.MsgContext, id uint64) ([]byte, error) {
	address, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	if msg.Value().Sign() != 0 {
		return nil, fmt.Errorf("%w: confirmation carries %s", ErrUnexpectedValue, msg.Value())
	}
	if err := p.forward(ctx, msg, "confirm_delivery", address, escrow.ConfirmDelivery(msg.Source()), nil, escrow.EventDeliveryConfirmed); err != nil {
		return nil, fmt.Errorf("factory: confirm delivery escrow %d: %w", id, err)
	}
	msg.Emit(ProxiedEvent{Type: EventTypeDeliveryConfirmed, Factory: msg.Self(), ID: id, Caller: msg.Source()})
	return EncodeEvent(Event{Kind: EventDeliveryConfirmed, EscrowID: id})
}

func (p *Program) forward(ctx context.Context, msg *host.MsgContext, label string, address types.ActorID, action escrow.Action, value *big.Int, want escrow.EventKind) error {
	payload, err := escrow.EncodeAction(action)
	if err != nil {
		return err
	}
	reply, err := msg.Call(ctx, address, payload, value)
	if err == nil {
		err = escrow.ExpectEvent(reply, want)
	}
	observability.FactoryMetrics().RecordProxy(label, err, value)
	return err
}

func (p *Program) Snapshot() ([]byte, error) {
	if p.state == nil {
		return nil, ErrNotInit
	}
	return EncodeState(p.state)
}

func (p *Program) Restore(snapshot []byte) error {
	f, err := DecodeState(snapshot)
	if err != nil {
		return err
	}
	p.load(f)
	observability.FactoryMetrics().SetRegistrySize(len(f.Registry))
	return nil
}
