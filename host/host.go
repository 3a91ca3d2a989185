package host

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"escrowchain/core/events"
	"escrowchain/core/state"
	"escrowchain/core/types"
)

const (
	// DefaultMessageGas is charged when a message is dispatched.
	DefaultMessageGas uint64 = 100_000_000
	// DefaultSendGas is charged for every outgoing send, call or deployment.
	DefaultSendGas uint64 = 50_000_000
	// DefaultGasLimit is used for external messages that do not set a limit.
	DefaultGasLimit uint64 = 10_000_000_000
)

// Config captures the host's gas schedule and await policy.
type Config struct {
	MessageGas      uint64
	SendGas         uint64
	DefaultGasLimit uint64
	// CallTimeout bounds every awaited call or deployment. Zero disables the
	// host-side timeout.
	CallTimeout time.Duration
}

// DefaultConfig returns the gas schedule used by the daemon and tests.
func DefaultConfig() Config {
	return Config{
		MessageGas:      DefaultMessageGas,
		SendGas:         DefaultSendGas,
		DefaultGasLimit: DefaultGasLimit,
	}
}

// Message is an external message submitted by a user account.
type Message struct {
	Source      types.ActorID
	Destination types.ActorID
	Payload     []byte
	Value       *big.Int
	GasLimit    uint64
}

// Outcome describes a dispatched message. It is returned alongside errors when
// the message got far enough to be assigned an identifier.
type Outcome struct {
	MessageID types.MessageID
	Reply     []byte
	Events    []*types.Event
	GasLeft   uint64
	// Stranded is value the handler forwarded to calls or deployments it
	// stopped waiting for. It stays with the callee and is not refunded.
	Stranded *big.Int
}

type instance struct {
	id      types.ActorID
	code    *Code
	creator types.ActorID
	program Program
	// lock is the execution token; a message holds it except while awaiting.
	lock chan struct{}
}

func (i *instance) acquire(ctx context.Context) error {
	select {
	case i.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *instance) release() { <-i.lock }

// Host is the message-passing execution environment. It owns the code
// registry, every deployed program and the native ledger.
type Host struct {
	cfg     Config
	state   *state.Manager
	emitter events.Emitter
	logger  *slog.Logger
	tracer  trace.Tracer

	mu       sync.RWMutex
	codes    map[types.CodeID]*Code
	programs map[types.ActorID]*instance

	pending sync.WaitGroup
}

// New creates a host over the provided state manager.
func New(st *state.Manager, cfg Config) *Host {
	if cfg.MessageGas == 0 {
		cfg.MessageGas = DefaultMessageGas
	}
	if cfg.SendGas == 0 {
		cfg.SendGas = DefaultSendGas
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = DefaultGasLimit
	}
	return &Host{
		cfg:      cfg,
		state:    st,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("escrowchain/host"),
		codes:    make(map[types.CodeID]*Code),
		programs: make(map[types.ActorID]*instance),
	}
}

// SetEmitter configures the event emitter used by the host. Passing nil resets
// the emitter to a no-op implementation.
func (h *Host) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		h.emitter = events.NoopEmitter{}
		return
	}
	h.emitter = emitter
}

// SetLogger overrides the logger. Passing nil restores slog.Default().
func (h *Host) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h.logger = logger
}

// Config returns the active gas schedule.
func (h *Host) Config() Config { return h.cfg }

// State exposes the backing state manager.
func (h *Host) State() *state.Manager { return h.state }

// SubmitCode registers a program constructor under a content address derived
// from name. Submitting the same name twice returns the same identifier.
func (h *Host) SubmitCode(name string, ctor Constructor) (types.CodeID, error) {
	if name == "" {
		return types.CodeID{}, fmt.Errorf("host: code name required")
	}
	if ctor == nil {
		return types.CodeID{}, fmt.Errorf("host: constructor required")
	}
	id := types.CodeIDFor([]byte(name))
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.codes[id]; ok {
		if existing.Name != name {
			return types.CodeID{}, ErrDuplicateCode
		}
		return id, nil
	}
	h.codes[id] = &Code{ID: id, Name: name, New: ctor}
	return id, nil
}

func (h *Host) code(id types.CodeID) (*Code, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	code, ok := h.codes[id]
	return code, ok
}

func (h *Host) program(id types.ActorID) (*instance, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.programs[id]
	return inst, ok
}

// IsProgram reports whether id belongs to a deployed program.
func (h *Host) IsProgram(id types.ActorID) bool {
	_, ok := h.program(id)
	return ok
}

// CodeOf returns the code identifier a program was deployed from.
func (h *Host) CodeOf(id types.ActorID) (types.CodeID, bool) {
	inst, ok := h.program(id)
	if !ok {
		return types.CodeID{}, false
	}
	return inst.code.ID, true
}

// Send dispatches an external message from a user account and waits for the
// destination to finish handling it. Messages to user accounts are delivered
// to their mailbox.
func (h *Host) Send(ctx context.Context, msg Message) (*Outcome, error) {
	if h.IsProgram(msg.Source) {
		return nil, transportError(msg.Destination, types.MessageID{}, ErrExternalFromProgram)
	}
	if msg.GasLimit == 0 {
		msg.GasLimit = h.cfg.DefaultGasLimit
	}
	return h.dispatch(ctx, envelope{
		source:   msg.Source,
		dest:     msg.Destination,
		payload:  msg.Payload,
		value:    msg.Value,
		gasLimit: msg.GasLimit,
	})
}

// Deploy instantiates code on behalf of a user account and runs its
// initializer with the given gas and value.
func (h *Host) Deploy(ctx context.Context, creator types.ActorID, code types.CodeID, payload []byte, gasLimit uint64, value *big.Int) (types.ActorID, *Outcome, error) {
	if h.IsProgram(creator) {
		return types.ZeroActor, nil, &DeploymentError{Code: code, Err: ErrExternalFromProgram}
	}
	if gasLimit == 0 {
		gasLimit = h.cfg.DefaultGasLimit
	}
	return h.deploy(ctx, creator, code, payload, gasLimit, value)
}

// Restore re-instantiates every committed program after a restart. All codes
// referenced by committed programs must be submitted first.
func (h *Host) Restore() (int, error) {
	index, err := h.state.ProgramIndex()
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, id := range index {
		if h.IsProgram(id) {
			continue
		}
		rec, ok, err := h.state.ProgramGet(id)
		if err != nil {
			return restored, err
		}
		if !ok {
			return restored, fmt.Errorf("host: program %s indexed but missing", id)
		}
		code, ok := h.code(rec.Code)
		if !ok {
			return restored, fmt.Errorf("%w: %s (program %s)", ErrUnknownCode, rec.Code, id)
		}
		program := code.New()
		if err := program.Restore(rec.Snapshot); err != nil {
			return restored, fmt.Errorf("host: restore program %s: %w", id, err)
		}
		h.register(&instance{id: id, code: code, creator: rec.Creator, program: program, lock: make(chan struct{}, 1)})
		restored++
	}
	if restored > 0 {
		h.logger.Info("host: programs restored", slog.Int("count", restored))
	}
	return restored, nil
}

func (h *Host) register(inst *instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.programs[inst.id] = inst
}

// ReadState returns the most recently committed snapshot of a program. State
// mutated by a message that has not completed yet is never visible.
func (h *Host) ReadState(id types.ActorID) ([]byte, error) {
	rec, ok, err := h.state.ProgramGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProgram, id)
	}
	return rec.Snapshot, nil
}

// Programs lists every committed program in deployment order.
func (h *Host) Programs() ([]types.ActorID, error) {
	return h.state.ProgramIndex()
}

// BalanceOf returns the native balance of any actor.
func (h *Host) BalanceOf(id types.ActorID) (*big.Int, error) {
	return h.state.Balance(id)
}

// Mint credits an account out of thin air. It backs the development faucet and
// tests; production deployments disable it at the RPC layer.
func (h *Host) Mint(id types.ActorID, amount *big.Int) error {
	if amount == nil {
		amount = new(big.Int)
	}
	if err := h.state.Credit(id, amount); err != nil {
		return err
	}
	h.emitter.Emit(events.Mint{Recipient: id, Amount: new(big.Int).Set(amount)})
	return nil
}

// Mailbox returns the messages delivered to a user account.
func (h *Host) Mailbox(id types.ActorID) ([]*state.MailboxEntry, error) {
	return h.state.Mailbox(id)
}

// Wait blocks until every asynchronously delivered program message finished.
func (h *Host) Wait() {
	h.pending.Wait()
}
