package factory

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"testing"

	"escrowchain/core/events"
	"escrowchain/core/state"
	"escrowchain/core/types"
	"escrowchain/host"
	"escrowchain/native/escrow"
	"escrowchain/storage"
)

var (
	operator = types.ActorIDFromUint64(0xF0)
	seller   = types.ActorIDFromUint64(0x51)
	buyer    = types.ActorIDFromUint64(0xB1)
)

type fixture struct {
	h        *host.Host
	client   *Client
	recorder *events.Recorder
}

func newFixture(t *testing.T, db storage.Database) *fixture {
	t.Helper()
	if db == nil {
		db = storage.NewMemDB()
	}
	h := host.New(state.NewManager(db), host.DefaultConfig())
	t.Cleanup(h.Wait)
	recorder := events.NewRecorder(0)
	h.SetEmitter(recorder)
	id, err := Bootstrap(context.Background(), h, operator, 0)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return &fixture{h: h, client: &Client{Host: h, Factory: id}, recorder: recorder}
}

func (f *fixture) create(t *testing.T, price int64) Event {
	t.Helper()
	evt, _, err := f.client.CreateEscrow(context.Background(), operator, seller, buyer, big.NewInt(price))
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if evt.Kind != EventEscrowCreated {
		t.Fatalf("unexpected reply %s", evt.Kind)
	}
	return evt
}

func (f *fixture) balance(t *testing.T, id types.ActorID) int64 {
	t.Helper()
	bal, err := f.h.BalanceOf(id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (f *fixture) mint(t *testing.T, id types.ActorID, amount int64) {
	t.Helper()
	if err := f.h.Mint(id, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (f *fixture) escrow(t *testing.T, id uint64) (types.ActorID, *escrow.Escrow) {
	t.Helper()
	address, e, err := f.client.Escrow(id)
	if err != nil {
		t.Fatalf("escrow %d: %v", id, err)
	}
	return address, e
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	f := newFixture(t, nil)
	const n = 5
	seen := map[types.ActorID]bool{}
	for i := uint64(1); i <= n; i++ {
		evt := f.create(t, int64(i*100))
		if evt.EscrowID != i {
			t.Fatalf("expected id %d, got %d", i, evt.EscrowID)
		}
		if seen[evt.EscrowAddress] {
			t.Fatalf("duplicate address %s", evt.EscrowAddress)
		}
		seen[evt.EscrowAddress] = true
		if !f.h.IsProgram(evt.EscrowAddress) {
			t.Fatalf("escrow %d not deployed", i)
		}
	}
	registry, err := f.client.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if registry.EscrowCount != n || len(registry.Registry) != n {
		t.Fatalf("unexpected registry %+v", registry)
	}
	for i, entry := range registry.Registry {
		if entry.ID != uint64(i+1) {
			t.Fatalf("registry out of order: %+v", registry.Registry)
		}
	}
	_, e := f.escrow(t, 3)
	if e.FactoryID != f.client.Factory || e.State != escrow.AwaitingPayment || e.Price.Int64() != 300 {
		t.Fatalf("unexpected escrow %+v", e)
	}
	if got := len(f.recorder.OfType(EventTypeEscrowCreated)); got != n {
		t.Fatalf("expected %d created events, got %d", n, got)
	}
}

func TestConcurrentCreatesGetUniqueIDs(t *testing.T) {
	f := newFixture(t, nil)
	const n = 8
	var wg sync.WaitGroup
	results := make(chan Event, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evt, _, err := f.client.CreateEscrow(context.Background(), operator, seller, buyer, big.NewInt(1))
			if err != nil {
				errs <- err
				return
			}
			results <- evt
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("create: %v", err)
	}
	ids := map[uint64]bool{}
	addresses := map[types.ActorID]bool{}
	for evt := range results {
		ids[evt.EscrowID] = true
		addresses[evt.EscrowAddress] = true
	}
	if len(ids) != n || len(addresses) != n {
		t.Fatalf("expected %d unique ids and addresses, got %d/%d", n, len(ids), len(addresses))
	}
	for i := uint64(1); i <= n; i++ {
		if !ids[i] {
			t.Fatalf("missing id %d", i)
		}
	}
}

func TestDepositAndConfirmThroughFactory(t *testing.T) {
	f := newFixture(t, nil)
	created := f.create(t, 100_000)
	f.mint(t, buyer, 100_000)

	evt, _, err := f.client.Deposit(context.Background(), buyer, created.EscrowID, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if evt.Kind != EventDeposited || evt.EscrowID != created.EscrowID {
		t.Fatalf("unexpected deposit reply %+v", evt)
	}
	address, e := f.escrow(t, created.EscrowID)
	if e.State != escrow.AwaitingDelivery {
		t.Fatalf("expected AwaitingDelivery, got %s", e.State)
	}
	if got := f.balance(t, address); got != 100_000 {
		t.Fatalf("expected escrow to hold 100000, got %d", got)
	}
	if got := f.balance(t, f.client.Factory); got != 0 {
		t.Fatalf("factory kept value: %d", got)
	}

	evt, _, err = f.client.ConfirmDelivery(context.Background(), buyer, created.EscrowID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if evt.Kind != EventDeliveryConfirmed {
		t.Fatalf("unexpected confirm reply %+v", evt)
	}
	_, e = f.escrow(t, created.EscrowID)
	if e.State != escrow.Closed {
		t.Fatalf("expected Closed, got %s", e.State)
	}
	if got := f.balance(t, seller); got != 100_000 {
		t.Fatalf("expected seller to receive 100000, got %d", got)
	}
	if got := f.balance(t, address); got != 0 {
		t.Fatalf("expected empty escrow, got %d", got)
	}
	if len(f.recorder.OfType(EventTypeDeposited)) != 1 || len(f.recorder.OfType(EventTypeDeliveryConfirmed)) != 1 {
		t.Fatalf("expected one deposited and one confirmed factory event")
	}
}

func TestFactoryAsSellerKeepsPayment(t *testing.T) {
	f := newFixture(t, nil)
	created, _, err := f.client.CreateEscrow(context.Background(), operator, f.client.Factory, buyer, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	f.mint(t, buyer, 100_000)
	if _, _, err := f.client.Deposit(context.Background(), buyer, created.EscrowID, big.NewInt(100_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := f.client.ConfirmDelivery(context.Background(), buyer, created.EscrowID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	f.h.Wait()

	address, e := f.escrow(t, created.EscrowID)
	if e.State != escrow.Closed {
		t.Fatalf("expected Closed, got %s", e.State)
	}
	if got := f.balance(t, address); got != 0 {
		t.Fatalf("closed escrow holds %d", got)
	}
	if got := f.balance(t, f.client.Factory); got != 100_000 {
		t.Fatalf("expected factory to hold the payment, got %d", got)
	}
	registry, err := f.client.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if registry.EscrowCount != 1 {
		t.Fatalf("payment altered the registry: %+v", registry)
	}
}

func TestShortDepositFails(t *testing.T) {
	f := newFixture(t, nil)
	created := f.create(t, 100_000)
	f.mint(t, buyer, 100_000)

	_, _, err := f.client.Deposit(context.Background(), buyer, created.EscrowID, big.NewInt(99_500))
	if !errors.Is(err, escrow.ErrWrongValue) {
		t.Fatalf("expected wrong value, got %v", err)
	}
	address, e := f.escrow(t, created.EscrowID)
	if e.State != escrow.AwaitingPayment {
		t.Fatalf("expected AwaitingPayment, got %s", e.State)
	}
	if got := f.balance(t, address); got != 0 {
		t.Fatalf("expected empty escrow, got %d", got)
	}
	if got := f.balance(t, buyer); got != 100_000 {
		t.Fatalf("expected buyer refunded, got %d", got)
	}
	if len(f.recorder.OfType(EventTypeDeposited)) != 0 {
		t.Fatalf("factory event emitted for failed deposit")
	}
}

func TestUnknownEscrow(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, 10)
	f.mint(t, buyer, 10)
	before, err := f.h.ReadState(f.client.Factory)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if _, _, err := f.client.Deposit(context.Background(), buyer, 7, big.NewInt(10)); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected escrow not found, got %v", err)
	}
	if _, _, err := f.client.ConfirmDelivery(context.Background(), buyer, 0); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected escrow not found, got %v", err)
	}
	after, err := f.h.ReadState(f.client.Factory)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("factory state changed by failed lookups")
	}
	if got := f.balance(t, buyer); got != 10 {
		t.Fatalf("expected buyer refunded, got %d", got)
	}
	if _, _, err := f.client.Escrow(7); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected escrow query to fail, got %v", err)
	}
}

func TestAuthorizationAcrossTrustBoundary(t *testing.T) {
	f := newFixture(t, nil)
	created := f.create(t, 50)
	f.mint(t, seller, 50)
	f.mint(t, buyer, 50)

	if _, _, err := f.client.Deposit(context.Background(), seller, created.EscrowID, big.NewInt(50)); !errors.Is(err, escrow.ErrWrongAccount) {
		t.Fatalf("expected seller deposit to be refused, got %v", err)
	}

	payload, err := escrow.EncodeAction(escrow.Deposit(buyer))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = f.h.Send(context.Background(), host.Message{
		Source:      buyer,
		Destination: created.EscrowAddress,
		Payload:     payload,
		Value:       big.NewInt(50),
	})
	if !errors.Is(err, escrow.ErrWrongCaller) {
		t.Fatalf("expected direct deposit to be refused, got %v", err)
	}
}

func TestConfirmDeliveryRejectsValue(t *testing.T) {
	f := newFixture(t, nil)
	created := f.create(t, 5)
	f.mint(t, buyer, 10)
	if _, _, err := f.client.Deposit(context.Background(), buyer, created.EscrowID, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	payload, _ := EncodeAction(ConfirmDelivery(created.EscrowID))
	_, err := f.h.Send(context.Background(), host.Message{Source: buyer, Destination: f.client.Factory, Payload: payload, Value: big.NewInt(5)})
	if !errors.Is(err, ErrUnexpectedValue) {
		t.Fatalf("expected unexpected value, got %v", err)
	}
	if got := f.balance(t, buyer); got != 5 {
		t.Fatalf("expected value refunded, got %d", got)
	}
}

func TestCreateEscrowDeploymentFailure(t *testing.T) {
	f := newFixture(t, nil)
	tooLarge := new(big.Int).Lsh(big.NewInt(1), state.MaxAmountBits)
	_, _, err := f.client.CreateEscrow(context.Background(), operator, seller, buyer, tooLarge)
	if !errors.Is(err, ErrDeployment) || !errors.Is(err, escrow.ErrInvalidInit) {
		t.Fatalf("expected deployment failure, got %v", err)
	}
	registry, err := f.client.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if registry.EscrowCount != 0 || len(registry.Registry) != 0 {
		t.Fatalf("failed deployment changed registry %+v", registry)
	}
	if evt := f.create(t, 1); evt.EscrowID != 1 {
		t.Fatalf("expected first successful escrow to get id 1, got %d", evt.EscrowID)
	}
}

func TestCreationGasTooLow(t *testing.T) {
	f := newFixture(t, nil)
	escrowCode, err := escrow.Register(f.h)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	factoryCode, err := Register(f.h)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	payload, _ := EncodeInit(InitFactory{EscrowCodeID: escrowCode, CreationGas: 1})
	id, _, err := f.h.Deploy(context.Background(), operator, factoryCode, payload, 0, nil)
	if err != nil {
		t.Fatalf("deploy factory: %v", err)
	}
	starved := &Client{Host: f.h, Factory: id}
	_, _, err = starved.CreateEscrow(context.Background(), operator, seller, buyer, big.NewInt(1))
	if !errors.Is(err, ErrDeployment) || !errors.Is(err, host.ErrOutOfGas) {
		t.Fatalf("expected out of gas deployment, got %v", err)
	}
}

func TestConfirmDeliveryWithoutGasKeepsEscrowOpen(t *testing.T) {
	f := newFixture(t, nil)
	created := f.create(t, 700)
	f.mint(t, buyer, 700)
	if _, _, err := f.client.Deposit(context.Background(), buyer, created.EscrowID, big.NewInt(700)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	cfg := f.h.Config()
	tight := &Client{Host: f.h, Factory: f.client.Factory, GasLimit: 2*cfg.MessageGas + 2*cfg.SendGas - 1}
	_, _, err := tight.ConfirmDelivery(context.Background(), buyer, created.EscrowID)
	if !errors.Is(err, host.ErrOutOfGas) {
		t.Fatalf("expected out of gas, got %v", err)
	}
	address, e := f.escrow(t, created.EscrowID)
	if e.State != escrow.AwaitingDelivery {
		t.Fatalf("expected AwaitingDelivery, got %s", e.State)
	}
	if got := f.balance(t, address); got != 700 {
		t.Fatalf("expected escrow to keep 700, got %d", got)
	}
	if got := f.balance(t, seller); got != 0 {
		t.Fatalf("seller paid despite failure: %d", got)
	}
}

func TestRegistrySurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()
	f := newFixture(t, db)
	for i := 0; i < 3; i++ {
		f.create(t, 20)
	}
	f.mint(t, buyer, 20)
	if _, _, err := f.client.Deposit(context.Background(), buyer, 2, big.NewInt(20)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	before, err := f.client.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	restarted := newFixture(t, db)
	if restarted.client.Factory != f.client.Factory {
		t.Fatalf("bootstrap deployed a second factory")
	}
	after, err := restarted.client.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if after.EscrowCount != before.EscrowCount || len(after.Registry) != len(before.Registry) {
		t.Fatalf("registry changed across restart: %+v vs %+v", before, after)
	}
	if _, _, err := restarted.client.ConfirmDelivery(context.Background(), buyer, 2); err != nil {
		t.Fatalf("confirm after restart: %v", err)
	}
	if got := restarted.balance(t, seller); got != 20 {
		t.Fatalf("expected seller paid, got %d", got)
	}
	if evt := restarted.create(t, 1); evt.EscrowID != 4 {
		t.Fatalf("expected id 4 after restart, got %d", evt.EscrowID)
	}
}

func TestNextIDSaturates(t *testing.T) {
	f := &Factory{EscrowCount: math.MaxUint64 - 1}
	if id := f.nextID(); id != math.MaxUint64 {
		t.Fatalf("expected max id, got %d", id)
	}
	if !f.exhausted() {
		t.Fatalf("expected exhausted factory")
	}
	if id := f.nextID(); id != math.MaxUint64 {
		t.Fatalf("expected saturation, got %d", id)
	}
}

func TestDecodeStateRejectsInconsistentRegistry(t *testing.T) {
	snapshot, err := EncodeState(&Factory{EscrowCount: 1, Registry: []Entry{{ID: 2, Address: seller}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeState(snapshot); err == nil {
		t.Fatalf("expected registry id above count to be rejected")
	}
}
