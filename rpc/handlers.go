package rpc

import (
	"context"
	"encoding/hex"
	"math/big"
	"net/http"
	"strings"

	"escrowchain/core/events"
	"escrowchain/core/state"
	"escrowchain/core/types"
	"escrowchain/host"
	"escrowchain/indexer"
	"escrowchain/native/escrow"
	"escrowchain/native/factory"
)

type createEscrowParams struct {
	From   string `json:"from"`
	Seller string `json:"seller"`
	Buyer  string `json:"buyer"`
	Price  string `json:"price"`
}

type escrowActionParams struct {
	From     string `json:"from"`
	EscrowID uint64 `json:"escrowId"`
	Value    string `json:"value,omitempty"`
}

type escrowQueryParams struct {
	EscrowID uint64 `json:"escrowId"`
}

type accountParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount,omitempty"`
}

type eventsParams struct {
	AfterSequence int64 `json:"afterSequence"`
	Limit         int   `json:"limit"`
}

// ActionResult reports the outcome of a factory action.
type ActionResult struct {
	EscrowID      uint64         `json:"escrowId"`
	EscrowAddress string         `json:"escrowAddress,omitempty"`
	MessageID     string         `json:"messageId"`
	GasLeft       uint64         `json:"gasLeft"`
	Events        []*types.Event `json:"events,omitempty"`
}

type RegistryEntry struct {
	ID      uint64 `json:"id"`
	Address string `json:"address"`
}

type RegistryResult struct {
	Factory      string          `json:"factory"`
	EscrowCount  uint64          `json:"escrowCount"`
	EscrowCodeID string          `json:"escrowCodeId"`
	CreationGas  uint64          `json:"creationGas"`
	Entries      []RegistryEntry `json:"entries"`
}

type EscrowResult struct {
	EscrowID  uint64 `json:"escrowId"`
	Address   string `json:"address"`
	FactoryID string `json:"factoryId"`
	Seller    string `json:"seller"`
	Buyer     string `json:"buyer"`
	Price     string `json:"price"`
	State     string `json:"state"`
}

type BalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type MailboxMessage struct {
	MessageID string `json:"messageId"`
	Source    string `json:"source"`
	Payload   string `json:"payload"`
	Value     string `json:"value"`
}

type EventsResult struct {
	Events []indexer.StoredEvent `json:"events"`
}

func parseAccount(field, raw string) (types.ActorID, *rpcFailure) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.ZeroActor, invalidParams("%s is required", field)
	}
	id, err := types.ParseActorID(raw)
	if err != nil {
		return types.ZeroActor, invalidParams("invalid %s: %v", field, err)
	}
	return id, nil
}

// parseAmount accepts a base-10 integer. An empty string means zero when
// optional is set.
func parseAmount(field, raw string, optional bool) (*big.Int, *rpcFailure) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if optional {
			return nil, nil
		}
		return nil, invalidParams("%s is required", field)
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, invalidParams("%s must be a base-10 integer", field)
	}
	if err := state.ValidateAmount(amount); err != nil {
		return nil, invalidParams("invalid %s: %v", field, err)
	}
	return amount, nil
}

func actionResult(evt factory.Event, out *host.Outcome) *ActionResult {
	res := &ActionResult{EscrowID: evt.EscrowID}
	if !evt.EscrowAddress.IsZero() {
		res.EscrowAddress = evt.EscrowAddress.String()
	}
	if out != nil {
		res.MessageID = out.MessageID.String()
		res.GasLeft = out.GasLeft
		res.Events = out.Events
	}
	return res
}

func (s *Server) handleCreateEscrow(ctx context.Context, r *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	var params createEscrowParams
	if fail := decodeParams(req, &params); fail != nil {
		return nil, fail
	}
	from, fail := s.caller(r, params.From)
	if fail != nil {
		return nil, fail
	}
	seller, fail := parseAccount("seller", params.Seller)
	if fail != nil {
		return nil, fail
	}
	buyer, fail := parseAccount("buyer", params.Buyer)
	if fail != nil {
		return nil, fail
	}
	price, fail := parseAmount("price", params.Price, false)
	if fail != nil {
		return nil, fail
	}
	evt, out, err := s.factory.CreateEscrow(ctx, from, seller, buyer, price)
	if err != nil {
		return nil, classify(err)
	}
	return actionResult(evt, out), nil
}

func (s *Server) handleDeposit(ctx context.Context, r *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	var params escrowActionParams
	if fail := decodeParams(req, &params); fail != nil {
		return nil, fail
	}
	from, fail := s.caller(r, params.From)
	if fail != nil {
		return nil, fail
	}
	value, fail := parseAmount("value", params.Value, false)
	if fail != nil {
		return nil, fail
	}
	evt, out, err := s.factory.Deposit(ctx, from, params.EscrowID, value)
	if err != nil {
		return nil, classify(err)
	}
	return actionResult(evt, out), nil
}

func (s *Server) handleConfirmDelivery(ctx context.Context, r *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	var params escrowActionParams
	if fail := decodeParams(req, &params); fail != nil {
		return nil, fail
	}
	if strings.TrimSpace(params.Value) != "" {
		return nil, invalidParams("confirmDelivery does not accept value")
	}
	from, fail := s.caller(r, params.From)
	if fail != nil {
		return nil, fail
	}
	evt, out, err := s.factory.ConfirmDelivery(ctx, from, params.EscrowID)
	if err != nil {
		return nil, classify(err)
	}
	return actionResult(evt, out), nil
}

func (s *Server) handleRegistry(_ context.Context, _ *http.Request, _ *RPCRequest) (interface{}, *rpcFailure) {
	registry, err := s.factory.Registry()
	if err != nil {
		return nil, classify(err)
	}
	res := &RegistryResult{
		Factory:      s.factory.Factory.String(),
		EscrowCount:  registry.EscrowCount,
		EscrowCodeID: registry.EscrowCodeID.String(),
		CreationGas:  registry.CreationGas,
		Entries:      make([]RegistryEntry, 0, len(registry.Registry)),
	}
	for _, entry := range registry.Registry {
		res.Entries = append(res.Entries, RegistryEntry{ID: entry.ID, Address: entry.Address.String()})
	}
	return res, nil
}

func (s *Server) handleEscrowState(_ context.Context, _ *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	var params escrowQueryParams
	if fail := decodeParams(req, &params); fail != nil {
		return nil, fail
	}
	address, e, err := s.factory.Escrow(params.EscrowID)
	if err != nil {
		return nil, classify(err)
	}
	return escrowResult(params.EscrowID, address, e), nil
}

func escrowResult(id uint64, address types.ActorID, e *escrow.Escrow) *EscrowResult {
	price := "0"
	if e.Price != nil {
		price = e.Price.String()
	}
	return &EscrowResult{
		EscrowID:  id,
		Address:   address.String(),
		FactoryID: e.FactoryID.String(),
		Seller:    e.Seller.String(),
		Buyer:     e.Buyer.String(),
		Price:     price,
		State:     e.State.String(),
	}
}

func (s *Server) handleBalance(_ context.Context, _ *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	var params accountParams
	if fail := decodeParams(req, &params); fail != nil {
		return nil, fail
	}
	id, fail := parseAccount("address", params.Address)
	if fail != nil {
		return nil, fail
	}
	balance, err := s.host.BalanceOf(id)
	if err != nil {
		return nil, classify(err)
	}
	return &BalanceResult{Address: id.String(), Balance: balance.String()}, nil
}

func (s *Server) handleMint(_ context.Context, r *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	if !s.cfg.AllowMint {
		return nil, failure(http.StatusForbidden, codeUnauthorized, "minting is disabled", nil)
	}
	if fail := s.authorizeOperator(r); fail != nil {
		return nil, fail
	}
	var params accountParams
	if fail := decodeParams(req, &params); fail != nil {
		return nil, fail
	}
	id, fail := parseAccount("address", params.Address)
	if fail != nil {
		return nil, fail
	}
	amount, fail := parseAmount("amount", params.Amount, false)
	if fail != nil {
		return nil, fail
	}
	if err := s.host.Mint(id, amount); err != nil {
		return nil, classify(err)
	}
	balance, err := s.host.BalanceOf(id)
	if err != nil {
		return nil, classify(err)
	}
	return &BalanceResult{Address: id.String(), Balance: balance.String()}, nil
}

func (s *Server) handleMailbox(_ context.Context, _ *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	var params accountParams
	if fail := decodeParams(req, &params); fail != nil {
		return nil, fail
	}
	id, fail := parseAccount("address", params.Address)
	if fail != nil {
		return nil, fail
	}
	entries, err := s.host.Mailbox(id)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]MailboxMessage, 0, len(entries))
	for _, entry := range entries {
		value := "0"
		if entry.Value != nil {
			value = entry.Value.String()
		}
		out = append(out, MailboxMessage{
			MessageID: entry.Message.String(),
			Source:    entry.Source.String(),
			Payload:   "0x" + hex.EncodeToString(entry.Payload),
			Value:     value,
		})
	}
	return out, nil
}

func (s *Server) handleEvents(ctx context.Context, _ *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	var params eventsParams
	if len(req.Params) > 0 {
		if fail := decodeParams(req, &params); fail != nil {
			return nil, fail
		}
	}
	if params.AfterSequence < 0 {
		return nil, invalidParams("afterSequence must not be negative")
	}
	if params.Limit < 0 {
		return nil, invalidParams("limit must not be negative")
	}
	if s.archive != nil {
		stored, err := s.archive.List(ctx, params.AfterSequence, params.Limit)
		if err != nil {
			return nil, classify(err)
		}
		return &EventsResult{Events: stored}, nil
	}
	return &EventsResult{Events: recentEvents(s.recorder, params.AfterSequence, params.Limit)}, nil
}

func recentEvents(recorder *events.Recorder, after int64, limit int) []indexer.StoredEvent {
	if limit <= 0 || limit > indexer.DefaultPageSize {
		limit = indexer.DefaultPageSize
	}
	out := make([]indexer.StoredEvent, 0)
	for _, rec := range recorder.Events() {
		if int64(rec.Sequence) <= after || rec.Event == nil {
			continue
		}
		out = append(out, indexer.StoredEvent{
			Sequence:   int64(rec.Sequence),
			Type:       rec.Event.Type,
			Attributes: rec.Event.Attributes,
		})
		if len(out) == limit {
			break
		}
	}
	return out
}
