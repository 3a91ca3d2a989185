package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowchain/core/events"
	"escrowchain/host"
	"escrowchain/indexer"
	"escrowchain/native/factory"
	"escrowchain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	requestIDHeader = "X-Request-ID"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeNotFound       = -32004
	codeRejected       = -32010
	codeRateLimited    = -32020
)

// Config tunes the JSON-RPC server.
type Config struct {
	// JWTSecret enables HS256 bearer authentication for mutating methods.
	JWTSecret string
	AllowMint bool
	// RateLimit is the sustained number of requests per second allowed per
	// client; zero disables limiting.
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
}

// EventSource pages through archived events.
type EventSource interface {
	List(ctx context.Context, afterSeq int64, limit int) ([]indexer.StoredEvent, error)
}

// Deps are the components the server exposes.
type Deps struct {
	Host     *host.Host
	Factory  *factory.Client
	Recorder *events.Recorder
	// Archive is optional; without it host_events reads the in-memory recorder.
	Archive EventSource
	Logger  *slog.Logger
}

type Server struct {
	cfg      Config
	host     *host.Host
	factory  *factory.Client
	recorder *events.Recorder
	archive  EventSource
	logger   *slog.Logger
	limiter  *rateLimiter
	auth     *authenticator
}

func NewServer(deps Deps, cfg Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		host:     deps.Host,
		factory:  deps.Factory,
		recorder: deps.Recorder,
		archive:  deps.Archive,
		logger:   logger,
		limiter:  newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		auth:     newAuthenticator(cfg.JWTSecret),
	}
}

// Handler returns the HTTP surface: JSON-RPC on POST /, the event stream on
// /ws/events and a liveness probe.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws/events", s.handleEventsWS)
	r.Post("/", s.handle)
	return otelhttp.NewHandler(r, "escrowd-rpc")
}

type requestIDKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// rpcFailure pairs a JSON-RPC error with the HTTP status it is written with.
type rpcFailure struct {
	status int
	err    *RPCError
}

func failure(status, code int, message string, data interface{}) *rpcFailure {
	return &rpcFailure{status: status, err: &RPCError{Code: code, Message: message, Data: data}}
}

func invalidParams(format string, args ...interface{}) *rpcFailure {
	return failure(http.StatusBadRequest, codeInvalidParams, fmt.Sprintf(format, args...), nil)
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type methodHandler func(ctx context.Context, r *http.Request, req *RPCRequest) (interface{}, *rpcFailure)

func (s *Server) methods() map[string]methodHandler {
	return map[string]methodHandler{
		"factory_createEscrow":    s.handleCreateEscrow,
		"factory_deposit":         s.handleDeposit,
		"factory_confirmDelivery": s.handleConfirmDelivery,
		"factory_registry":        s.handleRegistry,
		"escrow_state":            s.handleEscrowState,
		"account_balance":         s.handleBalance,
		"account_mint":            s.handleMint,
		"account_mailbox":         s.handleMailbox,
		"host_events":             s.handleEvents,
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if !s.limiter.allow(clientKey(r)) {
		observability.ModuleMetrics().RecordThrottle("rpc", "rate_limit")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	handler, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return
	}

	ctx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	result, fail := handler(ctx, r, req)
	code := 0
	if fail != nil {
		code = fail.err.Code
	}
	module, _, _ := strings.Cut(req.Method, "_")
	observability.ModuleMetrics().Observe(module, req.Method, code, time.Since(started))
	if fail != nil {
		s.logger.Debug("rpc: request failed",
			slog.String("request", requestIDFrom(r.Context())),
			slog.String("method", req.Method),
			slog.Int("code", fail.err.Code),
			slog.String("error", fail.err.Message))
		writeError(w, fail.status, req.ID, fail.err.Code, fail.err.Message, fail.err.Data)
		return
	}
	writeResult(w, req.ID, result)
}

// decodeParams unmarshals the single object parameter of a request.
func decodeParams(req *RPCRequest, out interface{}) *rpcFailure {
	if len(req.Params) != 1 {
		return invalidParams("expected exactly one parameter object")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidParams("invalid parameter object: %v", err)
	}
	return nil
}

// classify maps host, factory and escrow errors to JSON-RPC failures.
func classify(err error) *rpcFailure {
	var depErr *host.DeploymentError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, factory.ErrEscrowNotFound), errors.Is(err, host.ErrUnknownProgram):
		return failure(http.StatusNotFound, codeNotFound, err.Error(), nil)
	case host.IsRejected(err), host.IsTransport(err), errors.As(err, &depErr):
		return failure(http.StatusConflict, codeRejected, err.Error(), nil)
	default:
		return failure(http.StatusInternalServerError, codeServerError, err.Error(), nil)
	}
}
