package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"escrowchain/core/events"
	"escrowchain/core/state"
	"escrowchain/core/types"
	"escrowchain/host"
	"escrowchain/native/factory"
	"escrowchain/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	operator = types.ActorIDFromUint64(0xF0)
	seller   = types.ActorIDFromUint64(0x51)
	buyer    = types.ActorIDFromUint64(0xB1)
)

type harness struct {
	server *httptest.Server
	host   *host.Host
	client *factory.Client
	nextID int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := host.New(state.NewManager(storage.NewMemDB()), host.DefaultConfig())
	t.Cleanup(h.Wait)
	recorder := events.NewRecorder(0)
	h.SetEmitter(recorder)
	id, err := factory.Bootstrap(context.Background(), h, operator, 0)
	require.NoError(t, err)
	client := &factory.Client{Host: h, Factory: id}
	srv := NewServer(Deps{Host: h, Factory: client, Recorder: recorder}, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{server: ts, host: h, client: client}
}

type rawResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (h *harness) call(t *testing.T, token, method string, params interface{}) (int, rawResponse) {
	t.Helper()
	h.nextID++
	req := map[string]interface{}{"jsonrpc": jsonRPCVersion, "id": h.nextID, "method": method}
	if params != nil {
		req["params"] = []interface{}{params}
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, h.server.URL+"/", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out rawResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) mustCall(t *testing.T, method string, params, result interface{}) {
	t.Helper()
	status, resp := h.call(t, "", method, params)
	require.Nil(t, resp.Error, "%s failed: %+v", method, resp.Error)
	require.Equal(t, http.StatusOK, status)
	if result != nil {
		require.NoError(t, json.Unmarshal(resp.Result, result))
	}
}

func (h *harness) mint(t *testing.T, id types.ActorID, amount string) {
	t.Helper()
	h.mustCall(t, "account_mint", accountParams{Address: id.String(), Amount: amount}, nil)
}

func (h *harness) create(t *testing.T, price string) ActionResult {
	t.Helper()
	var res ActionResult
	h.mustCall(t, "factory_createEscrow", createEscrowParams{
		From: operator.String(), Seller: seller.String(), Buyer: buyer.String(), Price: price,
	}, &res)
	return res
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestEscrowLifecycleOverRPC(t *testing.T) {
	h := newHarness(t, Config{AllowMint: true})
	h.mint(t, buyer, "1000")

	created := h.create(t, "400")
	require.Equal(t, uint64(1), created.EscrowID)
	require.NotEmpty(t, created.EscrowAddress)
	require.NotEmpty(t, created.MessageID)

	var deposited ActionResult
	h.mustCall(t, "factory_deposit", escrowActionParams{From: buyer.String(), EscrowID: 1, Value: "400"}, &deposited)
	require.Equal(t, uint64(1), deposited.EscrowID)

	var st EscrowResult
	h.mustCall(t, "escrow_state", escrowQueryParams{EscrowID: 1}, &st)
	require.Equal(t, "AwaitingDelivery", st.State)
	require.Equal(t, "400", st.Price)
	require.Equal(t, created.EscrowAddress, st.Address)

	h.mustCall(t, "factory_confirmDelivery", escrowActionParams{From: buyer.String(), EscrowID: 1}, nil)
	h.mustCall(t, "escrow_state", escrowQueryParams{EscrowID: 1}, &st)
	require.Equal(t, "Closed", st.State)

	var bal BalanceResult
	h.mustCall(t, "account_balance", accountParams{Address: seller.String()}, &bal)
	require.Equal(t, "400", bal.Balance)
	h.mustCall(t, "account_balance", accountParams{Address: buyer.String()}, &bal)
	require.Equal(t, "600", bal.Balance)

	var mailbox []MailboxMessage
	h.mustCall(t, "account_mailbox", accountParams{Address: seller.String()}, &mailbox)
	require.Len(t, mailbox, 1)
	require.Equal(t, "400", mailbox[0].Value)
	require.Equal(t, created.EscrowAddress, mailbox[0].Source)

	var registry RegistryResult
	h.mustCall(t, "factory_registry", nil, &registry)
	require.Equal(t, uint64(1), registry.EscrowCount)
	require.Len(t, registry.Entries, 1)
	require.Equal(t, h.client.Factory.String(), registry.Factory)
}

func TestErrorCodes(t *testing.T) {
	h := newHarness(t, Config{AllowMint: true})
	h.create(t, "100")

	tests := []struct {
		name   string
		method string
		params interface{}
		status int
		code   int
	}{
		{"unknown method", "escrow_destroy", nil, http.StatusNotFound, codeMethodNotFound},
		{"bad address", "account_balance", accountParams{Address: "nope"}, http.StatusBadRequest, codeInvalidParams},
		{"missing from", "factory_deposit", escrowActionParams{EscrowID: 1, Value: "1"}, http.StatusBadRequest, codeInvalidParams},
		{"negative price", "factory_createEscrow", createEscrowParams{From: operator.String(), Seller: seller.String(), Buyer: buyer.String(), Price: "-5"}, http.StatusBadRequest, codeInvalidParams},
		{"unknown escrow", "escrow_state", escrowQueryParams{EscrowID: 9}, http.StatusNotFound, codeNotFound},
		{"unknown escrow deposit", "factory_deposit", escrowActionParams{From: buyer.String(), EscrowID: 9, Value: "0"}, http.StatusNotFound, codeNotFound},
		{"wrong caller", "factory_confirmDelivery", escrowActionParams{From: seller.String(), EscrowID: 1}, http.StatusConflict, codeRejected},
		{"value on confirm", "factory_confirmDelivery", escrowActionParams{From: buyer.String(), EscrowID: 1, Value: "1"}, http.StatusBadRequest, codeInvalidParams},
		{"insufficient balance", "factory_deposit", escrowActionParams{From: buyer.String(), EscrowID: 1, Value: "100"}, http.StatusConflict, codeRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := h.call(t, "", tc.method, tc.params)
			require.NotNil(t, resp.Error)
			require.Equal(t, tc.code, resp.Error.Code, resp.Error.Message)
			require.Equal(t, tc.status, status)
		})
	}
}

func TestShortDepositIsRejectedAndRefunded(t *testing.T) {
	h := newHarness(t, Config{AllowMint: true})
	h.mint(t, buyer, "1000")
	h.create(t, "400")

	_, resp := h.call(t, "", "factory_deposit", escrowActionParams{From: buyer.String(), EscrowID: 1, Value: "399"})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeRejected, resp.Error.Code)

	var bal BalanceResult
	h.mustCall(t, "account_balance", accountParams{Address: buyer.String()}, &bal)
	require.Equal(t, "1000", bal.Balance)
}

func TestMintDisabled(t *testing.T) {
	h := newHarness(t, Config{})
	status, resp := h.call(t, "", "account_mint", accountParams{Address: buyer.String(), Amount: "1"})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)
}

func TestBearerAuthentication(t *testing.T) {
	h := newHarness(t, Config{JWTSecret: testSecret, AllowMint: true})
	params := createEscrowParams{Seller: seller.String(), Buyer: buyer.String(), Price: "10"}

	status, resp := h.call(t, "", "factory_createEscrow", params)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	status, resp = h.call(t, "garbage", "factory_createEscrow", params)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	token := signToken(t, operator.String())
	status, resp = h.call(t, token, "factory_createEscrow", params)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	params.From = buyer.String()
	status, resp = h.call(t, token, "factory_createEscrow", params)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	status, _ = h.call(t, "", "account_mint", accountParams{Address: buyer.String(), Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, status)
	status, _ = h.call(t, token, "account_mint", accountParams{Address: buyer.String(), Amount: "1"})
	require.Equal(t, http.StatusOK, status)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateBurst: 1})
	status, _ := h.call(t, "", "factory_registry", nil)
	require.Equal(t, http.StatusOK, status)
	status, resp := h.call(t, "", "factory_registry", nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, codeRateLimited, resp.Error.Code)
}

func TestMalformedRequests(t *testing.T) {
	h := newHarness(t, Config{})
	post := func(body string) (int, rawResponse) {
		resp, err := http.Post(h.server.URL+"/", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out rawResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}
	status, resp := post("{")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeParseError, resp.Error.Code)

	status, resp = post(`{"jsonrpc":"1.0","id":1,"method":"factory_registry"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	status, resp = post(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"account_balance","params":[{"address":%q,"extra":1}]}`, buyer.String()))
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestHostEventsFromRecorder(t *testing.T) {
	h := newHarness(t, Config{})
	h.create(t, "100")
	h.create(t, "200")

	var res EventsResult
	h.mustCall(t, "host_events", eventsParams{}, &res)
	var created int
	for _, evt := range res.Events {
		if evt.Type == factory.EventTypeEscrowCreated {
			created++
		}
	}
	require.Equal(t, 2, created)

	last := res.Events[len(res.Events)-1].Sequence
	h.mustCall(t, "host_events", eventsParams{AfterSequence: last}, &res)
	require.Empty(t, res.Events)

	h.mustCall(t, "host_events", eventsParams{Limit: 1}, &res)
	require.Len(t, res.Events, 1)
}

func TestHealthzAndRequestID(t *testing.T) {
	h := newHarness(t, Config{})
	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(requestIDHeader))

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "trace-me")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, "trace-me", resp2.Header.Get(requestIDHeader))
}

func TestEventStreamReplaysAndFilters(t *testing.T) {
	h := newHarness(t, Config{})
	created := h.create(t, "100")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/events?after=0&type=" + factory.EventTypeEscrowCreated
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() map[string]interface{} {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var evt map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &evt))
		return evt
	}
	first := read()
	require.Equal(t, factory.EventTypeEscrowCreated, first["type"])
	attrs := first["attributes"].(map[string]interface{})
	require.Equal(t, created.EscrowAddress, attrs["address"])

	h.create(t, "200")
	second := read()
	require.Equal(t, factory.EventTypeEscrowCreated, second["type"])
	require.Greater(t, second["sequence"].(float64), first["sequence"].(float64))
}
