package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      string        `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func main() {
	defaultRPC := strings.TrimSpace(os.Getenv("ESCROW_RPC_URL"))
	if defaultRPC == "" {
		defaultRPC = "http://127.0.0.1:8080/"
	}
	defaultAuth := strings.TrimSpace(os.Getenv("ESCROW_RPC_TOKEN"))

	root := flag.NewFlagSet("escrowctl", flag.ExitOnError)
	rpcURL := root.String("rpc", defaultRPC, "JSON-RPC endpoint")
	authToken := root.String("auth", defaultAuth, "Bearer token for authenticated RPC calls")
	root.Parse(os.Args[1:])

	args := root.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}
	c := &cli{rpcURL: *rpcURL, auth: *authToken}

	var code int
	switch args[0] {
	case "create":
		code = c.runCreate(args[1:])
	case "deposit":
		code = c.runDeposit(args[1:])
	case "confirm":
		code = c.runConfirm(args[1:])
	case "registry":
		code = c.call("factory_registry", nil)
	case "escrow":
		code = c.runEscrow(args[1:])
	case "balance", "mailbox":
		code = c.runAccount(args[0], args[1:])
	case "mint":
		code = c.runMint(args[1:])
	case "events":
		code = c.runEvents(args[1:])
	case "token":
		code = runToken(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		fmt.Fprintln(os.Stderr, usage())
		code = 1
	}
	if code != 0 {
		os.Exit(code)
	}
}

type cli struct {
	rpcURL string
	auth   string
}

func (c *cli) runCreate(args []string) int {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	from := fs.String("from", "", "calling account (ignored when the token names one)")
	seller := fs.String("seller", "", "seller account")
	buyer := fs.String("buyer", "", "buyer account")
	price := fs.String("price", "", "escrow price in base units")
	fs.Parse(args)
	if *seller == "" || *buyer == "" || *price == "" {
		fmt.Fprintln(os.Stderr, "--seller, --buyer and --price are required")
		return 1
	}
	return c.call("factory_createEscrow", map[string]string{
		"from": *from, "seller": *seller, "buyer": *buyer, "price": *price,
	})
}

func (c *cli) runDeposit(args []string) int {
	fs := flag.NewFlagSet("deposit", flag.ExitOnError)
	from := fs.String("from", "", "buyer account")
	id := fs.Uint64("id", 0, "escrow identifier")
	value := fs.String("value", "", "amount to deposit")
	fs.Parse(args)
	if *id == 0 || *value == "" {
		fmt.Fprintln(os.Stderr, "--id and --value are required")
		return 1
	}
	return c.call("factory_deposit", map[string]interface{}{"from": *from, "escrowId": *id, "value": *value})
}

func (c *cli) runConfirm(args []string) int {
	fs := flag.NewFlagSet("confirm", flag.ExitOnError)
	from := fs.String("from", "", "buyer account")
	id := fs.Uint64("id", 0, "escrow identifier")
	fs.Parse(args)
	if *id == 0 {
		fmt.Fprintln(os.Stderr, "--id is required")
		return 1
	}
	return c.call("factory_confirmDelivery", map[string]interface{}{"from": *from, "escrowId": *id})
}

func (c *cli) runEscrow(args []string) int {
	fs := flag.NewFlagSet("escrow", flag.ExitOnError)
	id := fs.Uint64("id", 0, "escrow identifier")
	fs.Parse(args)
	if *id == 0 {
		fmt.Fprintln(os.Stderr, "--id is required")
		return 1
	}
	return c.call("escrow_state", map[string]interface{}{"escrowId": *id})
}

func (c *cli) runAccount(command string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	address := fs.String("address", "", "account address")
	fs.Parse(args)
	if *address == "" {
		fmt.Fprintln(os.Stderr, "--address is required")
		return 1
	}
	method := "account_balance"
	if command == "mailbox" {
		method = "account_mailbox"
	}
	return c.call(method, map[string]string{"address": *address})
}

func (c *cli) runMint(args []string) int {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	address := fs.String("address", "", "account to credit")
	amount := fs.String("amount", "", "amount in base units")
	fs.Parse(args)
	if *address == "" || *amount == "" {
		fmt.Fprintln(os.Stderr, "--address and --amount are required")
		return 1
	}
	return c.call("account_mint", map[string]string{"address": *address, "amount": *amount})
}

func (c *cli) runEvents(args []string) int {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	after := fs.Int64("after", 0, "only events with a greater sequence")
	limit := fs.Int("limit", 0, "maximum number of events to return")
	fs.Parse(args)
	return c.call("host_events", map[string]interface{}{"afterSequence": *after, "limit": *limit})
}

// runToken signs a development bearer token for the given account.
func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("ESCROW_JWT_SECRET"), "HS256 signing secret")
	subject := fs.String("subject", "", "account the token acts for")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	fs.Parse(args)
	if *secret == "" || *subject == "" {
		fmt.Fprintln(os.Stderr, "--secret and --subject are required")
		return 1
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   *subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		ID:        uuid.NewString(),
	})
	signed, err := token.SignedString([]byte(*secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		return 1
	}
	fmt.Println(signed)
	return 0
}

func (c *cli) call(method string, params interface{}) int {
	var list []interface{}
	if params != nil {
		list = []interface{}{params}
	}
	result, rpcErr, err := callRPC(c.rpcURL, c.auth, method, list)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	if err := printJSON(result); err != nil {
		fmt.Fprintf(os.Stderr, "print response: %v\n", err)
		return 1
	}
	return 0
}

func callRPC(rpcURL, authToken, method string, params []interface{}) (json.RawMessage, *rpcError, error) {
	if params == nil {
		params = []interface{}{}
	}
	reqBody := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: uuid.NewString()}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(authToken) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(authToken))
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error, nil
	}
	return rpcResp.Result, nil, nil
}

func printRPCError(err *rpcError) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "RPC error (%d): %s\n", err.Code, err.Message)
	if len(err.Data) > 0 && string(err.Data) != "null" {
		fmt.Fprintf(os.Stderr, "Details: %s\n", strings.TrimSpace(string(err.Data)))
	}
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}

func usage() string {
	return `escrowctl usage:
  escrowctl [--rpc URL] [--auth TOKEN] <command> [options]

Commands:
  create --seller S --buyer B --price P [--from A]   Deploy a new escrow through the factory
  deposit --id N --value V [--from A]                 Pay the escrow price as its buyer
  confirm --id N [--from A]                           Release the escrow to its seller
  registry                                            Show the factory registry
  escrow --id N                                       Show an escrow's committed state
  balance --address A                                 Show an account balance
  mailbox --address A                                 List messages delivered to an account
  mint --address A --amount X                         Credit an account (development only)
  events [--after N] [--limit N]                      Page through host events
  token --secret S --subject A [--ttl 1h]             Sign a development bearer token`
}
