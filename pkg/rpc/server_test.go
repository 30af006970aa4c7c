package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mr-tron/base58"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/journal"
	"github.com/fortiblox/x1-custody/pkg/runtime"
	"github.com/fortiblox/x1-custody/pkg/svm/programs/claim"
	"github.com/fortiblox/x1-custody/pkg/token"
)

type testNode struct {
	server      *Server
	db          *accounts.MemoryDB
	journal     *journal.BoltStore
	cfg         claim.Config
	requester   *types.Keypair
	mint        types.Pubkey
	treasury    types.Pubkey
	destination types.Pubkey
}

// newTestNode creates a server over an in-memory ledger holding a funded
// treasury, with a journal in a temp dir.
func newTestNode(t *testing.T, withJournal bool) *testNode {
	t.Helper()

	requester, err := types.KeypairFromSeed(bytes.Repeat([]byte{5}, 32))
	if err != nil {
		t.Fatalf("Failed to create keypair: %v", err)
	}

	n := &testNode{
		db:          accounts.NewMemoryDB(),
		requester:   requester,
		mint:        types.Pubkey{0xaa},
		treasury:    types.Pubkey{0xbb},
		destination: types.Pubkey{0xcc},
		cfg: claim.Config{
			ProgramID:      types.Pubkey{0x42},
			SeedLabel:      []byte("treasury"),
			Encoding:       claim.EncodingFixed,
			Layout:         claim.LayoutMinimal,
			TokenProgramID: token.ProgramKey,
			CheckMint:      true,
		},
	}

	auth, err := n.cfg.Authority()
	if err != nil {
		t.Fatalf("Failed to derive authority: %v", err)
	}
	n.db.SetAccount(n.mint, token.NewMintRecord(6, 1_500_000, nil))
	n.db.SetAccount(n.treasury, token.NewAccountRecord(n.mint, auth.Address, 1_500_000))
	n.db.SetAccount(n.destination, token.NewAccountRecord(n.mint, requester.Public, 0))
	n.db.SetAccount(requester.Public, &accounts.Account{Lamports: 1_000_000_000, Owner: types.SystemProgramAddr})

	program, err := claim.NewProgram(n.cfg)
	if err != nil {
		t.Fatalf("Failed to create program: %v", err)
	}

	rtConfig := runtime.DefaultConfig()
	var store journal.Store
	if withJournal {
		jc := journal.DefaultConfig(filepath.Join(t.TempDir(), "journal.db"))
		jc.PruneEnabled = false
		n.journal, err = journal.Open(jc)
		if err != nil {
			t.Fatalf("Failed to open journal: %v", err)
		}
		t.Cleanup(func() { n.journal.Close() })
		rtConfig.OnTransactionComplete = journal.NewRecorder(n.journal, nil).Record
		store = n.journal
	}

	rt := runtime.New(n.db, rtConfig, nil)
	rt.Register(token.ProgramKey, token.NewProcessor())
	rt.Register(n.cfg.ProgramID, program)

	config := DefaultConfig()
	config.Addr = ":0"
	config.Version = "test"
	n.server = New(config, rt, store, n.cfg, nil)
	return n
}

// claimTx builds a claim transaction, signed unless unsigned is set.
func (n *testNode) claimTx(t *testing.T, amount uint64, blockhash byte, unsigned bool) string {
	t.Helper()

	ix, err := claim.NewClaimInstruction(&n.cfg, claim.ClaimAccounts{
		Requester:   n.requester.Public,
		Destination: n.destination,
		Treasury:    n.treasury,
	}, amount)
	if err != nil {
		t.Fatalf("Failed to build instruction: %v", err)
	}
	tx, err := runtime.NewTransaction(n.requester.Public, types.Hash{blockhash}, ix)
	if err != nil {
		t.Fatalf("Failed to build transaction: %v", err)
	}
	if !unsigned {
		if err := tx.Sign(n.requester); err != nil {
			t.Fatalf("Failed to sign: %v", err)
		}
	}
	return base58.Encode(tx.Serialize())
}

func (n *testNode) tokenBalance(t *testing.T, addr types.Pubkey) uint64 {
	t.Helper()
	acct, err := token.GetAccount(n.db, addr)
	if err != nil {
		t.Fatalf("Failed to load token account: %v", err)
	}
	return acct.Amount
}

// Helper function to make an RPC request.
func makeRPCRequest(t *testing.T, server *Server, method string, params interface{}) *Response {
	t.Helper()

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("Failed to marshal params: %v", err)
		}
	}

	body, err := json.Marshal(Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
		Params:  paramsRaw,
	})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httpReq)

	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return &resp
}

func resultMap(t *testing.T, resp *Response) map[string]interface{} {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	m, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map result, got: %T", resp.Result)
	}
	return m
}

// customCode digs the custom code out of {"InstructionError": [i, {"Custom": n}]}.
func customCode(t *testing.T, errJSON interface{}) float64 {
	t.Helper()
	m, ok := errJSON.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected error object, got: %v", errJSON)
	}
	pair, ok := m["InstructionError"].([]interface{})
	if !ok || len(pair) != 2 {
		t.Fatalf("Expected InstructionError pair, got: %v", m)
	}
	custom, ok := pair[1].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected custom error, got: %v", pair[1])
	}
	return custom["Custom"].(float64)
}

func TestGetHealth(t *testing.T) {
	n := newTestNode(t, false)

	resp := makeRPCRequest(t, n.server, "getHealth", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	if resp.Result != "ok" {
		t.Errorf("Expected 'ok', got: %v", resp.Result)
	}

	n.server.SetHealthy(false)
	resp = makeRPCRequest(t, n.server, "getHealth", nil)
	if resp.Error == nil || resp.Error.Code != NodeUnhealthy {
		t.Errorf("Expected unhealthy error, got: %v", resp.Error)
	}
}

func TestGetVersion(t *testing.T) {
	n := newTestNode(t, false)

	result := resultMap(t, makeRPCRequest(t, n.server, "getVersion", nil))
	if result["solana-core"] != "test" {
		t.Errorf("Expected version 'test', got: %v", result["solana-core"])
	}
}

func TestGetBalance(t *testing.T) {
	n := newTestNode(t, false)

	result := resultMap(t, makeRPCRequest(t, n.server, "getBalance", []interface{}{n.requester.Public.String()}))
	if result["value"].(float64) != 1_000_000_000 {
		t.Errorf("Expected balance 1000000000, got: %v", result["value"])
	}

	result = resultMap(t, makeRPCRequest(t, n.server, "getBalance", []interface{}{types.Pubkey{9}.String()}))
	if result["value"].(float64) != 0 {
		t.Errorf("Expected balance 0 for missing account, got: %v", result["value"])
	}

	resp := makeRPCRequest(t, n.server, "getBalance", []interface{}{"not-a-key"})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("Expected invalid params, got: %v", resp.Error)
	}
}

func TestGetAccountInfo(t *testing.T) {
	n := newTestNode(t, false)

	result := resultMap(t, makeRPCRequest(t, n.server, "getAccountInfo", []interface{}{
		n.treasury.String(),
		map[string]interface{}{"encoding": "base64"},
	}))
	value := result["value"].(map[string]interface{})
	if value["owner"] != token.ProgramKey.String() {
		t.Errorf("Expected token program owner, got: %v", value["owner"])
	}
	if value["space"].(float64) != token.AccountSize {
		t.Errorf("Expected space %d, got: %v", token.AccountSize, value["space"])
	}

	data := value["data"].([]interface{})
	raw, err := base64.StdEncoding.DecodeString(data[0].(string))
	if err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	var state token.Account
	if !state.Unmarshal(raw) || state.Amount != 1_500_000 {
		t.Errorf("Unexpected token state: %+v", state)
	}

	result = resultMap(t, makeRPCRequest(t, n.server, "getAccountInfo", []interface{}{
		n.treasury.String(),
		map[string]interface{}{"encoding": "base64+zstd"},
	}))
	data = result["value"].(map[string]interface{})["data"].([]interface{})
	decoded, err := DecodeAccountData(data[0].(string), EncodingBase64Zstd)
	if err != nil || !bytes.Equal(decoded, raw) {
		t.Errorf("zstd data did not round trip: %v", err)
	}

	result = resultMap(t, makeRPCRequest(t, n.server, "getAccountInfo", []interface{}{types.Pubkey{9}.String()}))
	if result["value"] != nil {
		t.Errorf("Expected null value for missing account, got: %v", result["value"])
	}
}

func TestGetTokenAccountBalance(t *testing.T) {
	n := newTestNode(t, false)

	result := resultMap(t, makeRPCRequest(t, n.server, "getTokenAccountBalance", []interface{}{n.treasury.String()}))
	value := result["value"].(map[string]interface{})
	if value["amount"] != "1500000" {
		t.Errorf("Expected amount 1500000, got: %v", value["amount"])
	}
	if value["uiAmountString"] != "1.5" {
		t.Errorf("Expected uiAmountString 1.5, got: %v", value["uiAmountString"])
	}
	if value["decimals"].(float64) != 6 {
		t.Errorf("Expected 6 decimals, got: %v", value["decimals"])
	}

	resp := makeRPCRequest(t, n.server, "getTokenAccountBalance", []interface{}{n.requester.Public.String()})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("Expected invalid params for a system account, got: %v", resp.Error)
	}
}

func TestGetClaimAuthority(t *testing.T) {
	n := newTestNode(t, false)
	auth, _ := n.cfg.Authority()

	result := resultMap(t, makeRPCRequest(t, n.server, "getClaimAuthority", nil))
	if result["address"] != auth.Address.String() {
		t.Errorf("Expected authority %s, got: %v", auth.Address, result["address"])
	}
	if uint8(result["bump"].(float64)) != auth.Bump {
		t.Errorf("Expected bump %d, got: %v", auth.Bump, result["bump"])
	}
	if result["seed"] != "treasury" || result["layout"] != "minimal" {
		t.Errorf("Unexpected deployment description: %v", result)
	}
}

func TestSendTransaction(t *testing.T) {
	n := newTestNode(t, true)

	encoded := n.claimTx(t, 250_000, 1, false)
	resp := makeRPCRequest(t, n.server, "sendTransaction", []interface{}{encoded})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	sig := resp.Result.(string)

	if got := n.tokenBalance(t, n.destination); got != 250_000 {
		t.Errorf("Expected destination balance 250000, got: %d", got)
	}

	slot := makeRPCRequest(t, n.server, "getSlot", nil)
	if slot.Result.(float64) != 1 {
		t.Errorf("Expected slot 1, got: %v", slot.Result)
	}

	txResult := resultMap(t, makeRPCRequest(t, n.server, "getTransaction", []interface{}{sig}))
	meta := txResult["meta"].(map[string]interface{})
	if meta["err"] != nil {
		t.Errorf("Expected no error in meta, got: %v", meta["err"])
	}
	logs := meta["logMessages"].([]interface{})
	want := "Program log: Transferred 250000 tokens to " + n.destination.String()
	found := false
	for _, l := range logs {
		if l == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected log %q in %v", want, logs)
	}
	wire := txResult["transaction"].([]interface{})
	if wire[1] != "base64" {
		t.Errorf("Expected base64 transaction, got: %v", wire[1])
	}

	statuses := resultMap(t, makeRPCRequest(t, n.server, "getSignatureStatuses", []interface{}{
		[]string{sig, types.Signature{1}.String()},
	}))
	values := statuses["value"].([]interface{})
	if values[0] == nil || values[1] != nil {
		t.Fatalf("Unexpected statuses: %v", values)
	}
	if values[0].(map[string]interface{})["slot"].(float64) != 1 {
		t.Errorf("Expected status slot 1, got: %v", values[0])
	}

	history := makeRPCRequest(t, n.server, "getSignaturesForAddress", []interface{}{n.treasury.String()})
	entries, ok := history.Result.([]interface{})
	if !ok || len(entries) != 1 {
		t.Fatalf("Expected one history entry, got: %v", history.Result)
	}
	if entries[0].(map[string]interface{})["signature"] != sig {
		t.Errorf("Expected signature %s in history, got: %v", sig, entries[0])
	}

	again := makeRPCRequest(t, n.server, "sendTransaction", []interface{}{encoded})
	if again.Error == nil || !strings.Contains(again.Error.Message, "already been processed") {
		t.Errorf("Expected already processed error, got: %v", again.Error)
	}
}

func TestSendTransactionResubmitWithoutJournal(t *testing.T) {
	n := newTestNode(t, false)
	encoded := n.claimTx(t, 100, 9, false)

	first := makeRPCRequest(t, n.server, "sendTransaction", []interface{}{encoded})
	if first.Error != nil {
		t.Fatalf("Unexpected error: %v", first.Error)
	}

	for _, params := range [][]interface{}{
		{encoded},
		{encoded, map[string]interface{}{"skipPreflight": true}},
	} {
		again := makeRPCRequest(t, n.server, "sendTransaction", params)
		if again.Error == nil || !strings.Contains(again.Error.Message, "already been processed") {
			t.Errorf("Expected already processed error, got: %v", again.Error)
		}
	}

	if got := n.tokenBalance(t, n.treasury); got != 1_500_000-100 {
		t.Errorf("Expected treasury debited once, got %d", got)
	}
	if got := n.tokenBalance(t, n.destination); got != 100 {
		t.Errorf("Expected destination credited once, got %d", got)
	}
}

func TestSendTransactionPreflightFailure(t *testing.T) {
	n := newTestNode(t, true)

	resp := makeRPCRequest(t, n.server, "sendTransaction", []interface{}{n.claimTx(t, 2_000_000, 1, false)})
	if resp.Error == nil || resp.Error.Code != SendTransactionPreflightFailure {
		t.Fatalf("Expected preflight failure, got: %v", resp.Error)
	}
	data := resp.Error.Data.(map[string]interface{})
	if code := customCode(t, data["err"]); code != 6009 {
		t.Errorf("Expected custom code 6009, got: %v", code)
	}

	if got := n.tokenBalance(t, n.treasury); got != 1_500_000 {
		t.Errorf("Expected untouched treasury, got: %d", got)
	}
	stats, _ := n.journal.GetStats()
	if stats.Records != 0 {
		t.Errorf("Expected nothing journaled after preflight failure, got: %d", stats.Records)
	}
}

func TestSendTransactionSkipPreflight(t *testing.T) {
	n := newTestNode(t, true)

	resp := makeRPCRequest(t, n.server, "sendTransaction", []interface{}{
		n.claimTx(t, 2_000_000, 1, false),
		map[string]interface{}{"skipPreflight": true},
	})
	if resp.Error != nil {
		t.Fatalf("Expected signature, got: %v", resp.Error)
	}

	statuses := resultMap(t, makeRPCRequest(t, n.server, "getSignatureStatuses", []interface{}{
		[]string{resp.Result.(string)},
	}))
	status := statuses["value"].([]interface{})[0].(map[string]interface{})
	if code := customCode(t, status["err"]); code != 6009 {
		t.Errorf("Expected custom code 6009, got: %v", code)
	}
	if got := n.tokenBalance(t, n.treasury); got != 1_500_000 {
		t.Errorf("Expected untouched treasury, got: %d", got)
	}
}

func TestSendTransactionBadSignature(t *testing.T) {
	n := newTestNode(t, true)

	resp := makeRPCRequest(t, n.server, "sendTransaction", []interface{}{n.claimTx(t, 10, 1, true)})
	if resp.Error == nil || resp.Error.Code != TransactionSignatureVerificationFailure {
		t.Errorf("Expected signature verification failure, got: %v", resp.Error)
	}

	resp = makeRPCRequest(t, n.server, "sendTransaction", []interface{}{"%%%"})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("Expected invalid params for garbage, got: %v", resp.Error)
	}
}

func TestSimulateTransaction(t *testing.T) {
	n := newTestNode(t, true)

	// Unsigned transactions simulate when signatures are not verified.
	encoded := n.claimTx(t, 100, 1, true)
	result := resultMap(t, makeRPCRequest(t, n.server, "simulateTransaction", []interface{}{encoded}))
	value := result["value"].(map[string]interface{})
	if value["err"] != nil {
		t.Fatalf("Expected successful simulation, got: %v", value["err"])
	}
	if value["unitsConsumed"].(float64) == 0 {
		t.Error("Expected compute units to be reported")
	}
	if mod := value["modifiedAccounts"].([]interface{}); len(mod) != 2 {
		t.Errorf("Expected two modified accounts, got: %v", mod)
	}

	raw, _ := base58.Decode(encoded)
	tx, _ := runtime.DeserializeTransaction(raw)
	if value["id"] != tx.Message.Hash().String() {
		t.Errorf("Expected message hash id, got: %v", value["id"])
	}

	if got := n.tokenBalance(t, n.destination); got != 0 {
		t.Errorf("Simulation must not commit, destination has %d", got)
	}

	resp := makeRPCRequest(t, n.server, "simulateTransaction", []interface{}{
		encoded,
		map[string]interface{}{"sigVerify": true},
	})
	if resp.Error == nil || resp.Error.Code != TransactionSignatureVerificationFailure {
		t.Errorf("Expected signature failure with sigVerify, got: %v", resp.Error)
	}

	b64 := base64.StdEncoding.EncodeToString(raw)
	result = resultMap(t, makeRPCRequest(t, n.server, "simulateTransaction", []interface{}{
		b64,
		map[string]interface{}{"encoding": "base64"},
	}))
	if result["value"].(map[string]interface{})["err"] != nil {
		t.Error("Expected base64 submission to simulate")
	}
}

func TestHistoryUnavailableWithoutJournal(t *testing.T) {
	n := newTestNode(t, false)

	for _, method := range []string{"getTransaction", "getSignatureStatuses", "getSignaturesForAddress"} {
		resp := makeRPCRequest(t, n.server, method, []interface{}{types.Signature{1}.String()})
		if resp.Error == nil || resp.Error.Code != TransactionHistoryNotAvailable {
			t.Errorf("%s: expected history unavailable, got: %v", method, resp.Error)
		}
	}
}

func TestMethodNotFound(t *testing.T) {
	n := newTestNode(t, false)

	resp := makeRPCRequest(t, n.server, "getBlock", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("Expected method not found, got: %v", resp.Error)
	}
}

func TestBatchRequest(t *testing.T) {
	n := newTestNode(t, false)

	body := `[{"jsonrpc":"2.0","id":1,"method":"getHealth"},{"jsonrpc":"1.0","id":2,"method":"getSlot"},{"jsonrpc":"2.0","id":3,"method":"getSlot"}]`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rr := httptest.NewRecorder()
	n.server.Handler().ServeHTTP(rr, req)

	var responses []Response
	if err := json.Unmarshal(rr.Body.Bytes(), &responses); err != nil {
		t.Fatalf("Failed to unmarshal batch: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("Expected 3 responses, got %d", len(responses))
	}
	if responses[0].Result != "ok" {
		t.Errorf("Expected ok, got: %v", responses[0].Result)
	}
	if responses[1].Error == nil || responses[1].Error.Code != InvalidRequest {
		t.Errorf("Expected invalid request, got: %v", responses[1].Error)
	}
	if responses[2].Error != nil {
		t.Errorf("Expected slot, got error: %v", responses[2].Error)
	}
}

func TestHTTPMethodAndCORS(t *testing.T) {
	n := newTestNode(t, false)

	rr := httptest.NewRecorder()
	n.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://example.org")
	rr = httptest.NewRecorder()
	n.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://example.org" {
		t.Errorf("Expected CORS header, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestUITokenAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{1_500_000, 6, "1.5"},
		{5, 6, "0.000005"},
		{1_000_000, 6, "1"},
		{42, 0, "42"},
		{0, 9, "0"},
	}
	for _, tt := range tests {
		got := NewUITokenAmount(tt.amount, tt.decimals)
		if got.UIAmountString != tt.want {
			t.Errorf("NewUITokenAmount(%d, %d) = %q, want %q", tt.amount, tt.decimals, got.UIAmountString, tt.want)
		}
	}
}
