package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/journal"
	"github.com/fortiblox/x1-custody/pkg/token"
)

var (
	testAuthority = types.Pubkey{0x0a}
	testMint      = types.Pubkey{0xaa}
	testTreasury  = types.Pubkey{0xbb}
	testOther     = types.Pubkey{0xcc}
)

type mockNodeStats struct {
	snap Snapshot
}

func (m *mockNodeStats) Snapshot() Snapshot { return m.snap }

func newTestDashboard(t *testing.T) (*Dashboard, *journal.BoltStore) {
	t.Helper()

	accts := accounts.NewMemoryDB()
	accts.SetAccount(testMint, token.NewMintRecord(6, 1000, nil))
	accts.SetAccount(testTreasury, token.NewAccountRecord(testMint, testAuthority, 750))
	accts.SetAccount(testOther, &accounts.Account{Lamports: 5, Data: []byte{1, 2, 3, 4}})

	cfg := journal.DefaultConfig(filepath.Join(t.TempDir(), "journal.db"))
	cfg.PruneEnabled = false
	j, err := journal.Open(cfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	code := uint32(6009)
	records := []*journal.Record{
		{Signature: types.Signature{1}, Slot: 1, Time: 1700000000, AccountKeys: []types.Pubkey{testAuthority, testTreasury}},
		{Signature: types.Signature{2}, Slot: 1, Time: 1700000001, AccountKeys: []types.Pubkey{testAuthority, testTreasury},
			Err: &journal.TransactionError{Code: &code, Name: "TransferRejected", Message: "custom program error: 0x1779"}},
		{Signature: types.Signature{3}, Slot: 2, Time: 1700000002, AccountKeys: []types.Pubkey{testOther}},
	}
	for _, rec := range records {
		if err := j.Put(rec); err != nil {
			t.Fatalf("put record: %v", err)
		}
	}

	balance := uint64(750)
	treasury := testTreasury
	stats := &mockNodeStats{snap: Snapshot{
		Slot:            1,
		AccountsCount:   3,
		IsRunning:       true,
		Uptime:          5 * time.Hour,
		TxsExecuted:     1,
		TxsFailed:       1,
		Authority:       testAuthority,
		Treasury:        &treasury,
		TreasuryBalance: &balance,
		Consistent:      true,
	}}

	dash, err := New(DefaultConfig(), accts, j, stats)
	if err != nil {
		t.Fatalf("Failed to create dashboard: %v", err)
	}
	return dash, j
}

func get(dash *Dashboard, path string) *http.Response {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	dash.Handler().ServeHTTP(w, req)
	return w.Result()
}

func TestDashboardNew(t *testing.T) {
	accts := accounts.NewMemoryDB()
	stats := &mockNodeStats{}

	dash, err := New(Config{}, accts, nil, stats)
	if err != nil {
		t.Fatalf("Failed to create dashboard with defaults: %v", err)
	}
	if dash.Address() != "127.0.0.1:8080" {
		t.Errorf("Expected default address 127.0.0.1:8080, got %s", dash.Address())
	}
	if dash.config.RecentClaims != 20 {
		t.Errorf("Expected 20 recent claims, got %d", dash.config.RecentClaims)
	}

	dash, err = New(Config{BindAddress: "0.0.0.0", Port: 9000}, accts, nil, stats)
	if err != nil {
		t.Fatalf("Failed to create dashboard with custom config: %v", err)
	}
	if dash.Address() != "0.0.0.0:9000" {
		t.Errorf("Expected address 0.0.0.0:9000, got %s", dash.Address())
	}

	if _, err := New(Config{}, accts, nil, nil); err == nil {
		t.Error("Expected an error without node stats")
	}
}

func TestAPIStatusEndpoint(t *testing.T) {
	dash, _ := newTestDashboard(t)

	resp := get(dash, "/api/status")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", resp.Header.Get("Content-Type"))
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.Authority != testAuthority.String() {
		t.Errorf("Expected authority %s, got %s", testAuthority, status.Authority)
	}
	if status.TreasuryBalance == nil || *status.TreasuryBalance != 750 {
		t.Errorf("Expected treasury balance 750, got %v", status.TreasuryBalance)
	}
	if !status.Consistent {
		t.Error("Expected consistent to be true")
	}
	if status.Uptime != "5h 0m" {
		t.Errorf("Expected uptime '5h 0m', got %q", status.Uptime)
	}
}

func TestAPIClaimsEndpoint(t *testing.T) {
	dash, _ := newTestDashboard(t)

	resp := get(dash, "/api/claims?limit=10")
	defer resp.Body.Close()

	var claims []ClaimBrief
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("Expected 2 claims touching the authority, got %d", len(claims))
	}

	var failed *ClaimBrief
	for i := range claims {
		if !claims[i].Success {
			failed = &claims[i]
		}
	}
	if failed == nil {
		t.Fatal("Expected one failed claim")
	}
	if failed.Code == nil || *failed.Code != 6009 {
		t.Errorf("Expected code 6009, got %v", failed.Code)
	}
	if failed.Error != "TransferRejected" {
		t.Errorf("Expected error name TransferRejected, got %q", failed.Error)
	}

	bad := get(dash, "/api/claims?limit=abc")
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a bad limit, got %d", bad.StatusCode)
	}
}

func TestAPIClaimsWithoutJournal(t *testing.T) {
	dash, err := New(DefaultConfig(), accounts.NewMemoryDB(), nil, &mockNodeStats{})
	if err != nil {
		t.Fatal(err)
	}
	resp := get(dash, "/api/claims")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestAPIAccountEndpoint(t *testing.T) {
	dash, _ := newTestDashboard(t)

	resp := get(dash, "/api/accounts/"+testTreasury.String())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", resp.StatusCode)
	}

	var account AccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if account.Owner != token.ProgramKey.String() {
		t.Errorf("Expected token program owner, got %s", account.Owner)
	}
	if account.Token == nil {
		t.Fatal("Expected decoded token state")
	}
	if account.Token.Amount != 750 || !account.Token.IsTreasury {
		t.Errorf("Unexpected token state: %+v", account.Token)
	}

	tests := []struct {
		name string
		path string
		code int
	}{
		{"plain account", "/api/accounts/" + testOther.String(), http.StatusOK},
		{"invalid pubkey", "/api/accounts/not-base58!", http.StatusBadRequest},
		{"missing account", "/api/accounts/" + types.Pubkey{0xee}.String(), http.StatusNotFound},
		{"empty key", "/api/accounts/", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(dash, tt.path)
			if resp.StatusCode != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, resp.StatusCode)
			}
		})
	}
}

func TestAPIMetricsEndpoint(t *testing.T) {
	dash, _ := newTestDashboard(t)

	resp := get(dash, "/api/metrics")
	defer resp.Body.Close()

	var metrics MetricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if metrics.NumCPU == 0 || metrics.GoVersion == "" {
		t.Error("Expected runtime metrics")
	}
	if metrics.AccountsCount != 3 {
		t.Errorf("Expected 3 accounts, got %d", metrics.AccountsCount)
	}
	if metrics.JournalRecords != 3 || metrics.JournalFailed != 1 {
		t.Errorf("Expected 3 records with 1 failed, got %d/%d", metrics.JournalRecords, metrics.JournalFailed)
	}
}

func TestHomePageHandler(t *testing.T) {
	dash, _ := newTestDashboard(t)

	resp := get(dash, "/")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("Expected HTML content type, got %s", resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	for _, want := range []string{"Custody Dashboard", testAuthority.String(), "750", "TransferRejected"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected home page to contain %q", want)
		}
	}

	if resp := get(dash, "/nope"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown page, got %d", resp.StatusCode)
	}
}

func TestAccountPageHandler(t *testing.T) {
	dash, _ := newTestDashboard(t)

	resp := get(dash, "/accounts/?pubkey="+testTreasury.String())
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status OK, got %d", resp.StatusCode)
	}

	resp = get(dash, "/accounts/"+types.Pubkey{0xee}.String())
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	dash, _ := newTestDashboard(t)

	for _, path := range []string{"/api/status", "/api/claims", "/api/metrics", "/api/accounts/x"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		dash.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected status 405, got %d", path, w.Code)
		}
	}
}

func TestTemplateHelpers(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5*time.Minute + 30*time.Second, "5m 30s"},
		{2*time.Hour + 30*time.Minute, "2h 30m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}

	if got := truncateHash("abcdefghijklmnopqrstuvwxyz", 4); got != "abcd...wxyz" {
		t.Errorf("truncateHash = %q", got)
	}
	if got := formatTime(0); got != "N/A" {
		t.Errorf("formatTime(0) = %q", got)
	}
}
