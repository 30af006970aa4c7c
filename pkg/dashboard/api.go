package dashboard

import (
	"encoding/hex"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/journal"
	"github.com/fortiblox/x1-custody/pkg/token"
)

// maxClaimsLimit caps /api/claims.
const maxClaimsLimit = 1000

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Slot            uint64  `json:"slot"`
	AccountsCount   uint64  `json:"accountsCount"`
	IsRunning       bool    `json:"isRunning"`
	Uptime          string  `json:"uptime"`
	UptimeSeconds   float64 `json:"uptimeSeconds"`
	TxsExecuted     uint64  `json:"txsExecuted"`
	TxsFailed       uint64  `json:"txsFailed"`
	Authority       string  `json:"authority"`
	Treasury        string  `json:"treasury,omitempty"`
	TreasuryBalance *uint64 `json:"treasuryBalance,omitempty"`
	Consistent      bool    `json:"consistent"`
	LastError       string  `json:"lastError,omitempty"`
}

// ClaimBrief is one journaled transaction touching the authority.
type ClaimBrief struct {
	Signature string  `json:"signature"`
	Slot      uint64  `json:"slot"`
	Success   bool    `json:"success"`
	Code      *uint32 `json:"code,omitempty"`
	Error     string  `json:"error,omitempty"`
	Time      int64   `json:"time"`
}

// AccountResponse is the response for GET /api/accounts/:pubkey.
type AccountResponse struct {
	Pubkey     string `json:"pubkey"`
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Executable bool   `json:"executable"`
	DataLen    int    `json:"dataLen"`
	DataHex    string `json:"dataHex,omitempty"` // first 256 bytes

	Token *TokenAccountResponse `json:"token,omitempty"`
}

// TokenAccountResponse is the decoded state of a token account.
type TokenAccountResponse struct {
	Mint   string `json:"mint"`
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"`
	State  string `json:"state"`

	// IsTreasury is set when the account is owned by the authority.
	IsTreasury bool `json:"isTreasury"`
}

// MetricsResponse is the response for GET /api/metrics.
type MetricsResponse struct {
	MemAlloc     uint64 `json:"memAlloc"`
	MemSys       uint64 `json:"memSys"`
	MemHeapInuse uint64 `json:"memHeapInuse"`
	NumGC        uint32 `json:"numGC"`
	NumGoroutine int    `json:"numGoroutine"`
	NumCPU       int    `json:"numCPU"`
	GoVersion    string `json:"goVersion"`

	AccountsCount  uint64 `json:"accountsCount"`
	JournalRecords uint64 `json:"journalRecords"`
	JournalFailed  uint64 `json:"journalFailed"`
	JournalSize    int64  `json:"journalSize"`
}

var (
	errNoJournal       = errors.New("journal disabled")
	errInvalidPubkey   = errors.New("invalid public key")
	errAccountNotFound = errors.New("account not found")
)

func (d *Dashboard) status() StatusResponse {
	s := d.stats.Snapshot()
	resp := StatusResponse{
		Slot:            s.Slot,
		AccountsCount:   s.AccountsCount,
		IsRunning:       s.IsRunning,
		Uptime:          formatDuration(s.Uptime),
		UptimeSeconds:   s.Uptime.Seconds(),
		TxsExecuted:     s.TxsExecuted,
		TxsFailed:       s.TxsFailed,
		Authority:       s.Authority.String(),
		TreasuryBalance: s.TreasuryBalance,
		Consistent:      s.Consistent,
	}
	if s.Treasury != nil {
		resp.Treasury = s.Treasury.String()
	}
	if s.LastError != nil {
		resp.LastError = s.LastError.Error()
	}
	return resp
}

// recentClaims lists the newest journal entries that involve the
// authority.
func (d *Dashboard) recentClaims(limit int) ([]ClaimBrief, error) {
	if d.journal == nil {
		return nil, errNoJournal
	}
	infos, err := d.journal.GetSignaturesForAddress(d.stats.Snapshot().Authority, &journal.SignatureQueryOptions{Limit: limit})
	if err != nil {
		return nil, err
	}

	claims := make([]ClaimBrief, 0, len(infos))
	for _, info := range infos {
		c := ClaimBrief{
			Signature: info.Signature.String(),
			Slot:      info.Slot,
			Success:   info.Err == nil,
			Time:      info.Time,
		}
		if info.Err != nil {
			c.Code = info.Err.Code
			c.Error = info.Err.Message
			if info.Err.Name != "" {
				c.Error = info.Err.Name
			}
		}
		claims = append(claims, c)
	}
	return claims, nil
}

func (d *Dashboard) lookupAccount(key string) (*AccountResponse, error) {
	pubkey, err := types.PubkeyFromBase58(key)
	if err != nil {
		return nil, errInvalidPubkey
	}
	acct, err := d.accounts.GetAccount(pubkey)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil, errAccountNotFound
		}
		return nil, err
	}

	resp := &AccountResponse{
		Pubkey:     pubkey.String(),
		Lamports:   acct.Lamports,
		Owner:      acct.Owner.String(),
		Executable: acct.Executable,
		DataLen:    len(acct.Data),
	}
	if len(acct.Data) > 0 {
		preview := acct.Data
		if len(preview) > 256 {
			preview = preview[:256]
		}
		resp.DataHex = hex.EncodeToString(preview)
	}
	if ta, err := token.GetAccount(d.accounts, pubkey); err == nil {
		resp.Token = &TokenAccountResponse{
			Mint:       ta.Mint.String(),
			Owner:      ta.Owner.String(),
			Amount:     ta.Amount,
			State:      ta.State.String(),
			IsTreasury: ta.Owner == d.stats.Snapshot().Authority,
		}
	}
	return resp, nil
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, d.status())
}

// handleAPIClaims handles GET /api/claims?limit=N.
func (d *Dashboard) handleAPIClaims(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := d.config.RecentClaims
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxClaimsLimit {
			n = maxClaimsLimit
		}
		limit = n
	}

	claims, err := d.recentClaims(limit)
	switch {
	case errors.Is(err, errNoJournal):
		writeError(w, "Journal disabled", http.StatusNotFound)
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, claims)
	}
}

// handleAPIAccount handles GET /api/accounts/:pubkey.
func (d *Dashboard) handleAPIAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/api/accounts/")
	if key == "" {
		writeError(w, "Missing public key", http.StatusBadRequest)
		return
	}
	resp, err := d.lookupAccount(key)
	if err != nil {
		switch {
		case errors.Is(err, errInvalidPubkey):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, errAccountNotFound):
			writeError(w, err.Error(), http.StatusNotFound)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, resp)
}

// handleAPIMetrics handles GET /api/metrics.
func (d *Dashboard) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := MetricsResponse{
		MemAlloc:     memStats.Alloc,
		MemSys:       memStats.Sys,
		MemHeapInuse: memStats.HeapInuse,
		NumGC:        memStats.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}
	if count, err := d.accounts.AccountsCount(); err == nil {
		resp.AccountsCount = count
	}
	if d.journal != nil {
		if stats, err := d.journal.GetStats(); err == nil {
			resp.JournalRecords = stats.Records
			resp.JournalFailed = stats.Failed
			resp.JournalSize = stats.DatabaseSize
		}
	}
	writeJSON(w, resp)
}
