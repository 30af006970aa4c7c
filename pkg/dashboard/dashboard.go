// Package dashboard provides an embedded web dashboard for monitoring a
// custody node.
//
// The dashboard provides:
// - Node status and the startup consistency verdict
// - The treasury authority and balance
// - Recent claims from the journal
// - Token account lookup by public key
//
// Pages are rendered from templates compiled into the binary.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/journal"
)

// Config holds dashboard configuration options.
type Config struct {
	// BindAddress is the address to bind the HTTP server to.
	// Default: "127.0.0.1"
	BindAddress string

	// Port is the port to listen on.
	// Default: 8080
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RecentClaims is the number of journal entries on the overview page.
	RecentClaims int
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		RecentClaims: 20,
	}
}

// Snapshot is a point-in-time view of the node.
type Snapshot struct {
	Slot          uint64
	AccountsCount uint64
	IsRunning     bool
	Uptime        time.Duration
	TxsExecuted   uint64
	TxsFailed     uint64

	Authority       types.Pubkey
	Treasury        *types.Pubkey
	TreasuryBalance *uint64
	Consistent      bool

	LastError error
}

// NodeStats provides node statistics to the dashboard.
type NodeStats interface {
	Snapshot() Snapshot
}

// Dashboard is the web dashboard server.
type Dashboard struct {
	config   Config
	server   *http.Server
	accounts accounts.DB
	journal  journal.Store
	stats    NodeStats

	templates *template.Template
	mux       *http.ServeMux

	mu      sync.RWMutex
	running bool
}

// New creates a new dashboard server. The journal may be nil.
func New(config Config, accts accounts.DB, j journal.Store, stats NodeStats) (*Dashboard, error) {
	def := DefaultConfig()
	if config.BindAddress == "" {
		config.BindAddress = def.BindAddress
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.RecentClaims <= 0 {
		config.RecentClaims = def.RecentClaims
	}
	if stats == nil {
		return nil, errors.New("dashboard needs node stats")
	}

	d := &Dashboard{
		config:   config,
		accounts: accts,
		journal:  j,
		stats:    stats,
	}

	tmpl, err := d.parseTemplates()
	if err != nil {
		return nil, errors.Wrap(err, "parse templates")
	}
	d.templates = tmpl

	d.mux = http.NewServeMux()
	d.mux.HandleFunc("/", d.handleHome)
	d.mux.HandleFunc("/accounts/", d.handleAccountDetail)
	d.mux.HandleFunc("/api/status", d.handleAPIStatus)
	d.mux.HandleFunc("/api/claims", d.handleAPIClaims)
	d.mux.HandleFunc("/api/accounts/", d.handleAPIAccount)
	d.mux.HandleFunc("/api/metrics", d.handleAPIMetrics)

	return d, nil
}

func (d *Dashboard) parseTemplates() (*template.Template, error) {
	funcMap := template.FuncMap{
		"formatDuration": formatDuration,
		"formatTime":     formatTime,
		"truncateHash":   truncateHash,
	}

	tmpl := template.New("").Funcs(funcMap)
	if _, err := tmpl.New("layout").Parse(layoutTemplate); err != nil {
		return nil, errors.Wrap(err, "parse layout")
	}

	templates := map[string]string{
		"home":    homeTemplate,
		"account": accountDetailTemplate,
	}
	for name, content := range templates {
		if _, err := tmpl.New(name).Parse(content); err != nil {
			return nil, errors.Wrapf(err, "parse %s template", name)
		}
	}
	return tmpl, nil
}

// Handler returns the dashboard's HTTP handler.
func (d *Dashboard) Handler() http.Handler {
	return d.mux
}

// Start serves the dashboard until ctx is done or Stop is called.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("dashboard already running")
	}
	d.running = true
	d.server = &http.Server{
		Addr:         d.Address(),
		Handler:      d.mux,
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	server := d.server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	server := d.server
	d.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
	return nil
}

// Address returns the address the dashboard listens on.
func (d *Dashboard) Address() string {
	return fmt.Sprintf("%s:%d", d.config.BindAddress, d.config.Port)
}

// homeData is rendered by the overview page.
type homeData struct {
	Status StatusResponse
	Claims []ClaimBrief
}

type accountPage struct {
	Pubkey  string
	Error   string
	Account *AccountResponse
}

func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	claims, _ := d.recentClaims(d.config.RecentClaims)
	d.renderPage(w, http.StatusOK, "home", homeData{
		Status: d.status(),
		Claims: claims,
	})
}

func (d *Dashboard) handleAccountDetail(w http.ResponseWriter, r *http.Request) {
	// The lookup form submits ?pubkey=.
	key := strings.TrimPrefix(r.URL.Path, "/accounts/")
	if key == "" {
		key = r.URL.Query().Get("pubkey")
	}

	resp, err := d.lookupAccount(key)
	if err != nil {
		d.renderPage(w, http.StatusNotFound, "account", accountPage{Pubkey: key, Error: err.Error()})
		return
	}
	d.renderPage(w, http.StatusOK, "account", accountPage{Pubkey: resp.Pubkey, Account: resp})
}

// renderPage renders a page template inside the layout.
func (d *Dashboard) renderPage(w http.ResponseWriter, code int, name string, data interface{}) {
	var contentBuf strings.Builder
	if err := d.templates.ExecuteTemplate(&contentBuf, name, data); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	var page strings.Builder
	pageData := map[string]interface{}{
		"PageName": name,
		"Content":  template.HTML(contentBuf.String()),
	}
	if err := d.templates.ExecuteTemplate(&page, "layout", pageData); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(page.String()))
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

func formatTime(t int64) string {
	if t == 0 {
		return "N/A"
	}
	return time.Unix(t, 0).UTC().Format("2006-01-02 15:04:05 UTC")
}

func truncateHash(s string, n int) string {
	if len(s) <= n*2+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}
