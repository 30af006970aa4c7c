// Package node provides the orchestrator for a custody node.
//
// The Node ties together all components:
// - AccountsDB holding the ledger (token accounts, mints, treasury)
// - Runtime hosting the token program and the claim program
// - Journal recording every executed transaction
// - JSON-RPC and gRPC front ends
// - An optional status dashboard
//
// The node manages the lifecycle of these components and checks at startup
// that the deployment constants agree with the ledger.
package node

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/fortiblox/x1-custody/internal/config"
	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/claimgrpc"
	"github.com/fortiblox/x1-custody/pkg/dashboard"
	"github.com/fortiblox/x1-custody/pkg/journal"
	"github.com/fortiblox/x1-custody/pkg/rpc"
	"github.com/fortiblox/x1-custody/pkg/runtime"
	"github.com/fortiblox/x1-custody/pkg/svm/programs/claim"
	"github.com/fortiblox/x1-custody/pkg/token"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrNotOpen        = errors.New("node storage is not open")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")
	ErrInconsistent   = errors.New("deployment is inconsistent with the ledger")
)

// Config holds node configuration.
type Config struct {
	// Claim holds the deployment constants of the hosted claim program.
	Claim claim.Config

	// LedgerPath is the badger directory of the accounts database.
	LedgerPath string

	// LedgerInMemory keeps the ledger in memory. Nothing is persisted.
	LedgerInMemory bool

	// LedgerSyncWrites fsyncs every commit.
	LedgerSyncWrites bool

	// JournalEnabled records executed transactions.
	JournalEnabled bool

	// JournalPath is the bbolt file of the journal.
	JournalPath string

	// JournalRetainRecords bounds the journal when pruning.
	JournalRetainRecords uint64

	// JournalPruneInterval is how often the journal is pruned. Zero disables
	// pruning.
	JournalPruneInterval time.Duration

	// SnapshotPath is loaded into an empty ledger at startup when set.
	SnapshotPath string

	// StrictConsistency refuses to start when the consistency check finds a
	// mismatch. Findings are logged either way.
	StrictConsistency bool

	// RPCEnabled enables the JSON-RPC server.
	RPCEnabled bool
	RPC        rpc.Config

	// GRPCEnabled enables the Claim gRPC service on GRPCAddr.
	GRPCEnabled bool
	GRPCAddr    string

	// DashboardEnabled serves the status dashboard.
	DashboardEnabled bool
	Dashboard        dashboard.Config

	// OnError is called with errors of background servers.
	OnError func(err error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LedgerPath:           "./data/ledger",
		LedgerSyncWrites:     true,
		JournalEnabled:       true,
		JournalPath:          "./data/journal.db",
		JournalRetainRecords: journal.DefaultRetainRecords,
		JournalPruneInterval: 10 * time.Minute,
		StrictConsistency:    true,
		RPCEnabled:           true,
		RPC:                  rpc.DefaultConfig(),
		GRPCAddr:             ":8900",
		Dashboard:            dashboard.DefaultConfig(),
	}
}

// FromConfig maps the loaded configuration onto node settings.
func FromConfig(c config.Config, version string) (Config, error) {
	claimCfg, err := c.Deployment.ClaimConfig()
	if err != nil {
		return Config{}, errors.Wrap(ErrConfigInvalid, err.Error())
	}

	nc := DefaultConfig()
	nc.Claim = claimCfg
	nc.LedgerPath = c.Ledger.Path
	nc.LedgerInMemory = c.Ledger.InMemory
	nc.LedgerSyncWrites = c.Ledger.SyncWrites
	nc.JournalEnabled = c.Journal.Enabled
	nc.JournalPath = c.Journal.Path
	nc.JournalRetainRecords = c.Journal.RetainRecords
	nc.JournalPruneInterval = c.Journal.PruneInterval

	nc.RPCEnabled = c.RPC.Enabled
	nc.RPC.Addr = c.RPC.Addr
	nc.RPC.ReadTimeout = c.RPC.ReadTimeout
	nc.RPC.WriteTimeout = c.RPC.WriteTimeout
	nc.RPC.EnableCORS = c.RPC.EnableCORS
	nc.RPC.AllowedOrigins = c.RPC.AllowedOrigins
	nc.RPC.LogRequests = c.RPC.LogRequests
	nc.RPC.Version = version

	nc.GRPCEnabled = c.GRPC.Enabled
	nc.GRPCAddr = c.GRPC.Addr

	nc.DashboardEnabled = c.Dashboard.Enabled
	nc.Dashboard.BindAddress = c.Dashboard.BindAddress
	nc.Dashboard.Port = c.Dashboard.Port
	nc.Dashboard.RecentClaims = c.Dashboard.RecentClaims
	return nc, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Claim.Validate(); err != nil {
		return errors.Wrap(ErrConfigInvalid, err.Error())
	}
	if !c.LedgerInMemory && c.LedgerPath == "" {
		return errors.Wrap(ErrConfigInvalid, "ledger path is required")
	}
	if c.JournalEnabled && c.JournalPath == "" {
		return errors.Wrap(ErrConfigInvalid, "journal path is required")
	}
	if c.GRPCEnabled && c.GRPCAddr == "" {
		return errors.Wrap(ErrConfigInvalid, "grpc address is required")
	}
	if c.DashboardEnabled && (c.Dashboard.Port < 0 || c.Dashboard.Port > 65535) {
		return errors.Wrapf(ErrConfigInvalid, "invalid dashboard port %d", c.Dashboard.Port)
	}
	return nil
}

// Node is a custody node. Open prepares storage and the runtime; Start
// additionally serves the configured front ends.
type Node struct {
	config Config
	log    *logrus.Entry

	// Core components
	accounts   accounts.DB
	journal    *journal.BoltStore
	runtime    *runtime.Runtime
	rpcServer  *rpc.Server
	dashboard  *dashboard.Dashboard
	grpcServer *grpc.Server
	grpcAddr   net.Addr

	report *config.Report

	// State management
	mu          sync.Mutex
	open        atomic.Bool
	running     atomic.Bool
	startTime   time.Time
	lastError   error
	lastErrorMu sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	txsExecuted atomic.Uint64
	txsFailed   atomic.Uint64
}

// New creates a node. Nothing is opened until Open or Start.
func New(config Config, log *logrus.Entry) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Node{
		config: config,
		log:    log.WithField("type", "node"),
	}, nil
}

// Open opens the ledger and the journal, builds the runtime and runs the
// consistency check.
func (n *Node) Open() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.open.Load() {
		return nil
	}
	if err := n.initialize(); err != nil {
		n.closeStorage()
		return errors.Wrap(ErrInitFailed, err.Error())
	}
	n.open.Store(true)
	return nil
}

func (n *Node) initialize() error {
	ledgerCfg := accounts.DefaultBadgerDBConfig(n.config.LedgerPath)
	ledgerCfg.InMemory = n.config.LedgerInMemory
	ledgerCfg.SyncWrites = n.config.LedgerSyncWrites
	if n.config.LedgerInMemory {
		ledgerCfg.Path = ""
	} else if err := os.MkdirAll(n.config.LedgerPath, 0755); err != nil {
		return errors.Wrap(err, "create ledger directory")
	}
	db, err := accounts.NewBadgerDB(ledgerCfg)
	if err != nil {
		return errors.Wrap(err, "open ledger")
	}
	n.accounts = db

	if err := n.loadInitialSnapshot(); err != nil {
		return errors.Wrap(err, "load snapshot")
	}

	rtConfig := runtime.DefaultConfig()
	var recorder *journal.Recorder
	if n.config.JournalEnabled {
		jc := journal.DefaultConfig(n.config.JournalPath)
		jc.RetainRecords = n.config.JournalRetainRecords
		jc.PruneInterval = n.config.JournalPruneInterval
		jc.PruneEnabled = n.config.JournalPruneInterval > 0
		j, err := journal.Open(jc)
		if err != nil {
			return errors.Wrap(err, "open journal")
		}
		n.journal = j
		recorder = journal.NewRecorder(j, n.log)
		rtConfig.History = j
	}
	rtConfig.OnTransactionComplete = func(tx *runtime.Transaction, outcome *runtime.Outcome) {
		if outcome.Result.Success {
			n.txsExecuted.Add(1)
		} else {
			n.txsFailed.Add(1)
		}
		if recorder != nil {
			recorder.Record(tx, outcome)
		}
	}

	program, err := claim.NewProgram(n.config.Claim)
	if err != nil {
		return errors.Wrap(err, "create claim program")
	}
	n.runtime = runtime.New(db, rtConfig, n.log)
	n.runtime.Register(n.config.Claim.TokenProgramID, token.NewProcessor())
	n.runtime.Register(n.config.Claim.ProgramID, program)

	report, err := config.CheckConsistency(db, n.config.Claim)
	if err != nil {
		return errors.Wrap(err, "consistency check")
	}
	n.report = report
	logger := n.log.WithFields(logrus.Fields{
		"program":   n.config.Claim.ProgramID.String(),
		"authority": report.Authority.String(),
		"bump":      report.Bump,
	})
	for _, f := range report.Findings {
		logger.WithError(f).Error("Deployment inconsistent with ledger")
	}
	if !report.OK() && n.config.StrictConsistency {
		return errors.Wrap(ErrInconsistent, report.Err().Error())
	}
	logger.Info("Claim program loaded")
	return nil
}

// loadInitialSnapshot restores the configured snapshot into an empty ledger.
// A ledger that already holds accounts is left untouched.
func (n *Node) loadInitialSnapshot() error {
	if n.config.SnapshotPath == "" {
		return nil
	}
	count, err := n.accounts.AccountsCount()
	if err != nil {
		return err
	}
	if count > 0 {
		n.log.WithField("accounts", count).Info("Ledger not empty, skipping snapshot")
		return nil
	}
	header, err := accounts.LoadSnapshot(n.config.SnapshotPath, n.accounts)
	if err != nil {
		return err
	}
	n.log.WithFields(logrus.Fields{
		"slot":     header.Slot,
		"accounts": header.AccountsCount,
	}).Info("Snapshot loaded")
	return nil
}

// Start opens the node if needed and serves the enabled front ends. It
// returns once they are listening.
func (n *Node) Start(ctx context.Context) error {
	if n.running.Load() {
		return ErrAlreadyRunning
	}
	if err := n.Open(); err != nil {
		return err
	}
	if n.config.DashboardEnabled {
		d, err := dashboard.New(n.config.Dashboard, n.accounts, n.journalStore(), n)
		if err != nil {
			return errors.Wrap(err, "create dashboard")
		}
		n.dashboard = d
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()
	n.running.Store(true)

	if n.config.GRPCEnabled {
		lis, err := net.Listen("tcp", n.config.GRPCAddr)
		if err != nil {
			n.running.Store(false)
			n.cancel()
			return errors.Wrap(err, "listen grpc")
		}
		n.grpcAddr = lis.Addr()
		n.grpcServer = grpc.NewServer()
		claimgrpc.RegisterClaimServer(n.grpcServer, claimgrpc.NewServer(n.runtime, n.config.Claim, n.log))

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.log.WithField("addr", n.grpcAddr.String()).Info("gRPC server starting")
			if err := n.grpcServer.Serve(lis); err != nil {
				n.reportError(errors.Wrap(err, "gRPC server error"))
			}
		}()
	}

	if n.config.RPCEnabled {
		n.rpcServer = rpc.New(n.config.RPC, n.runtime, n.journalStore(), n.config.Claim, n.log)
		// A lenient start over an inconsistent ledger serves, but reports
		// unhealthy so endpoint pools route claims elsewhere.
		n.rpcServer.SetHealthy(n.report.OK())
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.rpcServer.Start(ctx); err != nil {
				n.reportError(errors.Wrap(err, "RPC server error"))
			}
		}()
	}

	if n.dashboard != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.log.WithField("addr", n.dashboard.Address()).Info("Dashboard starting")
			if err := n.dashboard.Start(ctx); err != nil {
				n.reportError(errors.Wrap(err, "dashboard error"))
			}
		}()
	}

	return nil
}

// journalStore returns the journal as a Store, or a nil interface when the
// journal is disabled.
func (n *Node) journalStore() journal.Store {
	if n.journal == nil {
		return nil
	}
	return n.journal
}

func (n *Node) reportError(err error) {
	n.setLastError(err)
	n.log.WithError(err).Error("Background server failed")
	if n.config.OnError != nil {
		n.config.OnError(err)
	}
}

// Stop stops the front ends and closes storage.
func (n *Node) Stop() error {
	if !n.open.Load() {
		return ErrNotRunning
	}

	if n.cancel != nil {
		n.cancel()
	}
	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
	}
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.dashboard != nil {
		n.dashboard.Stop()
	}
	n.wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeStorage()
	n.open.Store(false)
	n.running.Store(false)
	return nil
}

// closeStorage closes all storage backends.
func (n *Node) closeStorage() {
	if n.journal != nil {
		n.journal.Close()
		n.journal = nil
	}
	if n.accounts != nil {
		n.accounts.Commit()
		n.accounts.Close()
		n.accounts = nil
	}
}

// Status contains the current node status.
type Status struct {
	// Slot is the number of committed transactions.
	Slot uint64

	// AccountsCount is the total number of accounts in the ledger.
	AccountsCount uint64

	IsRunning bool
	Uptime    time.Duration

	// TxsExecuted and TxsFailed count transactions since startup.
	TxsExecuted uint64
	TxsFailed   uint64

	// Authority is the derived treasury authority.
	Authority types.Pubkey

	// TreasuryBalance is the pinned treasury's balance, if one is pinned.
	TreasuryBalance *uint64

	// Consistent is false when the startup check found a mismatch.
	Consistent bool

	JournalStats *journal.Stats

	RPCAddr  string
	GRPCAddr string

	// LastError is the most recent error encountered.
	LastError error
}

// Status returns the current node status.
func (n *Node) Status() *Status {
	st := &Status{
		IsRunning:   n.running.Load(),
		TxsExecuted: n.txsExecuted.Load(),
		TxsFailed:   n.txsFailed.Load(),
		LastError:   n.getLastError(),
	}
	if st.IsRunning {
		st.Uptime = time.Since(n.startTime)
	}
	if n.accounts != nil {
		st.Slot = n.accounts.GetSlot()
		st.AccountsCount, _ = n.accounts.AccountsCount()
	}
	if n.report != nil {
		st.Authority = n.report.Authority
		st.Consistent = n.report.OK()
	}
	if t := n.config.Claim.PinnedTreasury; t != nil && n.accounts != nil {
		if acct, err := token.GetAccount(n.accounts, *t); err == nil {
			balance := acct.Amount
			st.TreasuryBalance = &balance
		}
	}
	if n.journal != nil {
		st.JournalStats, _ = n.journal.GetStats()
	}
	if n.rpcServer != nil {
		st.RPCAddr = n.config.RPC.Addr
	}
	if n.grpcAddr != nil {
		st.GRPCAddr = n.grpcAddr.String()
	}
	return st
}

// Snapshot implements dashboard.NodeStats.
func (n *Node) Snapshot() dashboard.Snapshot {
	st := n.Status()
	return dashboard.Snapshot{
		Slot:            st.Slot,
		AccountsCount:   st.AccountsCount,
		IsRunning:       st.IsRunning,
		Uptime:          st.Uptime,
		TxsExecuted:     st.TxsExecuted,
		TxsFailed:       st.TxsFailed,
		Authority:       st.Authority,
		Treasury:        n.config.Claim.PinnedTreasury,
		TreasuryBalance: st.TreasuryBalance,
		Consistent:      st.Consistent,
		LastError:       st.LastError,
	}
}

// Runtime returns the runtime. Nil until the node is open.
func (n *Node) Runtime() *runtime.Runtime { return n.runtime }

// Accounts returns the ledger. Nil until the node is open.
func (n *Node) Accounts() accounts.DB { return n.accounts }

// Journal returns the journal, or nil when disabled.
func (n *Node) Journal() journal.Store { return n.journalStore() }

// RPC returns the JSON-RPC server once started.
func (n *Node) RPC() *rpc.Server { return n.rpcServer }

// Consistency returns the startup consistency report.
func (n *Node) Consistency() *config.Report { return n.report }

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
