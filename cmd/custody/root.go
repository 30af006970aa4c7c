package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-custody/internal/config"
	"github.com/fortiblox/x1-custody/internal/logging"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/svm/programs/claim"
)

// app is the state shared by the subcommands once the configuration is
// loaded.
type app struct {
	cfgFile string
	config  config.Config
	log     *logrus.Entry
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "custody",
		Short:         "Treasury custody node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: custody.yaml in the user config dir, /etc/custody or .)")
	flags.String("log.level", "info", "log level: trace, debug, info, warn, error")
	flags.String("log.format", "text", "log format: text or json")
	flags.String("deployment.program_id", "", "claim program id")
	flags.String("deployment.seed", "treasury", "authority seed label")
	flags.String("ledger.path", "./data/ledger", "ledger directory")

	root.AddCommand(
		newDeriveCmd(a),
		newCheckCmd(a),
		newClaimCmd(a),
		newLedgerCmd(a),
		newServeCmd(a),
		newKeygenCmd(),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and configures logging.
func (a *app) load(cmd *cobra.Command) error {
	c, err := config.Load(cmd, a.cfgFile)
	if err != nil {
		return err
	}
	a.config = c
	a.log = logging.Configure(c.Log, cmd.ErrOrStderr())
	return nil
}

// claimConfig returns the deployment constants.
func (a *app) claimConfig() (claim.Config, error) {
	return a.config.Deployment.ClaimConfig()
}

// openLedger opens the configured ledger directly, without the runtime.
func (a *app) openLedger() (*accounts.BadgerDB, error) {
	cfg := accounts.DefaultBadgerDBConfig(a.config.Ledger.Path)
	cfg.InMemory = a.config.Ledger.InMemory
	cfg.SyncWrites = a.config.Ledger.SyncWrites
	if cfg.InMemory {
		cfg.Path = ""
	}
	return accounts.NewBadgerDB(cfg)
}
