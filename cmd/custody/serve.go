package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-custody/pkg/node"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		snapshot    string
		lenient     bool
		statusEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the custody node",
		Long: `Opens the ledger, checks the deployment against it and serves the
JSON-RPC and gRPC front ends until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := node.FromConfig(a.config, version)
			if err != nil {
				return err
			}
			nc.SnapshotPath = snapshot
			nc.StrictConsistency = !lenient

			n, err := node.New(nc, a.log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := n.Start(ctx); err != nil {
				return err
			}
			st := n.Status()
			a.log.WithFields(logrus.Fields{
				"version":   version,
				"authority": st.Authority.String(),
				"slot":      st.Slot,
				"rpc":       st.RPCAddr,
				"grpc":      st.GRPCAddr,
			}).Info("Custody node started")

			if statusEvery > 0 {
				go logStatus(ctx, n, a.log, statusEvery)
			}

			<-ctx.Done()
			a.log.Info("Shutting down")
			return n.Stop()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&snapshot, "snapshot", "", "snapshot to load into an empty ledger")
	flags.BoolVar(&lenient, "lenient", false, "start even when the deployment is inconsistent with the ledger")
	flags.DurationVar(&statusEvery, "status-interval", time.Minute, "interval between status log lines, 0 to disable")
	return cmd
}

func logStatus(ctx context.Context, n *node.Node, log *logrus.Entry, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := n.Status()
			fields := logrus.Fields{
				"slot":     st.Slot,
				"accounts": st.AccountsCount,
				"executed": st.TxsExecuted,
				"failed":   st.TxsFailed,
				"uptime":   st.Uptime.Round(time.Second).String(),
			}
			if st.TreasuryBalance != nil {
				fields["treasury"] = *st.TreasuryBalance
			}
			log.WithFields(fields).Info("Status")
		}
	}
}
