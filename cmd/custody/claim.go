package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/claimgrpc"
	"github.com/fortiblox/x1-custody/pkg/node"
	"github.com/fortiblox/x1-custody/pkg/rpc"
	"github.com/fortiblox/x1-custody/pkg/rpcpool"
	"github.com/fortiblox/x1-custody/pkg/runtime"
	"github.com/fortiblox/x1-custody/pkg/svm/programs/claim"
)

type claimOptions struct {
	keypair     string
	destination string
	treasury    string
	mint        string
	amount      uint64
	remote      string
	rpcURLs     []string
	simulate    bool
	timeout     time.Duration
}

func newClaimCmd(a *app) *cobra.Command {
	var opts claimOptions

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim tokens from the treasury",
		Long: `Builds and signs a claim transaction. By default it is executed
against the local ledger. With --remote it is sent to a running node over
gRPC; with --rpc it is sent over JSON-RPC to the first healthy node of the
given list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.claimConfig()
			if err != nil {
				return err
			}
			requester, err := readKeypair(opts.keypair)
			if err != nil {
				return err
			}
			tx, err := buildClaim(&cfg, requester, opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			switch {
			case opts.remote != "" && len(opts.rpcURLs) > 0:
				return errors.New("--remote and --rpc are mutually exclusive")
			case opts.remote != "":
				return claimRemote(ctx, out, tx, opts)
			case len(opts.rpcURLs) > 0:
				return claimRPC(ctx, out, tx, opts)
			}
			return a.claimLocal(ctx, out, tx, opts.simulate)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.keypair, "keypair", "k", "", "requester keypair file")
	flags.StringVar(&opts.destination, "destination", "", "destination token account")
	flags.StringVar(&opts.treasury, "treasury", "", "treasury token account (default: the pinned treasury)")
	flags.StringVar(&opts.mint, "mint", "", "mint account, for the with_mint layout (default: the expected mint)")
	flags.Uint64Var(&opts.amount, "amount", 0, "amount in base units")
	flags.StringVar(&opts.remote, "remote", "", "gRPC address of a running node")
	flags.StringSliceVar(&opts.rpcURLs, "rpc", nil, "JSON-RPC URLs of running nodes")
	flags.BoolVar(&opts.simulate, "simulate", false, "simulate without committing")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	cmd.MarkFlagRequired("keypair")
	cmd.MarkFlagRequired("destination")
	cmd.MarkFlagRequired("amount")
	return cmd
}

// buildClaim assembles a signed claim transaction.
func buildClaim(cfg *claim.Config, requester *types.Keypair, opts claimOptions) (*runtime.Transaction, error) {
	destination, err := types.PubkeyFromBase58(opts.destination)
	if err != nil {
		return nil, errors.Wrap(err, "destination")
	}

	var treasury types.Pubkey
	switch {
	case opts.treasury != "":
		if treasury, err = types.PubkeyFromBase58(opts.treasury); err != nil {
			return nil, errors.Wrap(err, "treasury")
		}
	case cfg.PinnedTreasury != nil:
		treasury = *cfg.PinnedTreasury
	default:
		return nil, errors.New("--treasury is required when the deployment pins none")
	}

	accts := claim.ClaimAccounts{
		Requester:   requester.Public,
		Destination: destination,
		Treasury:    treasury,
	}
	if cfg.Layout.HasMint() {
		switch {
		case opts.mint != "":
			mint, err := types.PubkeyFromBase58(opts.mint)
			if err != nil {
				return nil, errors.Wrap(err, "mint")
			}
			accts.Mint = &mint
		case cfg.ExpectedMint != nil:
			accts.Mint = cfg.ExpectedMint
		default:
			return nil, errors.New("--mint is required for the with_mint layout")
		}
	}

	ix, err := claim.NewClaimInstruction(cfg, accts, opts.amount)
	if err != nil {
		return nil, err
	}
	blockhash := types.ComputeHash([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	tx, err := runtime.NewTransaction(requester.Public, blockhash, ix)
	if err != nil {
		return nil, err
	}
	if err := tx.Sign(requester); err != nil {
		return nil, err
	}
	return tx, nil
}

// claimLocal executes tx against the configured ledger with the front ends
// disabled.
func (a *app) claimLocal(ctx context.Context, out io.Writer, tx *runtime.Transaction, simulate bool) error {
	nc, err := node.FromConfig(a.config, version)
	if err != nil {
		return err
	}
	nc.RPCEnabled = false
	nc.GRPCEnabled = false

	n, err := node.New(nc, a.log)
	if err != nil {
		return err
	}
	if err := n.Open(); err != nil {
		return err
	}
	defer n.Stop()

	var outcome *runtime.Outcome
	if simulate {
		outcome, err = n.Runtime().Simulate(ctx, tx, true)
	} else {
		outcome, err = n.Runtime().Execute(ctx, tx)
	}
	if err != nil {
		return err
	}

	for _, line := range outcome.Result.Logs {
		fmt.Fprintln(out, line)
	}
	if !outcome.Result.Success {
		return errors.Wrapf(outcome.Result.Err, "instruction %d failed", outcome.Result.InstructionIndex)
	}
	fmt.Fprintf(out, "signature: %s\nslot:      %d\n", outcome.Signature, outcome.Slot)
	return nil
}

func claimRemote(ctx context.Context, out io.Writer, tx *runtime.Transaction, opts claimOptions) error {
	client, err := claimgrpc.Dial(opts.remote, claimgrpc.DialOptions{Timeout: opts.timeout})
	if err != nil {
		return err
	}
	defer client.Close()

	if opts.simulate {
		resp, err := client.Simulate(ctx, tx)
		if err != nil {
			return err
		}
		for _, line := range resp.Logs {
			fmt.Fprintln(out, line)
		}
		if resp.Err != nil {
			return errors.Errorf("instruction %d failed: %s", resp.Err.Instruction, resp.Err.Message)
		}
		fmt.Fprintf(out, "ok, %d compute units\n", resp.UnitsConsumed)
		return nil
	}

	sig, err := client.Submit(ctx, tx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "signature: %s\n", sig)
	return nil
}

// claimRPC sends tx through a pool of JSON-RPC endpoints.
func claimRPC(ctx context.Context, out io.Writer, tx *runtime.Transaction, opts claimOptions) error {
	pool := rpcpool.NewPool(0)
	pool.SetRequestTimeout(opts.timeout)
	pool.AddEndpoints(opts.rpcURLs)
	pool.Start(ctx)
	defer pool.Stop()

	encoded := base64.StdEncoding.EncodeToString(tx.Serialize())

	if opts.simulate {
		var resp struct {
			Value rpc.SimulateResult `json:"value"`
		}
		params := []interface{}{encoded, rpc.SimulateTransactionConfig{SigVerify: true, Encoding: rpc.EncodingBase64}}
		if err := pool.Call(ctx, "simulateTransaction", params, &resp); err != nil {
			return err
		}
		for _, line := range resp.Value.Logs {
			fmt.Fprintln(out, line)
		}
		if resp.Value.Err != nil {
			return errors.Errorf("simulation failed: %v", resp.Value.Err)
		}
		fmt.Fprintf(out, "ok, %d compute units\n", resp.Value.UnitsConsumed)
		return nil
	}

	var sig string
	params := []interface{}{encoded, rpc.SendTransactionConfig{Encoding: rpc.EncodingBase64}}
	if err := pool.Call(ctx, "sendTransaction", params, &sig); err != nil {
		return err
	}
	fmt.Fprintf(out, "signature: %s\n", sig)
	return nil
}
