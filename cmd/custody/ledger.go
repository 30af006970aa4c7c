package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/token"
)

func newLedgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Administer the local ledger",
	}
	cmd.AddCommand(
		newLedgerInitCmd(a),
		newLedgerAccountCmd(a),
		newLedgerFundCmd(a),
		newLedgerShowCmd(a),
		newLedgerSnapshotCmd(a),
		newLedgerRestoreCmd(a),
	)
	return cmd
}

// withLedger opens the ledger for the duration of fn.
func (a *app) withLedger(fn func(db accounts.DB) error) error {
	db, err := a.openLedger()
	if err != nil {
		return errors.Wrap(err, "open ledger")
	}
	if err := fn(db); err != nil {
		db.Close()
		return err
	}
	return db.Close()
}

func parsePubkey(name, s string) (types.Pubkey, error) {
	if s == "" {
		return types.Pubkey{}, errors.Errorf("--%s is required", name)
	}
	p, err := types.PubkeyFromBase58(s)
	if err != nil {
		return types.Pubkey{}, errors.Wrap(err, name)
	}
	return p, nil
}

func newLedgerInitCmd(a *app) *cobra.Command {
	var (
		mintFlag     string
		treasuryFlag string
		decimals     uint8
		amount       uint64
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the mint and a treasury owned by the derived authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.claimConfig()
			if err != nil {
				return err
			}
			auth, err := cfg.Authority()
			if err != nil {
				return err
			}

			if mintFlag == "" && cfg.ExpectedMint != nil {
				mintFlag = cfg.ExpectedMint.String()
			}
			mint, err := parsePubkey("mint", mintFlag)
			if err != nil {
				return err
			}
			if treasuryFlag == "" && cfg.PinnedTreasury != nil {
				treasuryFlag = cfg.PinnedTreasury.String()
			}
			treasury, err := parsePubkey("treasury", treasuryFlag)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("decimals") && cfg.MintDecimals != nil {
				decimals = *cfg.MintDecimals
			}

			return a.withLedger(func(db accounts.DB) error {
				if ok, err := db.HasAccount(treasury); err != nil {
					return err
				} else if ok {
					return errors.Errorf("treasury %s already exists", treasury)
				}

				var entries []accounts.AccountEntry
				m, err := token.GetMint(db, mint)
				switch {
				case errors.Is(err, accounts.ErrAccountNotFound):
					entries = append(entries, accounts.AccountEntry{
						Pubkey:  mint,
						Account: token.NewMintRecord(decimals, amount, nil),
					})
				case err != nil:
					return errors.Wrapf(err, "mint %s", mint)
				default:
					m.Supply += amount
					rec, err := db.GetAccount(mint)
					if err != nil {
						return err
					}
					rec.Data = m.Marshal()
					entries = append(entries, accounts.AccountEntry{Pubkey: mint, Account: rec})
				}
				entries = append(entries, accounts.AccountEntry{
					Pubkey:  treasury,
					Account: token.NewAccountRecord(mint, auth.Address, amount),
				})
				if err := db.Apply(entries); err != nil {
					return err
				}

				a.log.WithFields(logrus.Fields{
					"mint":      mint.String(),
					"treasury":  treasury.String(),
					"authority": auth.Address.String(),
					"amount":    amount,
				}).Info("Treasury created")
				fmt.Fprintf(cmd.OutOrStdout(), "treasury %s owned by %s\n", treasury, auth.Address)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&mintFlag, "mint", "", "mint address (default: the expected mint)")
	flags.StringVar(&treasuryFlag, "treasury", "", "treasury address (default: the pinned treasury)")
	flags.Uint8Var(&decimals, "decimals", 0, "mint decimals, when the mint is created")
	flags.Uint64Var(&amount, "amount", 0, "initial treasury balance")
	return cmd
}

func newLedgerAccountCmd(a *app) *cobra.Command {
	var addressFlag, ownerFlag, mintFlag string

	cmd := &cobra.Command{
		Use:   "account",
		Short: "Create an empty token account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := parsePubkey("address", addressFlag)
			if err != nil {
				return err
			}
			owner, err := parsePubkey("owner", ownerFlag)
			if err != nil {
				return err
			}
			mint, err := parsePubkey("mint", mintFlag)
			if err != nil {
				return err
			}

			return a.withLedger(func(db accounts.DB) error {
				if _, err := token.GetMint(db, mint); err != nil {
					return errors.Wrapf(err, "mint %s", mint)
				}
				if ok, err := db.HasAccount(address); err != nil {
					return err
				} else if ok {
					return errors.Errorf("account %s already exists", address)
				}
				if err := db.SetAccount(address, token.NewAccountRecord(mint, owner, 0)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %s owned by %s\n", address, owner)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addressFlag, "address", "", "token account address")
	flags.StringVar(&ownerFlag, "owner", "", "account owner")
	flags.StringVar(&mintFlag, "mint", "", "mint address")
	return cmd
}

func newLedgerFundCmd(a *app) *cobra.Command {
	var accountFlag string
	var amount uint64

	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Mint tokens into a token account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if accountFlag == "" {
				if cfg, err := a.claimConfig(); err == nil && cfg.PinnedTreasury != nil {
					accountFlag = cfg.PinnedTreasury.String()
				}
			}
			address, err := parsePubkey("account", accountFlag)
			if err != nil {
				return err
			}

			return a.withLedger(func(db accounts.DB) error {
				entries, balance, err := fund(db, address, amount)
				if err != nil {
					return err
				}
				if err := db.Apply(entries); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s balance %d\n", address, balance)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&accountFlag, "account", "", "token account (default: the pinned treasury)")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount in base units")
	return cmd
}

// fund returns the records crediting amount to a token account and its
// mint supply.
func fund(db accounts.DB, address types.Pubkey, amount uint64) ([]accounts.AccountEntry, uint64, error) {
	acct, err := token.GetAccount(db, address)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "account %s", address)
	}
	mint, err := token.GetMint(db, acct.Mint)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "mint %s", acct.Mint)
	}
	if acct.Amount+amount < acct.Amount || mint.Supply+amount < mint.Supply {
		return nil, 0, errors.New("amount overflows the balance")
	}
	acct.Amount += amount
	mint.Supply += amount

	acctRec, err := db.GetAccount(address)
	if err != nil {
		return nil, 0, err
	}
	acctRec.Data = acct.Marshal()
	mintRec, err := db.GetAccount(acct.Mint)
	if err != nil {
		return nil, 0, err
	}
	mintRec.Data = mint.Marshal()

	return []accounts.AccountEntry{
		{Pubkey: address, Account: acctRec},
		{Pubkey: acct.Mint, Account: mintRec},
	}, acct.Amount, nil
}

func newLedgerShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show [token-account...]",
		Short: "Show the ledger and token accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return a.withLedger(func(db accounts.DB) error {
				count, err := db.AccountsCount()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "slot:     %d\naccounts: %d\n", db.GetSlot(), count)

				if len(args) == 0 {
					if cfg, err := a.claimConfig(); err == nil && cfg.PinnedTreasury != nil {
						args = []string{cfg.PinnedTreasury.String()}
					}
				}
				for _, arg := range args {
					address, err := types.PubkeyFromBase58(arg)
					if err != nil {
						return errors.Wrap(err, arg)
					}
					acct, err := token.GetAccount(db, address)
					if err != nil {
						fmt.Fprintf(out, "\n%s: %v\n", address, err)
						continue
					}
					fmt.Fprintf(out, "\n%s\n  mint:   %s\n  owner:  %s\n  amount: %d\n  state:  %s\n",
						address, acct.Mint, acct.Owner, acct.Amount, acct.State)
				}
				return nil
			})
		},
	}
}

func newLedgerSnapshotCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <path>",
		Short: "Write a snapshot of the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(func(db accounts.DB) error {
				header, err := accounts.CreateSnapshot(db, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d accounts at slot %d to %s\n",
					header.AccountsCount, header.Slot, args[0])
				return nil
			})
		},
	}
}

func newLedgerRestoreCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <path>",
		Short: "Load a snapshot into the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(func(db accounts.DB) error {
				count, err := db.AccountsCount()
				if err != nil {
					return err
				}
				if count > 0 && !force {
					return errors.Errorf("ledger holds %d accounts, use --force to merge", count)
				}
				header, err := accounts.LoadSnapshot(args[0], db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %d accounts at slot %d\n",
					header.AccountsCount, header.Slot)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "load into a non-empty ledger")
	return cmd
}
