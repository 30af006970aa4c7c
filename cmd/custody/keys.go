package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-custody/internal/types"
)

// readKeypair loads a keypair file holding either a base58 secret key or
// the JSON byte array written by Solana CLI wallets.
func readKeypair(path string) (*types.Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read keypair")
	}
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, "[") {
		return types.KeypairFromBase58(text)
	}

	var secret []byte
	var raw []int
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, errors.Wrap(err, "decode keypair")
	}
	for _, b := range raw {
		if b < 0 || b > 255 {
			return nil, errors.Errorf("keypair byte %d out of range", b)
		}
		secret = append(secret, byte(b))
	}
	if len(secret) != 64 {
		return nil, errors.Errorf("invalid secret key length %d", len(secret))
	}
	return types.KeypairFromSeed(secret[:32])
}

func newKeygenCmd() *cobra.Command {
	var outfile string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a requester keypair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := types.NewKeypair()
			if err != nil {
				return err
			}
			if outfile != "" {
				if err := os.WriteFile(outfile, []byte(kp.SecretBase58()+"\n"), 0o600); err != nil {
					return errors.Wrap(err, "write keypair")
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.Public)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outfile, "outfile", "o", "", "write the secret key to this file")
	return cmd
}
