// Command yslctl signs and submits share ledger transactions, queries a
// shard and runs cross-shard reconciliation.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shareledger.dev/ysl/internal/identity"
	"shareledger.dev/ysl/internal/types"
)

var (
	keyFile    string
	rpcAddr    string
	configPath string
	verbose    bool

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "yslctl",
	Short:         "Client for yield-bearing share ledger shards",
	Version:       types.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			return nil
		}
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&keyFile, "key", "k", "ysl_key.pem", "ed25519 key file (PEM)")
	rootCmd.PersistentFlags().StringVar(&rpcAddr, "rpc", "http://localhost:26657", "Tendermint RPC address of the shard")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "node config file (reconciler settings)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(keygenCmd, addressCmd, txCmd, queryCmd, reportCmd, reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadIdentity() (*identity.Identity, error) {
	id, err := identity.LoadIdentity(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", keyFile, err)
	}
	return id, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
