package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shareledger.dev/ysl/internal/identity"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen [file]",
	Short: "Generate an ed25519 key and print its address",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKeygen,
}

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the ledger address of the key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id.PublicKeyHex())
		return nil
	},
}

func runKeygen(cmd *cobra.Command, args []string) error {
	path := keyFile
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	id, err := identity.LoadOrCreateIdentity(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Key generated: %s\nAddress: %s\n", path, id.PublicKeyHex())
	return nil
}
