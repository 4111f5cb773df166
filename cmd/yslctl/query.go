package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"shareledger.dev/ysl/internal/tendermint"
)

var queryCmd = &cobra.Command{
	Use:   "query <path> | query tx <hash>",
	Short: "Query committed shard state",
	Long: `Runs an ABCI query against the shard. Paths:

  state
  exchange_rate
  balance/<holder>
  request/<holder>
  preview/<deposit|mint|redeem|withdraw>/<amount>

"query tx <hash>" looks up a committed transaction by the hash printed
when it was broadcast.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := tendermint.NewBroadcastClient(rpcAddr)
		if args[0] == "tx" {
			if len(args) != 2 {
				return fmt.Errorf("usage: query tx <hash>")
			}
			res, err := client.QueryTx(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}
		if len(args) != 1 {
			return fmt.Errorf("unexpected argument %q", args[1])
		}
		path := "/" + strings.TrimPrefix(args[0], "/")
		value, err := client.ABCIQuery(cmd.Context(), path)
		if err != nil {
			return err
		}
		var out interface{}
		if err := json.Unmarshal(value, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}
