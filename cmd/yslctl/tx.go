package main

import (
	"fmt"
	"strconv"
	"strings"

	"cosmossdk.io/math"
	"github.com/spf13/cobra"

	"shareledger.dev/ysl/internal/identity"
	"shareledger.dev/ysl/internal/tendermint"
	"shareledger.dev/ysl/internal/types"
)

var (
	waitCommit bool
	loss       bool
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Sign and broadcast a ledger transaction",
}

// txSpec describes one tx subcommand. build turns positional arguments
// into the payload; the signer fills optional receiver and owner fields.
type txSpec struct {
	use   string
	short string
	typ   types.TransactionType
	args  cobra.PositionalArgs
	build func(signer types.Address, args []string) (interface{}, error)
}

var txSpecs = []txSpec{
	{
		use: "deposit <assets> [receiver]", short: "Deposit assets for shares",
		typ: types.TxDeposit, args: cobra.RangeArgs(1, 2),
		build: func(signer types.Address, args []string) (interface{}, error) {
			assets, err := amountArg("assets", args[0])
			if err != nil {
				return nil, err
			}
			return types.DepositPayload{Assets: assets, Receiver: optAddress(args, 1, signer)}, nil
		},
	},
	{
		use: "mint <shares> [receiver]", short: "Mint an exact number of shares",
		typ: types.TxMint, args: cobra.RangeArgs(1, 2),
		build: func(signer types.Address, args []string) (interface{}, error) {
			shares, err := amountArg("shares", args[0])
			if err != nil {
				return nil, err
			}
			return types.MintPayload{Shares: shares, Receiver: optAddress(args, 1, signer)}, nil
		},
	},
	{
		use: "transfer <to> <shares>", short: "Transfer shares",
		typ: types.TxTransfer, args: cobra.ExactArgs(2),
		build: func(_ types.Address, args []string) (interface{}, error) {
			shares, err := amountArg("shares", args[1])
			if err != nil {
				return nil, err
			}
			return types.TransferPayload{To: types.Address(args[0]), Shares: shares}, nil
		},
	},
	{
		use: "request-redeem <shares>", short: "Burn shares and start the cooldown",
		typ: types.TxRequestRedeem, args: cobra.ExactArgs(1),
		build: func(_ types.Address, args []string) (interface{}, error) {
			shares, err := amountArg("shares", args[0])
			if err != nil {
				return nil, err
			}
			return types.RequestRedeemPayload{Shares: shares}, nil
		},
	},
	{
		use: "withdraw <assets> [receiver]", short: "Settle a redemption request by assets",
		typ: types.TxWithdraw, args: cobra.RangeArgs(1, 2),
		build: func(signer types.Address, args []string) (interface{}, error) {
			assets, err := amountArg("assets", args[0])
			if err != nil {
				return nil, err
			}
			return types.WithdrawPayload{Assets: assets, Receiver: optAddress(args, 1, signer), Owner: signer}, nil
		},
	},
	{
		use: "redeem <shares> [receiver]", short: "Settle a redemption request by shares",
		typ: types.TxRedeem, args: cobra.RangeArgs(1, 2),
		build: func(signer types.Address, args []string) (interface{}, error) {
			shares, err := amountArg("shares", args[0])
			if err != nil {
				return nil, err
			}
			return types.RedeemPayload{Shares: shares, Receiver: optAddress(args, 1, signer), Owner: signer}, nil
		},
	},
	{
		use: "redeem-for <holder>[=expected] ...", short: "Settle requests on behalf of holders (operator)",
		typ: types.TxRedeemFor, args: cobra.MinimumNArgs(1),
		build: func(_ types.Address, args []string) (interface{}, error) {
			return redeemForPayload(args)
		},
	},
	{
		use: "distribute <amount> <fee> <epoch>", short: "Distribute yield for an epoch (rebalancer)",
		typ: types.TxDistributeYield, args: cobra.ExactArgs(3),
		build: func(_ types.Address, args []string) (interface{}, error) {
			amount, err := amountArg("amount", args[0])
			if err != nil {
				return nil, err
			}
			fee, err := amountArg("fee", args[1])
			if err != nil {
				return nil, err
			}
			epoch, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid epoch %q", args[2])
			}
			return types.DistributeYieldPayload{Amount: amount, FeeAmount: fee, Epoch: epoch, IsProfit: !loss}, nil
		},
	},
	{
		use: "update-param <name> <value>", short: "Change a ledger parameter (admin)",
		typ: types.TxUpdateParam, args: cobra.ExactArgs(2),
		build: func(_ types.Address, args []string) (interface{}, error) {
			return types.UpdateParamPayload{Param: args[0], Value: args[1]}, nil
		},
	},
	{
		use: "pause", short: "Pause user operations (admin)",
		typ: types.TxPause, args: cobra.NoArgs,
		build: func(types.Address, []string) (interface{}, error) { return nil, nil },
	},
	{
		use: "unpause", short: "Resume user operations (admin)",
		typ: types.TxUnpause, args: cobra.NoArgs,
		build: func(types.Address, []string) (interface{}, error) { return nil, nil },
	},
	{
		use: "recover <asset> <amount> <to>", short: "Recover tokens sent to custody by mistake (admin)",
		typ: types.TxEmergencyRecover, args: cobra.ExactArgs(3),
		build: func(_ types.Address, args []string) (interface{}, error) {
			amount, err := amountArg("amount", args[1])
			if err != nil {
				return nil, err
			}
			return types.EmergencyRecoverPayload{Asset: args[0], Amount: amount, To: types.Address(args[2])}, nil
		},
	},
}

func init() {
	txCmd.PersistentFlags().BoolVar(&waitCommit, "commit", false, "wait until the transaction is in a block")
	for _, spec := range txSpecs {
		spec := spec
		cmd := &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			Args:  spec.args,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runTx(cmd, spec, args)
			},
		}
		if spec.typ == types.TxDistributeYield {
			cmd.Flags().BoolVar(&loss, "loss", false, "report a loss instead of a profit")
		}
		txCmd.AddCommand(cmd)
	}
}

func runTx(cmd *cobra.Command, spec txSpec, args []string) error {
	id, err := loadIdentity()
	if err != nil {
		return err
	}
	stx, err := signTx(id, spec, args)
	if err != nil {
		return err
	}

	res, err := tendermint.NewBroadcastClient(rpcAddr).BroadcastSignedTransaction(cmd.Context(), stx, waitCommit)
	if err != nil {
		return err
	}
	logger.Debug("broadcast " + string(spec.typ))
	return printJSON(cmd.OutOrStdout(), res)
}

func amountArg(name, s string) (math.Int, error) {
	amt, ok := types.ParseAmount(s)
	if !ok {
		return math.Int{}, fmt.Errorf("invalid %s %q", name, s)
	}
	return amt, nil
}

func optAddress(args []string, i int, fallback types.Address) types.Address {
	if len(args) > i {
		return types.Address(args[i])
	}
	return fallback
}

// redeemForPayload parses holder or holder=expected arguments. Expected
// amounts must be given for every holder or for none.
func redeemForPayload(args []string) (types.RedeemForPayload, error) {
	var p types.RedeemForPayload
	for _, arg := range args {
		holder, expected, hasExpected := cutLast(arg, '=')
		p.Holders = append(p.Holders, types.Address(holder))
		if !hasExpected {
			continue
		}
		amt, err := amountArg("expected amount", expected)
		if err != nil {
			return p, err
		}
		p.Expected = append(p.Expected, amt)
	}
	if len(p.Expected) != 0 && len(p.Expected) != len(p.Holders) {
		return p, fmt.Errorf("expected amounts given for %d of %d holders", len(p.Expected), len(p.Holders))
	}
	return p, nil
}

func cutLast(s string, sep byte) (before, after string, found bool) {
	if i := strings.LastIndexByte(s, sep); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

func signTx(id *identity.Identity, spec txSpec, args []string) (*types.SignedTransaction, error) {
	payload, err := spec.build(types.Address(id.PublicKeyHex()), args)
	if err != nil {
		return nil, err
	}
	tx, err := types.NewTransaction(spec.typ, payload)
	if err != nil {
		return nil, err
	}
	return tx.Sign(id)
}
