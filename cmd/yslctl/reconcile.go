package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	abciapp "shareledger.dev/ysl/internal/abci"
	"shareledger.dev/ysl/internal/config"
	"shareledger.dev/ysl/internal/reconcile"
	"shareledger.dev/ysl/internal/tendermint"
)

var (
	reportShard string
	reportYield string
	feeBps      uint32
	once        bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Publish this shard's deposits and earned yield for reconciliation",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Distribute reported yield so every shard converges on one rate",
	Args:  cobra.NoArgs,
	RunE:  runReconcile,
}

func init() {
	reportCmd.Flags().StringVar(&reportShard, "shard", "", "shard id (default: shard_id from config)")
	reportCmd.Flags().StringVar(&reportYield, "yield", "", "yield earned since the last round, in base units")
	reportCmd.MarkFlagRequired("yield")

	reconcileCmd.Flags().Uint32Var(&feeBps, "fee-bps", 0, "performance fee charged on each allocation, in basis points")
	reconcileCmd.Flags().BoolVar(&once, "once", false, "run a single round and exit")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	shard := reportShard
	if shard == "" {
		shard = cfg.ShardID
	}
	yield, err := amountArg("yield", reportYield)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	value, err := tendermint.NewBroadcastClient(shardRPC(cmd, cfg, shard)).ABCIQuery(ctx, "/exchange_rate")
	if err != nil {
		return fmt.Errorf("query %s: %w", shard, err)
	}
	var view abciapp.ExchangeRateView
	if err := json.Unmarshal(value, &view); err != nil {
		return err
	}

	board, err := reconcile.NewRedisBoard(ctx, cfg.Reconcile.RedisURL)
	if err != nil {
		return err
	}
	defer board.Close()

	report := reconcile.ShardReport{
		Shard:      shard,
		Deposits:   view.TotalAssets,
		Yield:      yield,
		NextEpoch:  view.LastEpoch + 1,
		ReportedAt: time.Now().UTC(),
	}
	if err := board.Publish(ctx, report); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

// shardRPC uses the configured address of shard unless --rpc was given.
func shardRPC(cmd *cobra.Command, cfg *config.Config, shard string) string {
	if addr, ok := cfg.Reconcile.Shards[shard]; ok && !cmd.Flags().Changed("rpc") {
		return addr
	}
	return rpcAddr
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Reconcile.Shards) == 0 {
		return errors.New("reconcile.shards is empty: no shard RPC addresses configured")
	}
	id, err := loadIdentity()
	if err != nil {
		return err
	}
	submitter, err := tendermint.NewYieldSubmitter(id, cfg.Reconcile.Shards, feeBps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	board, err := reconcile.NewRedisBoard(ctx, cfg.Reconcile.RedisURL)
	if err != nil {
		return err
	}
	defer board.Close()

	owner := fmt.Sprintf("%s/%s", id.PublicKeyHex()[:16], uuid.NewString())
	r := reconcile.New(board, submitter, owner,
		reconcile.WithLogger(logger.Named("reconcile")),
		reconcile.WithLockTTL(cfg.Reconcile.LockTTL),
		reconcile.WithMaxReportAge(cfg.Reconcile.MaxReportAge))

	if once {
		plan, err := r.Round(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), plan)
	}

	logger.Info("reconciler running", zap.String("owner", owner), zap.Duration("interval", cfg.Reconcile.Interval))
	if err := r.Run(ctx, cfg.Reconcile.Interval); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
