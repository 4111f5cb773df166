// Package main is the entry point for a share ledger shard node (ysl-node).
// It restores the ledger from SQLite, serves it to Tendermint over an ABCI
// socket and exposes the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	abciapp "shareledger.dev/ysl/internal/abci"
	"shareledger.dev/ysl/internal/api"
	"shareledger.dev/ysl/internal/config"
	"shareledger.dev/ysl/internal/custody"
	"shareledger.dev/ysl/internal/docs"
	"shareledger.dev/ysl/internal/identity"
	"shareledger.dev/ysl/internal/logger"
	"shareledger.dev/ysl/internal/metrics"
	"shareledger.dev/ysl/internal/store"
	"shareledger.dev/ysl/internal/tendermint"
	"shareledger.dev/ysl/internal/types"
	"shareledger.dev/ysl/internal/vault"
)

const backupInterval = 6 * time.Hour

var (
	configPath     string
	verbose        bool
	withTendermint bool
)

func main() {
	root := &cobra.Command{
		Use:           "ysl-node",
		Short:         "Yield-bearing share ledger shard node",
		Version:       types.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "config file (defaults to $CONFIG_FILE)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.Flags().BoolVar(&withTendermint, "with-tendermint", false, "init and supervise a local tendermint node")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ring := logger.New(cfg.LogBuffer)
	log, err := logger.NewZap(verbose, ring)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("shard", cfg.ShardID))
	log.Info("share ledger node starting", zap.String("version", types.Version))

	id, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	log.Info("node identity loaded", zap.String("address", id.PublicKeyHex()))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewStore(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Genesis balances; replaced by the snapshot when one exists.
	c := custody.NewMemory(cfg.Treasury)
	balances, err := cfg.GenesisBalances()
	if err != nil {
		return err
	}
	for addr, amt := range balances {
		c.Credit(addr, amt)
	}

	params, err := cfg.VaultParams()
	if err != nil {
		return err
	}
	m := metrics.New()
	hub := api.NewHub(log.Named("events"))
	defer hub.Close()

	app, err := abciapp.NewApplication(cfg.ShardID, c, st,
		[]vault.Option{
			vault.WithParams(params),
			vault.WithAuthorizer(cfg.RoleTable()),
			vault.WithBaseAsset(cfg.BaseAsset),
		},
		abciapp.WithLogger(log.Named("abci")),
		abciapp.WithMetrics(m),
		abciapp.WithEventSink(hub),
		abciapp.WithKeepSnapshots(cfg.KeepSnapshots))
	if err != nil {
		return err
	}
	log.Info("ledger ready", zap.Int64("height", app.Height()))

	abciServer, err := tendermint.NewABCIServer(app, &tendermint.Config{
		TendermintHome: cfg.TendermintHome,
		SocketAddress:  cfg.ABCISocket,
	})
	if err != nil {
		return err
	}
	if err := abciServer.Start(); err != nil {
		return err
	}
	defer func() {
		if err := abciServer.Stop(); err != nil {
			log.Warn("stop ABCI server", zap.Error(err))
		}
	}()
	log.Info("ABCI server listening", zap.String("socket", abciServer.SocketPath()))

	if withTendermint {
		node, err := startTendermint(cfg)
		if err != nil {
			return err
		}
		defer func() {
			node.Process.Signal(syscall.SIGTERM)
			node.Wait()
		}()
	}

	if err := ensurePortAvailable(cfg.Port); err != nil {
		return fmt.Errorf("port %d unavailable: %w", cfg.Port, err)
	}
	svc := api.NewService(cfg.ShardID, app, st, ring,
		api.WithBroadcaster(tendermint.NewBroadcastClient(cfg.RPCAddress)),
		api.WithDocs(docs.NewService()),
		api.WithMetrics(m),
		api.WithHub(hub),
		api.WithLogger(log.Named("api")),
		api.WithMaxBackups(cfg.MaxBackups))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()
	log.Info("HTTP API available", zap.String("url", fmt.Sprintf("http://localhost:%d/api", cfg.Port)))

	go backupLoop(ctx, st, cfg.MaxBackups, log)

	select {
	case <-ctx.Done():
	case err := <-serverErrors:
		log.Error("HTTP server exited", zap.Error(err))
	}

	log.Info("shutting down")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// backupLoop copies the database every backupInterval.
func backupLoop(ctx context.Context, st *store.Store, maxBackups int, log *zap.Logger) {
	ticker := time.NewTicker(backupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			path, err := st.BackupCurrent(maxBackups)
			if err != nil {
				log.Warn("periodic backup failed", zap.Error(err))
				continue
			}
			log.Debug("periodic backup written", zap.String("path", path))
		}
	}
}

func startTendermint(cfg *config.Config) (*exec.Cmd, error) {
	if err := tendermint.InitTendermint(cfg.TendermintHome); err != nil {
		return nil, err
	}
	cmd := tendermint.Command(cfg.TendermintHome, cfg.ABCISocket)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tendermint: %w", err)
	}
	return cmd, nil
}

func ensurePortAvailable(port int) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return listener.Close()
}
