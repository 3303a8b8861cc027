// Command agentd is the device-side agent: it runs the session gateway
// (REST + WebSocket) on a local listener and, when configured, dials out
// to a relay so the gateway is reachable from behind NAT without an
// inbound port.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/agentd/internal/config"
	"github.com/ehrlich-b/agentd/internal/gateway"
	"github.com/ehrlich-b/agentd/internal/logger"
	"github.com/ehrlich-b/agentd/internal/session"
	"github.com/ehrlich-b/agentd/internal/tunnelclient"
)

var (
	configPath string
	listenAddr string
	logLevel   string
	logFile    string
)

func main() {
	root := &cobra.Command{
		Use:   "agentd",
		Short: "agentd session gateway",
		RunE:  runServe,
	}

	defaultConfig, _ := config.DefaultConfigPath()
	root.Flags().StringVar(&configPath, "config", defaultConfig, "path to agentd.toml")
	root.Flags().StringVar(&listenAddr, "listen", "", "override the configured listen address")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	root.Flags().StringVar(&logFile, "log-file", "", "additionally write logs to this file")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := logger.Init(logLevel, logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	if err := config.EnsureDataDir(cfg.DataDir); err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := cfgMgr.Watch(stopWatch); err != nil {
		logger.Named("agentd").Warn("config hot-reload disabled", "err", err)
	}

	manager := session.NewSessionManager(session.Config{
		MaxSessions:       cfg.MaxSessions,
		SessionBufferSize: cfg.SessionBufferSize,
		DetachTimeout:     cfg.DetachTimeout,
		JournalDir:        cfg.DataDir + "/journal",
		JournalEnabled:    cfg.Journal.Enabled,
	})
	defer manager.Stop()

	if cfg.Journal.Enabled {
		if err := manager.RecoverTombstones(cfg.DataDir + "/journal"); err != nil {
			logger.Named("agentd").Warn("journal recovery failed", "err", err)
		}
	}

	activity := session.NewActivityJournal(1000)

	if cfg.Journal.Enabled && cfg.Journal.MaxAge > 0 {
		go purgeJournalsPeriodically(ctx, cfg.DataDir+"/journal", cfg.Journal.MaxAge)
	}

	// gateway.New subscribes to manager.Events() itself, mirroring entries
	// into activity and broadcasting the ones clients care about live.
	gw := gateway.New(manager, activity, gateway.Config{
		APIKey:         cfg.APIKey,
		ExecTimeoutMS:  cfg.ExecTimeoutMS,
		MaxBatchSize:   cfg.MaxBatchSize,
		PlaybooksDir:   cfg.PlaybooksDir,
		DataDir:        cfg.DataDir,
		MaxOutputBytes: cfg.MaxOutputBytes,
	})

	mux := http.NewServeMux()
	gw.Routes(mux)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Named("agentd").Info("gateway listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if cfg.Tunnel.Relay {
		tc := tunnelclient.New(tunnelclient.Config{
			RelayURL:  cfg.Tunnel.URL,
			Serial:    cfg.Device.Serial,
			TunnelKey: cfg.Tunnel.TunnelKey,
			LocalAddr: cfg.Listen,
		})
		go func() {
			if err := tc.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Named("agentd").Error("tunnel client exited", "err", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Named("agentd").Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func purgeJournalsPeriodically(ctx context.Context, dir string, maxAge time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			session.PurgeAged(dir, maxAge)
		}
	}
}
