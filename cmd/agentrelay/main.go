// Command agentrelay runs the reverse-tunnel relay: devices dial in and
// register under a serial, and HTTP callers reach them at /d/{serial}/...
// without either side needing an inbound port of its own.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/agentd/internal/logger"
	"github.com/ehrlich-b/agentd/internal/relay"
)

func main() {
	root := &cobra.Command{
		Use:   "agentrelay",
		Short: "agentd reverse-tunnel relay",
		RunE:  run,
	}

	root.Flags().String("addr", ":8080", "listen address")
	root.Flags().String("keys", "", "path to a JSON file mapping device serial to tunnel key")
	root.Flags().String("log-level", "info", "debug, info, warn, or error")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentrelay: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	keysPath, _ := cmd.Flags().GetString("keys")
	level, _ := cmd.Flags().GetString("log-level")

	if err := logger.Init(level, ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	tunnelKeys, err := loadTunnelKeys(keysPath)
	if err != nil {
		return fmt.Errorf("load tunnel keys: %w", err)
	}

	srv := relay.NewServer(relay.ServerConfig{TunnelKeys: tunnelKeys})

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Named("agentrelay").Info("relay listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Named("agentrelay").Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.GracefulShutdown(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loadTunnelKeys reads a JSON object of serial -> tunnel key from path. An
// empty path means no keys are configured, and any serial is admitted.
func loadTunnelKeys(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys map[string]string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}
