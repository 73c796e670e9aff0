package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"convsync/internal/relay"
)

const shutdownTimeout = 5 * time.Second

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a development messaging server",
	Long: `Serves registration, login, the conversation REST endpoints and the
messaging websocket. With relay.redis_addr set, several relays share
message ids and fan-out through Redis.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRelay(ctx, cmd)
	},
}

func init() {
	relayCmd.Flags().String("addr", "", "listen address (overrides relay.addr)")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(ctx context.Context, cmd *cobra.Command) error {
	cfg := current.cfg.Relay
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}

	opts := relay.Options{Secret: cfg.Secret, Logger: current.log}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		opts.Redis = rdb
	}

	srv, err := relay.New(opts)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		current.log.Info("relay listening", "addr", cfg.Addr, "redis", cfg.RedisAddr != "")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	current.log.Info("relay shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}
