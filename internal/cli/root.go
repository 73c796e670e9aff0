// Package cli is the convsync terminal client.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"convsync/internal/api"
	"convsync/internal/auth"
	"convsync/internal/config"
	"convsync/internal/engine"
	"convsync/internal/obs"
	"convsync/internal/store"
	"convsync/internal/transport"
	appErrors "convsync/pkg/errors"
)

var (
	version = "dev"
	commit  = "unknown"
)

// app is what every subcommand shares once flags and config are read.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *obs.Metrics
}

var current app

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "Real-time conversation client",
	Long: `convsync keeps a local, live view of your conversations: it subscribes
to conversation topics, sends messages optimistically and reconciles them
with the server's echo, and reconnects on its own.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")

		path, _ := cmd.Flags().GetString("config")
		v, err := config.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg, err := config.ParseConfig(v)
		if err != nil {
			return err
		}
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			cfg.Logger.Level = "debug"
		}

		current = app{
			cfg:     cfg,
			log:     obs.NewLogger(cfg.Logger.Env, cfg.Logger.Level),
			metrics: obs.NewMetrics(),
		}
		slog.SetDefault(current.log)
		current.serveMetrics()
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (default is config/convsync.yaml)")
}

func (a app) serveMetrics() {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", "addr", addr, "err", err)
		}
	}()
	a.log.Info("metrics listening", "addr", addr)
}

// credential uses auth.token, or logs in with auth.username/password.
func (a app) credential(ctx context.Context) (auth.Credential, error) {
	token := a.cfg.Auth.Token
	if token == "" && a.cfg.Auth.Username != "" {
		res, err := api.Login(ctx, a.cfg.Server.APIURL, a.cfg.Auth.Username, a.cfg.Auth.Password, nil)
		if err != nil {
			return auth.Credential{}, fmt.Errorf("login as %s: %w", a.cfg.Auth.Username, err)
		}
		token = res.AccessToken
	}
	if token == "" {
		return auth.Credential{}, errors.New("no credential: set auth.token or auth.username and auth.password")
	}
	return auth.Parse(token)
}

// client is a running engine bound to one viewer.
type client struct {
	*engine.Engine
	viewer int64
	cancel context.CancelFunc
	done   chan struct{}
}

// shutdown disconnects and waits for pending snapshots to be written.
func (c *client) shutdown() {
	if err := c.Close(); err != nil {
		current.log.Warn("disconnect", "err", err)
	}
	c.cancel()
	<-c.done
}

// connect builds the process-wide engine for the configured credential,
// starts its loop and opens the transport. A first dial that fails with a
// retryable error still returns the client, which works offline until the
// reconnection policy gets through.
func (a app) connect(ctx context.Context) (*client, error) {
	cred, err := a.credential(ctx)
	if err != nil {
		return nil, err
	}
	snapshots, err := store.Open(ctx, a.cfg.Store)
	if err != nil {
		return nil, err
	}
	return a.start(ctx, cred, snapshots, true)
}

func (a app) start(ctx context.Context, cred auth.Credential, snapshots store.Store, shared bool) (*client, error) {
	t := a.cfg.Transport
	e := engine.New(engine.Options{
		Transport: transport.Options{
			URL:            a.cfg.Server.WSURL,
			Policy:         a.cfg.Reconnect.Policy(),
			Logger:         a.log,
			SendBuffer:     t.SendBuffer,
			WriteWait:      t.WriteWait,
			PongWait:       t.PongWait,
			MaxMessageSize: t.MaxMessageSize,
		},
		Shared:            shared,
		APIURL:            a.cfg.Server.APIURL,
		Store:             snapshots,
		Metrics:           a.metrics,
		Logger:            a.log,
		HistoryPageSize:   a.cfg.Engine.HistoryPageSize,
		ResyncOnReconnect: a.cfg.Engine.ResyncOnReconnect,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &client{Engine: e, viewer: cred.ViewerID, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		_ = e.Run(runCtx)
		if snapshots != nil {
			if err := snapshots.Close(); err != nil {
				a.log.Warn("close store", "err", err)
			}
		}
	}()

	if err := e.Connect(ctx, cred); err != nil {
		if errors.Is(err, appErrors.ErrNotConnected) {
			a.log.Warn("starting offline", "viewer_id", cred.ViewerID, "err", err)
			return c, nil
		}
		c.shutdown()
		return nil, err
	}
	return c, nil
}
