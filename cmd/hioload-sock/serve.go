//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/momentics/hioload-sock/server"
)

type serveOptions struct {
	configPath string
	address    string
	workers    int
	adminAddr  string
	logLevel   string
	pretty     bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the echo server",
		Long: `Start the server with a length-prefixed echo handler.

Every frame starts with a 4-byte big-endian length that counts the header
itself; the server sends each complete frame back unchanged.

Examples:
  hioload-sock serve --address=:12345 --workers=4
  hioload-sock serve --config=server.yaml --admin=127.0.0.1:9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVarP(&opts.address, "address", "a", "", "listen address (overrides config)")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", -1, "worker threads (overrides config)")
	cmd.Flags().StringVar(&opts.adminAddr, "admin", "", "admin HTTP address for /metrics and /clients")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "human-readable console logs")
	return cmd
}

func newLogger(level string, pretty bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
	}
	var log zerolog.Logger
	if pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger(), nil
}

func loadServeConfig(opts serveOptions) (*server.Config, error) {
	cfg := server.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := server.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.address != "" {
		cfg.Address = opts.address
	}
	if opts.workers >= 0 {
		cfg.Workers = opts.workers
	}
	return cfg, cfg.Validate()
}

func runServe(ctx context.Context, opts serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := newLogger(opts.logLevel, opts.pretty)
	if err != nil {
		return err
	}
	cfg, err := loadServeConfig(opts)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	srv, err := server.New(cfg, echoHandlers(log), server.WithLogger(log), server.WithRegistry(reg))
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Init(); err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	n, err := srv.StartWorkers(cfg.Workers)
	if err != nil {
		return err
	}
	if n == 0 && cfg.Workers > 0 {
		return errors.New("no worker started")
	}
	log.Info().Stringer("addr", srv.Addr()).Int("workers", n).Msg("serving")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var admin *http.Server
	if opts.adminAddr != "" {
		admin = &http.Server{
			Addr:              opts.adminAddr,
			Handler:           adminRouter(srv, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin server failed")
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = admin.Shutdown(shutdownCtx)
	}
	return srv.Close()
}
