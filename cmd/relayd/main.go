package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"relayd/internal/adminapi"
	"relayd/internal/config"
	"relayd/internal/server"
)

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func buildRootCmd() *cobra.Command {
	var (
		cfgPath  string
		logLevel string
	)

	root := &cobra.Command{
		Use:           "relayd",
		Short:         "Shared-channel relay between an editor and AI-completion providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", envStr("RELAYD_CONFIG", ""), "Path to config file (.yaml/.json/.toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envStr("RELAYD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Create the channel pair and start relaying",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logLevel)

			cfg := config.Default()
			if cfgPath != "" {
				var err error
				cfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			if addr, _ := cmd.Flags().GetString("admin-addr"); addr != "" {
				cfg.AdminAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cfg, log)
		},
	}
	serveCmd.Flags().String("admin-addr", envStr("RELAYD_ADMIN_ADDR", ""), "Admin HTTP listen address, e.g. :8090")
	root.AddCommand(serveCmd)
	return root
}

func serve(cfg config.Config, log zerolog.Logger) error {
	srv, err := server.New(server.Options{Config: cfg, Log: log})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	admin := &http.Server{Addr: cfg.AdminAddr, Handler: adminapi.NewMux(srv)}
	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin listener up")
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin listener failed")
			cancel()
		}
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()
	log.Info().Str("channel", cfg.ChannelName).Int("slots", cfg.SlotCount).Msg("relayd up")

	// Graceful shutdown (Ctrl+C / SIGTERM / shutdown frame)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case <-stop:
		log.Info().Msg("signal received, draining")
		srv.Shutdown()
		runErr = <-runDone
	case runErr = <-runDone:
		log.Info().Msg("poll loop stopped")
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if err := admin.Shutdown(shCtx); err != nil {
		log.Warn().Err(err).Msg("admin shutdown error")
	}
	return runErr
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
