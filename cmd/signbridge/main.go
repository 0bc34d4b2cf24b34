package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhnurbekov/robot-sub000/config"
	"github.com/zhnurbekov/robot-sub000/emulation"
	"github.com/zhnurbekov/robot-sub000/signer"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signbridge",
		Short: "Signing-agent bridge for the tender submission robot",
		Long: `Signbridge impersonates the local signing agent on its well-known
bindings and serves signing operations against the upstream signing
service, forwarding anything it does not recognize.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the emulation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := cfg.ListenerTLS(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, checkCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	upstream := signer.NewClient(cfg.Upstream.BaseURL,
		signer.WithLogger(logger),
		signer.WithHTTPClient(&http.Client{Timeout: cfg.Upstream.Timeout.Std()}),
	)

	tlsConf, err := cfg.ListenerTLS()
	if err != nil {
		return err
	}

	opts := []emulation.ServerOption{emulation.WithLogger(logger)}
	if cfg.Listen.Stream != "" {
		opts = append(opts, emulation.WithStreamAddr(cfg.Listen.Stream))
	}
	if cfg.Listen.TLS != "" {
		opts = append(opts, emulation.WithTLSAddr(cfg.Listen.TLS))
	}
	if cfg.Listen.WS != "" {
		opts = append(opts, emulation.WithWSAddr(cfg.Listen.WS))
	}
	if cfg.Listen.WSS != "" {
		opts = append(opts, emulation.WithWSSAddr(cfg.Listen.WSS))
	}
	if tlsConf != nil {
		opts = append(opts, emulation.WithTLSConfig(tlsConf))
	}

	server, err := emulation.NewServer(upstream, opts...)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", sig.String())

	done := make(chan error, 1)
	go func() { done <- server.Stop() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timed out")
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
