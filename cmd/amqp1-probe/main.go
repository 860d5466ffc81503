// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command amqp1-probe opens an AMQP 1.0 connection, reports the peer's
// capabilities and closes it again.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/fluxamqp/client"
	"github.com/absmach/fluxamqp/config"
	"github.com/absmach/fluxamqp/pkg/otel"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type flags struct {
	configFile        string
	host              string
	port              int
	tls               bool
	serverName        string
	allowNameMismatch bool
	allowChainErrors  bool
	username          string
	password          string
	transport         string
	hold              time.Duration
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:          "amqp1-probe",
		Short:        "Probe an AMQP 1.0 peer",
		Long:         `amqp1-probe connects to an AMQP 1.0 peer, waits for its Open, prints the negotiated capabilities and closes the connection.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configFile)
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			return probe(cmd.Context(), cfg, f.hold)
		},
	}

	fs := rootCmd.Flags()
	fs.StringVarP(&f.configFile, "config", "c", "", "Path to configuration file")
	fs.StringVar(&f.host, "host", "", "Peer host (overrides connection.host)")
	fs.IntVarP(&f.port, "port", "p", 0, "Peer port (overrides connection.port)")
	fs.BoolVar(&f.tls, "tls", false, "Secure the connection with TLS")
	fs.StringVar(&f.serverName, "server-name", "", "Name the peer certificate must match")
	fs.BoolVar(&f.allowNameMismatch, "insecure-name", false, "Tolerate a certificate name mismatch")
	fs.BoolVar(&f.allowChainErrors, "insecure-chain", false, "Tolerate untrusted or expired certificate chains")
	fs.StringVarP(&f.username, "username", "u", "", "SASL username")
	fs.StringVar(&f.password, "password", "", "SASL password")
	fs.StringVar(&f.transport, "transport", "", "Transport scheme: tcp or ws")
	fs.DurationVar(&f.hold, "hold", 0, "Keep the connection open this long before closing")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// apply overrides configuration values with the flags set on the command
// line.
func (f *flags) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Connection.Host = f.host
	}
	if changed("port") {
		cfg.Connection.Port = f.port
	}
	if changed("tls") {
		cfg.TLS.Enabled = f.tls
	}
	if changed("server-name") {
		cfg.TLS.ServerName = f.serverName
	}
	if f.allowNameMismatch {
		cfg.TLS.AllowedErrors = append(cfg.TLS.AllowedErrors, "name-mismatch")
	}
	if f.allowChainErrors {
		cfg.TLS.AllowedErrors = append(cfg.TLS.AllowedErrors, "chain-errors")
	}
	if changed("username") {
		cfg.SASL.Username = f.username
	}
	if changed("password") {
		cfg.SASL.Password = f.password
	}
	if changed("transport") {
		cfg.Transport.Scheme = f.transport
	}
	return cfg.Validate()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func probe(ctx context.Context, cfg *config.Config, hold time.Duration) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	opts, err := cfg.Options(logger)
	if err != nil {
		logger.Error("Invalid connection options", "error", err)
		return err
	}

	if cfg.Telemetry.Enabled {
		providers, err := otel.New(ctx, cfg.Telemetry, uuid.NewString())
		if err != nil {
			logger.Error("Failed to initialize OpenTelemetry", "error", err)
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Error("OpenTelemetry shutdown error", "error", err)
			}
		}()
		opts.SetTracerProvider(providers.Tracer).SetMeterProvider(providers.Meter)
	}

	conn, err := client.Connect(cfg.Connection.Host, cfg.Connection.Port, opts)
	if err != nil {
		logger.Error("Failed to start connection", "error", err)
		return err
	}

	caps, err := conn.OpenSignal().Wait(ctx)
	if err != nil {
		logger.Error("Connection did not open", "error", err, "history", historyString(conn.History()))
		res, cerr := conn.Close().Wait(context.Background())
		if cerr == nil {
			printClose(res)
		}
		return err
	}
	printPeer(conn, caps)

	if hold > 0 {
		select {
		case <-time.After(hold):
		case <-ctx.Done():
		case <-conn.CloseSignal().Done():
		}
	}

	res, err := conn.Close().Wait(context.Background())
	if err != nil {
		logger.Error("Connection failed", "error", err)
		return err
	}
	printClose(res)
	fmt.Printf("history: %s\n", historyString(conn.History()))
	return nil
}

func printPeer(conn *client.Connection, caps *client.PeerCapabilities) {
	fmt.Printf("connected to %s (local container %s)\n", caps.ContainerID, conn.ContainerID())
	if caps.Hostname != "" {
		fmt.Printf("  hostname:       %s\n", caps.Hostname)
	}
	fmt.Printf("  max frame size: %d\n", caps.MaxFrameSize)
	fmt.Printf("  channel max:    %d\n", caps.ChannelMax)
	fmt.Printf("  idle timeout:   %s\n", caps.IdleTimeout)
	if len(caps.OfferedCapabilities) > 0 {
		fmt.Printf("  offered:        %s\n", strings.Join(caps.OfferedCapabilities, ", "))
	}
	if len(caps.DesiredCapabilities) > 0 {
		fmt.Printf("  desired:        %s\n", strings.Join(caps.DesiredCapabilities, ", "))
	}
	for k, v := range caps.Properties {
		fmt.Printf("  property %s = %v\n", k, v)
	}
}

func printClose(res client.CloseResult) {
	switch {
	case res.PeerSilent:
		fmt.Printf("closed: peer did not answer (%s)\n", res.Note)
	case res.RemoteError != nil:
		fmt.Printf("closed: %s (%s)\n", res.RemoteError, res.Note)
	default:
		fmt.Printf("closed: %s\n", res.Note)
	}
}

func historyString(states []client.State) string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	return strings.Join(names, " -> ")
}
