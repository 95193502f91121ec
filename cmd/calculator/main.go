package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/remoting/agents"
	"github.com/aixgo-dev/remoting/internal/observability"
	"github.com/aixgo-dev/remoting/internal/runtime"
	"github.com/aixgo-dev/remoting/pkg/config"
	"github.com/aixgo-dev/remoting/pkg/directory"
	metrics "github.com/aixgo-dev/remoting/pkg/observability"
)

// Version information (set via ldflags)
var Version = "dev"

const shutdownTimeout = 10 * time.Second

// reportedError was already shown to the user.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "*** %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "calculator",
		Short:         "Distributed calculator on a remoting agent runtime",
		Long:          "Runs either a calculator server that publishes a worker agent, or an interactive client that connects to one.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cmd, cfg)
		},
	}
	config.RegisterFlags(root.Flags())

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	config.RegisterFlags(configCmd.Flags())
	root.AddCommand(configCmd)
	return root
}

func run(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	logger, err := config.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := observability.Init(observability.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		ExporterType: cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		Insecure:     cfg.Tracing.Insecure,
		Logger:       logger,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := observability.Shutdown(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if cfg.Runtime.EnableMetrics {
		metrics.InitMetrics()
	}

	sys, err := newSystem(cfg, logger)
	if err != nil {
		return err
	}
	mm := runtime.NewMiddleman(sys, middlemanOptions(cfg)...)
	defer func() {
		if err := mm.Close(); err != nil {
			logger.Warn("middleman close failed", "error", err)
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sys.Shutdown(sctx); err != nil {
			logger.Warn("runtime shutdown incomplete", "error", err)
		}
	}()

	if cfg.ServerMode {
		return runServer(ctx, serverDeps{
			cfg:    cfg,
			sys:    sys,
			mm:     mm,
			logger: logger,
			in:     cmd.InOrStdin(),
			out:    cmd.OutOrStdout(),
		})
	}
	return runClient(ctx, cfg, sys, mm, logger)
}

func newSystem(cfg *config.Config, logger *slog.Logger) (*runtime.System, error) {
	types := runtime.NewTypeRegistry()
	if err := agents.RegisterTypes(types); err != nil {
		return nil, fmt.Errorf("register message types: %w", err)
	}
	return runtime.New(
		runtime.WithLogger(logger),
		runtime.WithMetrics(cfg.Runtime.EnableMetrics),
		runtime.WithTypes(types),
	), nil
}

func middlemanOptions(cfg *config.Config) []runtime.DistributedOption {
	opts := []runtime.DistributedOption{
		runtime.WithListenHost(cfg.Runtime.ListenHost),
	}
	if cfg.Runtime.ConnectTimeout > 0 {
		opts = append(opts, runtime.WithConnectTimeout(cfg.Runtime.ConnectTimeout))
	}
	if cfg.Runtime.RateLimit > 0 {
		opts = append(opts, runtime.WithRateLimit(cfg.Runtime.RateLimit, cfg.Runtime.RateBurst))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, runtime.WithTLS(&runtime.TLSConfig{
			Enabled:            true,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			CAFile:             cfg.TLS.CAFile,
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		}))
	}
	return opts
}

func openDirectory(ctx context.Context, cfg *config.Config) (*directory.RedisDirectory, error) {
	if cfg.Directory.RedisAddr == "" {
		return nil, nil
	}
	dir, err := directory.NewRedisDirectory(ctx, directory.RedisConfig{
		Addr:   cfg.Directory.RedisAddr,
		Prefix: cfg.Directory.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	return dir, nil
}
