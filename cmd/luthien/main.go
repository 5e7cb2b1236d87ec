// Command luthien runs the AI-control proxy gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/luthien-dev/luthien-proxy/internal/config"
	"github.com/luthien-dev/luthien-proxy/internal/events"
	"github.com/luthien-dev/luthien-proxy/internal/obs"
	"github.com/luthien-dev/luthien-proxy/internal/server"
	"github.com/luthien-dev/luthien-proxy/internal/upstream"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "luthien",
		Short:   "AI-control proxy gateway between clients and LLM providers",
		Version: version,
	}
	root.AddCommand(serveCommand())
	root.AddCommand(policiesCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func policiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List registered policy classes",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range config.PolicyClasses() {
				fmt.Println(name)
			}
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := obs.SetupLogging(obs.LogConfig{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
		return err
	}

	tracer, shutdownTracing, err := obs.SetupTracing(ctx, cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("trace exporter shutdown failed")
		}
	}()

	emitter, err := buildEmitter(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := emitter.Close(); err != nil {
			logrus.WithError(err).Warn("event emitter shutdown failed")
		}
	}()

	pol, err := config.LoadPolicy(cfg.PolicyConfig)
	if err != nil {
		return err
	}

	provider := upstream.NewOpenAIProvider(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)
	srv := server.NewServer(cfg, emitter, tracer, provider, pol)

	if cfg.PolicyConfig != "" {
		watcher, err := config.NewPolicyWatcher(cfg.PolicyConfig)
		if err != nil {
			return err
		}
		watcher.OnReload(srv.SetPolicy)
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildEmitter wires the event sinks the environment enables. Stdout is
// always on; database, Redis, and span sinks are opt-in.
func buildEmitter(cfg *config.Config) (*events.Emitter, error) {
	sinks := []events.Sink{events.NewStdoutSink()}

	if cfg.DatabaseURL != "" {
		dbSink, err := events.NewDBSink(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database sink: %w", err)
		}
		sinks = append(sinks, dbSink)
	}
	if cfg.RedisURL != "" {
		redisSink, err := events.NewRedisSink(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		sinks = append(sinks, redisSink)
	}
	if cfg.OTELEndpoint != "" {
		sinks = append(sinks, events.NewSpanSink())
	}

	return events.NewEmitter(sinks...), nil
}
