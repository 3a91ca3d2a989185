package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowchain/config"
	"escrowchain/core/events"
	"escrowchain/core/state"
	"escrowchain/core/types"
	"escrowchain/crypto"
	"escrowchain/host"
	"escrowchain/indexer"
	"escrowchain/native/factory"
	"escrowchain/observability"
	"escrowchain/observability/logging"
	telemetry "escrowchain/observability/otel"
	"escrowchain/rpc"
	"escrowchain/storage"
)

const (
	serviceName     = "escrowd"
	shutdownTimeout = 10 * time.Second
)

var version = "dev"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	headers, err := telemetry.ParseHeaders(cfg.Telemetry.Headers)
	if err != nil {
		return err
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        headers,
		Traces:         cfg.Telemetry.Traces,
		Metrics:        cfg.Telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	if cfg.StorageEngine != "memory" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := storage.Open(cfg.StorageEngine, cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	h := host.New(state.NewManager(db), host.Config{
		MessageGas:      cfg.Host.MessageGas,
		SendGas:         cfg.Host.SendGas,
		DefaultGasLimit: cfg.Host.DefaultGasLimit,
		CallTimeout:     cfg.Host.CallTimeout.Duration,
	})
	h.SetLogger(logger)
	defer h.Wait()

	recorder := events.NewRecorder(cfg.RPC.EventHistory)
	emitters := events.Multi{recorder, observability.EventCounter{}, logEmitter{logger: logger}}
	var archive rpc.EventSource
	if cfg.Indexer.Enabled {
		store, err := indexer.Open(cfg.IndexerPath(), logger)
		if err != nil {
			return fmt.Errorf("open event archive: %w", err)
		}
		defer store.Close()
		emitters = append(emitters, store)
		archive = store
	}
	h.SetEmitter(emitters)

	operator, err := operatorAccount(cfg.Operator)
	if err != nil {
		return err
	}
	factoryID, err := factory.Bootstrap(ctx, h, operator, cfg.Factory.CreationGas)
	if err != nil {
		return fmt.Errorf("bootstrap factory: %w", err)
	}
	logger.Info("factory ready", "program", factoryID.String(), "subject", operator.String())

	server := rpc.NewServer(rpc.Deps{
		Host:     h,
		Factory:  &factory.Client{Host: h, Factory: factoryID},
		Recorder: recorder,
		Archive:  archive,
		Logger:   logger,
	}, rpc.Config{
		JWTSecret:      cfg.RPC.JWTSecret,
		AllowMint:      cfg.RPC.AllowMint,
		RateLimit:      cfg.RPC.RateLimit,
		RateBurst:      cfg.RPC.RateBurst,
		RequestTimeout: cfg.RPC.RequestTimeout.Duration,
	})
	if cfg.RPC.JWTSecret == "" {
		logger.Warn("rpc authentication disabled; callers are trusted to name their account")
	}

	servers := []*http.Server{{
		Addr:              cfg.RPCAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
	if strings.TrimSpace(cfg.MetricsAddress) != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.Info("listening", "remote", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", slog.String("remote", srv.Addr), slog.Any("error", err))
		}
	}
	return runErr
}

// operatorAccount parses the configured operator, falling back to a fixed
// derived account for local deployments.
func operatorAccount(raw string) (types.ActorID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.ActorID(crypto.DeriveAddress([]byte("escrowd/operator"))), nil
	}
	id, err := types.ParseActorID(raw)
	if err != nil {
		return types.ZeroActor, fmt.Errorf("invalid operator: %w", err)
	}
	return id, nil
}

// logEmitter writes every host event to the debug log.
type logEmitter struct {
	logger *slog.Logger
}

func (e logEmitter) Emit(evt events.Event) {
	rendered := events.Render(evt)
	if rendered == nil {
		return
	}
	e.logger.Debug("event", slog.String("type", rendered.Type), slog.Any("attributes", rendered.Attributes))
}
