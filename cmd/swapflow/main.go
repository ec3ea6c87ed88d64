package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/swapflow/internal/database"
	"github.com/Aidin1998/swapflow/internal/infrastructure/config"
	"github.com/Aidin1998/swapflow/internal/infrastructure/telemetry"
	"github.com/Aidin1998/swapflow/pkg/logger"
)

func main() {
	role := flag.String("role", "all", "process role: all, api or worker")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			log.Fatalf("Failed to render configuration: %v", err)
		}
		fmt.Print(string(out))
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	r, err := parseRole(*role)
	if err != nil {
		log.Fatal(err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, r, zapLogger); err != nil {
		zapLogger.Fatal("swapflow exited with error", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}

func run(cfg *config.Config, r role, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		PrettyPrint: cfg.Tracing.PrettyPrint,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			zapLogger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	a, err := newApp(ctx, cfg, r, zapLogger)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		database.ReportPoolStats(gctx, cfg.Database.Driver, a.db, 30*time.Second)
		return nil
	})

	if r.runsWorker() {
		g.Go(func() error {
			zapLogger.Info("Starting worker",
				zap.String("queue", cfg.Queue.Name),
				zap.Int("concurrency", cfg.Queue.Concurrency),
				zap.Strings("venues", a.router.Names()))
			return a.worker.Run(gctx)
		})
	}

	if r.runsAPI() {
		srv := &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      a.api.Handler(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
		g.Go(func() error {
			zapLogger.Info("Starting API server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zapLogger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			// Hijacked WebSocket connections are not tracked by http.Server
			if err := a.relay.Shutdown(shutdownCtx); err != nil {
				zapLogger.Warn("WebSocket sessions did not close in time", zap.Error(err))
			}
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

type role string

const (
	roleAll    role = "all"
	roleAPI    role = "api"
	roleWorker role = "worker"
)

func parseRole(s string) (role, error) {
	switch r := role(s); r {
	case roleAll, roleAPI, roleWorker:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q: want all, api or worker", s)
	}
}

func (r role) runsAPI() bool    { return r == roleAll || r == roleAPI }
func (r role) runsWorker() bool { return r == roleAll || r == roleWorker }

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-role all|api|worker] [-print-config]\n", os.Args[0])
		flag.PrintDefaults()
	}
}
