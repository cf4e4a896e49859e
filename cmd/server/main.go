package main

import (
	"campus-chat/auth"
	"campus-chat/infrastructure/ws"
	"campus-chat/internal"
	"campus-chat/storage"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, serves until a signal arrives, then shuts down
// in reverse order so deferred cleanups always execute.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Attachments & tokens
	attachments, err := storage.NewDiskAttachmentStore(log, config.AttachmentsDir,
		config.AttachmentsBaseURL, config.MaxAttachmentBytes, nil)
	if err != nil {
		return err
	}
	tokenizer, err := auth.NewTokenizer(config.AuthSecret, config.AuthIssuer, config.AuthTokenDuration)
	if err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}

	// 4. Messaging core
	core, err := internal.NewCore(log, db, internal.CoreOptions{
		LimitMessages:  config.LimitMessages,
		BufferSize:     config.BufferSize,
		SinkTimeout:    config.SinkTimeout,
		PublishTimeout: config.PublishTimeout,
		MetricInterval: config.MetricInterval,
		Attachments:    attachments,
		Tokenizer:      tokenizer,
	})
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	// 5. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestratorDone := make(chan struct{})
	go func() {
		defer close(orchestratorDone)
		if err := core.Orchestrator.Start(ctx); err != nil {
			log.Error("Orchestrator stopped", "error", err)
		}
	}()

	errChan := make(chan error, 3)

	// 6. WebSocket & attachment server
	server := ws.NewServer(log, core.Auth, tokenizer, core.Gateway, core.Resolver, core.Members,
		core.Orchestrator, core.Monitor, config.ConnectionBufferSize, config.AttachmentsDir)
	httpServer := &http.Server{
		Addr:              config.Address(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Starting chat server", "address", httpServer.Addr, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("chat server error: %w", err)
		}
	}()

	// 7. gRPC health
	listener, err := net.Listen("tcp", config.HealthAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.HealthAddress(), err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go func() {
		log.Info("Starting health server", "address", config.HealthAddress())
		if err := grpcServer.Serve(listener); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
			errChan <- fmt.Errorf("health server error: %w", err)
		}
	}()

	// 8. Debug inspector, local use only
	var debugServer *http.Server
	if config.DebugPort != nil {
		debugServer = internal.NewDebugServer(db, fmt.Sprintf("localhost:%d", *config.DebugPort), "/inspect",
			internal.DefaultMapper, func() map[string]any {
				latest := core.Monitor.GetLatest()
				return map[string]any{
					"messages_sent":      latest.MessagesSent,
					"sends_rejected":     latest.SendsRejected,
					"broadcast_warnings": latest.BroadcastWarnings,
					"events_delivered":   latest.EventsDelivered,
					"sink_failures":      latest.SinkFailures,
					"active_sessions":    latest.ActiveSessions,
					"send_rate":          latest.SendRate,
					"alloc_mem_mb":       latest.AllocMemMb,
					"goroutines":         latest.Process.Goroutines,
					"cpu_percent":        latest.Process.CPUPercent,
				}
			})
		go func() {
			log.Info("Starting debug server", "address", debugServer.Addr)
			if err := debugServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("debug server error: %w", err)
			}
		}()
	}

	// 9. Wait for Stop or Error
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case runErr = <-errChan:
		log.Error("Server failed", "error", runErr)
	}

	// 10. Final Cleanup
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("Chat server shutdown incomplete", "error", err)
	}
	if debugServer != nil {
		_ = debugServer.Shutdown(shutdownCtx)
	}
	grpcServer.GracefulStop()
	stop()
	core.Orchestrator.Stop()
	<-orchestratorDone
	log.Info("Program stopped cleanly")

	return runErr
}
