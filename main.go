package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"postguard/delivery"
	"postguard/health"
	"postguard/internal/audit"
	"postguard/internal/config"
	"postguard/internal/dkim"
	"postguard/internal/metrics"
	"postguard/internal/scheduler"
	"postguard/queue"
	"postguard/resilience"
	"postguard/storage"
	"postguard/tlsconfig"
)

const (
	shutdownGrace   = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		audit.Logger("main").Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	audit.RefreshFromEnv()
	if config.Bool("LOG_JSON", false) {
		audit.SetOutput(os.Stderr, true)
	}
	logger := audit.Logger("main")
	slog.SetDefault(logger)

	transport, closeTransport, err := buildTransport()
	if err != nil {
		return err
	}
	defer closeTransport()

	spool := storage.NewSpool(config.SpoolDir())
	engine, err := resilience.New(config.Resilience(), transport,
		resilience.WithLogger(audit.Logger("engine")),
		resilience.WithMetrics(metrics.Recorder{}),
		resilience.WithDropHandler(spoolDrops(spool, audit.Logger("spool"))),
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	cfg := engine.Config()
	logger.Info("delivery engine ready",
		"transport", config.TransportKind(),
		"max_attempts", cfg.MaxAttempts,
		"failure_threshold", cfg.FailureThreshold,
		"open_duration", cfg.OpenDuration.String(),
		"queue_on_failure", cfg.QueueOnFailure,
		"max_queue_size", cfg.MaxQueueSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(engine, config.QueueInterval(), audit.Logger("scheduler"))
	sched.Start(ctx)
	defer sched.Stop()

	healthSrv, healthLn, err := health.StartHealthServer(config.HealthAddr(), engine)
	if err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	logger.Info("health server listening", "addr", healthLn.Addr().String())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = healthSrv.Shutdown(shutdownCtx)
	}()

	tlsConf, err := tlsconfig.LoadTLSConfig()
	if err != nil && !errors.Is(err, tlsconfig.ErrTLSDisabled) {
		return fmt.Errorf("tls: %w", err)
	}

	addr := config.ListenAddr()
	if port := os.Getenv("SMTP_PORT"); port != "" {
		addr = overridePort(addr, port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("smtp intake listening", "addr", ln.Addr().String(), "starttls", tlsConf != nil)

	deliveries, cancelDeliveries := context.WithCancel(context.Background())
	defer cancelDeliveries()
	srv := newServer(deliveries, engine, tlsConf, spoolUnsent(spool, audit.Logger("spool")), audit.Logger("smtp"))
	go func() {
		if err := srv.serve(ln); err != nil {
			logger.Error("intake stopped", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	_ = ln.Close()
	if !srv.wait(shutdownGrace) {
		logger.Warn("grace period elapsed; canceling in-flight deliveries")
		cancelDeliveries()
		srv.wait(shutdownTimeout)
	}
	sched.Stop()
	spoolRemaining(engine, spool, logger)
	return nil
}

func buildTransport() (resilience.Transport, func(), error) {
	switch config.TransportKind() {
	case config.TransportAMQP:
		settings := config.AMQPSettings()
		conn, err := amqp.Dial(settings.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("amqp channel: %w", err)
		}
		if err := ch.ExchangeDeclare(settings.Exchange, "direct", true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("amqp exchange: %w", err)
		}
		closeFn := func() {
			_ = ch.Close()
			_ = conn.Close()
		}
		return delivery.NewAMQPTransport(ch, settings.Exchange, settings.RoutingKey), closeFn, nil
	default:
		signer, err := dkim.LoadFromEnv()
		if err != nil {
			return nil, nil, err
		}
		if signer != nil {
			audit.Logger("main").Info("dkim signing enabled", "selector", signer.Selector(), "domain", signer.Domain())
		}
		return delivery.NewSMTPTransport(signer, audit.Logger("delivery")), func() {}, nil
	}
}

// spoolDrops persists every message the engine gives up on.
func spoolDrops(spool *storage.Spool, logger *slog.Logger) resilience.DropHandler {
	return func(p queue.PendingDelivery, reason resilience.DropReason) {
		path, err := spool.Save(p, string(reason))
		if err != nil {
			logger.Error("failed to spool dropped message", "message_id", p.Message.ID, "err", err)
			return
		}
		logger.Info("dropped message spooled", "message_id", p.Message.ID, "path", path)
	}
}

// spoolUnsent persists messages whose in-flight delivery was canceled by
// shutdown.
func spoolUnsent(spool *storage.Spool, logger *slog.Logger) func(queue.PendingDelivery) {
	return func(p queue.PendingDelivery) {
		path, err := spool.Save(p, "shutdown")
		if err != nil {
			logger.Error("failed to spool unsent message", "message_id", p.Message.ID, "err", err)
			return
		}
		logger.Info("unsent message spooled", "message_id", p.Message.ID, "path", path)
	}
}

// spoolRemaining writes still-queued messages to the spool, since the queue
// does not survive a restart.
func spoolRemaining(engine *resilience.Engine, spool *storage.Spool, logger *slog.Logger) {
	pending := engine.Dequeue(engine.QueueCount())
	for _, p := range pending {
		if _, err := spool.Save(p, "shutdown"); err != nil {
			logger.Error("failed to spool queued message", "message_id", p.Message.ID, "err", err)
		}
	}
	if len(pending) > 0 {
		logger.Info("queued messages spooled on shutdown", "count", len(pending), "dir", spool.Dir())
	}
}
