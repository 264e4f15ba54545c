package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/mentorly/assistant-app/internal/audit"
	"github.com/mentorly/assistant-app/internal/bridge"
	"github.com/mentorly/assistant-app/internal/config"
	"github.com/mentorly/assistant-app/internal/events"
	"github.com/mentorly/assistant-app/internal/logger"
	"github.com/mentorly/assistant-app/internal/messaging"
	"github.com/mentorly/assistant-app/internal/ratelimit"
	"github.com/mentorly/assistant-app/internal/session"
	"github.com/mentorly/assistant-app/internal/ws"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsserver: %v\n", err)
		os.Exit(1)
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "ws-1"
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.LogEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: "wsserver",
		ServerName:  serverName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsserver: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, serverName, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, serverName string, log *zap.Logger) error {
	log.Info("assistant hub starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("max_connections_per_project", cfg.MaxConnectionsPerProject),
		zap.Duration("send_timeout", cfg.SendTimeout),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.Bool("audit", cfg.DatabaseURL != ""),
		zap.String("event_source", cfg.EventSource))

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "assistant-hub-" + serverName
	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, serverName)
	if err != nil {
		return err
	}
	defer sessionStore.Close()
	limiter := ratelimit.NewLimiter(sessionStore.Client(), log)

	// --- Registry, router, transport ---
	registry := ws.NewRegistry(ws.RegistryConfig{
		MaxConnectionsPerProject: cfg.MaxConnectionsPerProject,
		SendTimeout:              cfg.SendTimeout,
	}, log)

	router := ws.NewRouter(log)
	h := newHandlers(registry, natsClient, log)
	h.register(router)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}

	opts := []ws.Option{
		ws.WithPresence(sessionStore),
		ws.WithLimiter(limiter),
		ws.WithRoute("GET /presence/users/{user_id}", presenceHandler(sessionStore, log)),
	}

	// --- Postgres (optional) ---
	var recorder *audit.Recorder
	if cfg.DatabaseURL != "" {
		db, err := audit.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := audit.Migrate(db); err != nil {
			return err
		}
		auditStore := audit.NewStore(db)
		recorder = audit.NewRecorder(auditStore, 5*time.Second, log)
		opts = append(opts,
			ws.WithRemovalObserver(auditObserver(recorder, serverName)),
			ws.WithRoute("GET /audit/users/{user_id}", disconnectsHandler(auditStore, log)),
		)
	}

	server, err := ws.NewServer(serverConfig, registry, router, log, opts...)
	if err != nil {
		return err
	}

	// --- Event bridge ---
	var source events.Source
	switch cfg.EventSource {
	case config.EventSourceLocal:
		source = events.NewEmitter(log)
	default:
		source = events.NewNATSSource(ctx, natsClient, log)
	}

	br := bridge.New(registry, log)
	if err := br.SetupEventListeners(source); err != nil {
		return err
	}
	if err := bridge.StartRelay(ctx, natsClient, br); err != nil {
		return err
	}
	if err := natsClient.Subscribe(messaging.SubjectLogout, h.logout); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("received signal, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	// Shutdown removed every connection; flush their audit rows before the
	// deferred db.Close.
	if recorder != nil {
		if err := recorder.Close(shutdownCtx); err != nil {
			log.Warn("audit flush incomplete", zap.Error(err))
		}
	}
	return nil
}

// auditObserver turns registry removals into audit entries.
func auditObserver(rec *audit.Recorder, serverName string) ws.RemovalObserver {
	return func(meta ws.ConnectionMetadata, reason ws.RemovalReason, at time.Time) {
		rec.Submit(audit.Entry{
			ConnectionID:   meta.ConnectionID,
			UserID:         meta.UserID,
			ProjectID:      meta.ProjectID,
			Server:         serverName,
			ConnectedAt:    meta.ConnectedAt,
			DisconnectedAt: at,
			MessageCount:   meta.MessageCount,
			Reason:         string(reason),
		})
	}
}
