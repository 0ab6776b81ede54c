package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"classtrack/internal/attendance"
	"classtrack/internal/config"
	"classtrack/internal/engine"
	"classtrack/internal/proximity"
	"classtrack/internal/queue"
	"classtrack/internal/roster"
	"classtrack/internal/session"
	"classtrack/internal/store"
	"classtrack/internal/token"
)

// Sweeper closes elapsed sessions on a timer and drains the event queue
// into the audit log. Page-view sweeps in the API keep lists fresh; this
// daemon catches sessions nobody looks at.
func main() {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var events queue.Queue
	if cfg.QueueBackend == "memory" {
		events = queue.NewInMemory(64)
	} else {
		events = queue.NewRedisQueue(redisClient.Client, "classtrack:events")
	}

	rosterRepo := roster.NewRepository(db.Client)
	sessionRepo := session.NewRepo(db.Client)
	tokenRepo := token.NewRepo(db.Client)
	recordRepo := attendance.NewRepo(db.Client)

	sessionSvc := session.NewService(sessionRepo, rosterRepo)
	tokenSvc := token.NewService(tokenRepo, sessionRepo)
	recorderSvc := attendance.NewService(recordRepo, rosterRepo, tokenRepo, sessionRepo, proximity.NewVerifier(cfg.ProximityOctets))

	eng := engine.New(sessionSvc, tokenSvc, recorderSvc, events, log, cfg.TokenValidity, cfg.ScanURLBase)

	go consumeEvents(ctx, events, log)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	log.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		case <-ticker.C:
			closed, err := eng.SweepAll(ctx, time.Now().UTC())
			if err != nil {
				log.Warn("sweep pass failed", zap.Error(err))
			}
			if len(closed) > 0 {
				log.Info("sweep pass closed sessions", zap.Strings("session_ids", closed))
			}
		}
	}
}

func consumeEvents(ctx context.Context, events queue.Queue, log *zap.Logger) {
	messages, err := events.Consume(ctx)
	if err != nil {
		log.Warn("event consume init failed", zap.Error(err))
		return
	}
	for evt := range messages {
		log.Info("engine event",
			zap.String("kind", evt.Kind),
			zap.String("session_id", evt.SessionID),
			zap.String("student_id", evt.StudentID),
			zap.String("outcome", evt.Outcome),
			zap.Time("at", evt.At))
	}
}
