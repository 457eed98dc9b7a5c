package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presence/internal/config"
	"presence/internal/messaging"
	"presence/internal/notify"
	"presence/internal/queue"
	"presence/internal/store"
)

const dispatchLockKey = "presence:dispatch:lock"

// Dispatcher drains due scheduled messages on a poll interval, plus whenever
// the API publishes a wake-up signal.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(16)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:dispatch")
	}

	gateway := notify.NewRouter(
		notify.NewSMSGateway(cfg.SMSAPIURL, cfg.SMSAPIKey, cfg.SMSSender, cfg.GatewayTimeout),
		notify.NewEmailGateway(cfg.SendgridKey, cfg.EmailFromName, cfg.EmailFrom),
	)
	repo := messaging.NewPostgresRepository(db.Client)
	dispatcher := messaging.NewDispatcher(repo, gateway, cfg.GatewayTimeout, cfg.PhoneCountryCode)

	runPass := func() {
		// One pass at a time across all dispatcher instances.
		if !redisClient.AcquireLock(ctx, dispatchLockKey, cfg.DispatchInterval) {
			log.Println("another dispatcher holds the lock, skipping pass")
			return
		}
		defer redisClient.ReleaseLock(ctx, dispatchLockKey)

		report, err := dispatcher.ProcessDue(ctx)
		if err != nil {
			log.Printf("dispatch pass failed: %v", err)
			return
		}
		if report.Processed > 0 {
			log.Printf("dispatch pass: %d processed, %d sent, %d failed",
				report.Processed, report.SuccessCount, report.ErrorCount)
		}
	}

	signals, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	ticker := time.NewTicker(cfg.DispatchInterval)
	defer ticker.Stop()

	log.Printf("dispatcher started, polling every %s", cfg.DispatchInterval)
	runPass()

	for {
		select {
		case <-ctx.Done():
			log.Println("dispatcher stopped")
			return
		case <-ticker.C:
			runPass()
		case sig, ok := <-signals:
			if !ok {
				log.Println("dispatcher stopped")
				return
			}
			if sig.Kind != "dispatch" {
				continue
			}
			runPass()
		}
	}
}
