package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"unsubscribe-engine/internal/config"
	"unsubscribe-engine/internal/executor"
	"unsubscribe-engine/internal/queue"
	"unsubscribe-engine/internal/safety"
	"unsubscribe-engine/internal/scheduler"
	"unsubscribe-engine/internal/store"
	"unsubscribe-engine/internal/telemetry"
	workerproc "unsubscribe-engine/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRunQueue(cfg)
	defer q.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	execs := executor.NewRegistry(
		executor.NewOneClick(executor.OneClickConfig{
			Timeout:       cfg.OneClickTimeout,
			MaxRetries:    cfg.OneClickMaxRetries,
			BackoffBase:   cfg.BackoffBase,
			BackoffFactor: cfg.BackoffFactor,
		}),
		executor.NewMailto(executor.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom)),
		executor.NewBrowser(executor.BrowserConfig{
			Timeout:  cfg.BrowserTimeout,
			Headless: cfg.BrowserHeadless,
		}),
		executor.Manual{},
	)
	sched := scheduler.New(st, safety.New(st), execs, scheduler.Config{
		HTTPPoolSize:    cfg.HTTPPoolSize,
		BrowserPoolSize: cfg.BrowserPoolSize,
	})
	processor := workerproc.NewProcessorWithID(cfg, q, st, sched, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with visibility=%s pools http=%d browser=%d", cfg.VisibilityTimeout, cfg.HTTPPoolSize, cfg.BrowserPoolSize)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
