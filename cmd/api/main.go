package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go2irl/freightdesk/internal/config"
	"github.com/go2irl/freightdesk/internal/db"
	"github.com/go2irl/freightdesk/internal/freight"
	"github.com/go2irl/freightdesk/internal/httpapi"
	"github.com/go2irl/freightdesk/internal/mail"
	"github.com/go2irl/freightdesk/internal/store/rabbitmq"
	"github.com/go2irl/freightdesk/internal/store/redisstore"
)

// main is the composition root for the tool-call API server.
func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := db.Migrate(gdb); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	repo := freight.NewRepo(gdb)

	var mailer mail.Mailer
	if cfg.ResendAPIKey != "" {
		mailer = mail.NewResendClient(cfg.ResendAPIKey, cfg.ResendBaseURL)
	} else {
		log.Printf("RESEND_API_KEY not set, send_email disabled")
	}

	var jobs freight.EmailJobPublisher
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit publisher: %v", err)
		}
		defer pub.Close()
		jobs = pub
	} else {
		log.Printf("RABBIT_URL not set, email job publishing disabled")
	}

	var receipts freight.ReceiptStore
	if cfg.RedisAddr != "" {
		store := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer store.Close()
		receipts = store
	}

	svc := freight.NewService(repo, mailer, jobs, receipts)
	router := httpapi.NewRouter(svc)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("api listening addr=%s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("api shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
