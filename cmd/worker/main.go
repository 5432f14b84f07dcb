package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/briangreenhill/vatgate/internal/billing"
	"github.com/briangreenhill/vatgate/internal/config"
	"github.com/briangreenhill/vatgate/internal/email"
	"github.com/briangreenhill/vatgate/internal/jobs"
	"github.com/briangreenhill/vatgate/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config error: ", err)
	}

	st, err := store.Open(context.Background(), store.Options{
		Backend:     cfg.StoreBackend,
		Dir:         cfg.StoreDir,
		RedisAddr:   cfg.RedisAddr,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		log.Fatal("store error: ", err)
	}

	var sender email.Sender = email.StdoutSender{}
	if cfg.HasSMTP() {
		sender = email.NewSMTPSender(cfg.SMTPAddr, cfg.EmailFrom)
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: 8,
		Queues: map[string]int{
			"provision": 10, // higher priority
			"default":   5,  // default priority
		},
	})
	mux := asynq.NewServeMux()

	mux.HandleFunc(jobs.TaskProvisionKey, func(ctx context.Context, t *asynq.Task) error {
		var p jobs.ProvisionKeyPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Printf("[provision] bad payload: %v", err)
			return err
		}
		start := time.Now()
		err := provisionKey(ctx, st, sender, cfg.BaseURL, p)
		duration := time.Since(start)

		if err != nil {
			if isRetryableError(err) {
				log.Printf("[provision] retryable error email=%s duration=%v: %v", p.Email, duration, err)
				return err // allow retry
			}
			log.Printf("[provision] permanent error email=%s duration=%v: %v (dropping job)", p.Email, duration, err)
			return nil // don't retry permanent failures
		}
		log.Printf("[provision] done email=%s duration=%v", p.Email, duration)
		return nil
	})

	log.Println("Worker running...")
	log.Fatal(srv.Run(mux))
}

// provisionKey generates a fresh API key, persists the record, and mails the
// key to the subscriber.
func provisionKey(ctx context.Context, st store.Store, sender email.Sender, baseURL string, p jobs.ProvisionKeyPayload) error {
	rec := billing.KeyRecord{
		Key:            uuid.NewString(),
		Email:          p.Email,
		SubscriptionID: p.SubscriptionID,
		PriceID:        p.PriceID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := billing.SaveKey(ctx, st, rec); err != nil {
		return fmt.Errorf("save key record: %w", err)
	}

	html := "<p>Thanks for subscribing. Your API key:</p>" +
		"<pre>" + rec.Key + "</pre>" +
		"<p>Send it in the X-API-Key header:</p>" +
		"<pre>curl -H 'X-API-Key: " + rec.Key + "' '" + baseURL + "/v1/lookup?countryCode=DE&amp;vatNumber=123456789'</pre>"
	if err := sender.Send(p.Email, "Your VAT lookup API key", html); err != nil {
		return fmt.Errorf("send key email: %w", err)
	}
	return nil
}

// isRetryableError determines if an error should trigger a job retry
func isRetryableError(err error) bool {
	errStr := strings.ToLower(err.Error())

	// Network/connectivity issues - should retry
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") {
		return true
	}

	// SMTP relay hiccups - should retry later
	if strings.Contains(errStr, "smtp") ||
		strings.Contains(errStr, "421") ||
		strings.Contains(errStr, "450") {
		return true
	}

	// Everything else (bad addresses, bad data, etc.) - don't retry
	return false
}
