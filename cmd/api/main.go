// cmd/api/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/vatgate/internal/audit"
	"github.com/briangreenhill/vatgate/internal/billing"
	"github.com/briangreenhill/vatgate/internal/config"
	"github.com/briangreenhill/vatgate/internal/http/routes"
	"github.com/briangreenhill/vatgate/internal/lookup"
	"github.com/briangreenhill/vatgate/internal/meter"
	"github.com/briangreenhill/vatgate/internal/store"
	"github.com/briangreenhill/vatgate/internal/vies"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	log.Printf("starting vatgate on :%s (store=%s)", cfg.Port, cfg.StoreBackend)

	// Blob store
	st, err := store.Open(context.Background(), store.Options{
		Backend:     cfg.StoreBackend,
		Dir:         cfg.StoreDir,
		RedisAddr:   cfg.RedisAddr,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		log.Fatalf("store error: %v", err)
	}

	auditor := &audit.Auditor{Store: st, Log: logger}

	// Upstream checkVat client
	viesClient := vies.New(
		vies.WithURL(cfg.Vies.URL),
		vies.WithTimeout(cfg.Vies.Timeout),
		vies.WithMaxRPS(cfg.Vies.MaxRPS),
	)

	lookupSvc := &lookup.Service{
		Store:    st,
		Upstream: viesClient,
		Audit:    auditor,
		TTL:      cfg.CacheTTL,
		Log:      logger,
	}

	usageMeter := &meter.Meter{
		Store:  st,
		Audit:  auditor,
		Limit:  cfg.RateLimit,
		Window: cfg.RateWindow,
		Log:    logger,
	}

	// Entitlements: key records always, provider check when configured
	verifier := &billing.Verifier{Store: st, AllowedPrices: cfg.Billing.AllowedPrices}
	if cfg.HasBilling() {
		verifier.Client = billing.NewClient(cfg.Billing.APIURL, cfg.Billing.APIKey)
	}

	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if closeErr := queue.Close(); closeErr != nil {
			log.Printf("Error closing asynq client: %v", closeErr)
		}
	}()

	// Router / server
	s := routes.New(routes.ServerOptions{
		Lookup:        lookupSvc,
		Meter:         usageMeter,
		Entitlements:  verifier,
		Queue:         queue,
		WebhookSecret: cfg.Billing.WebhookSecret,
		Log:           logger,
	})
	h := hlog.NewHandler(logger)(s.Router)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: h}
	log.Fatal(srv.ListenAndServe())
}
