package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/vatgate/internal/billing"
	appmw "github.com/briangreenhill/vatgate/internal/http/middleware"
	"github.com/briangreenhill/vatgate/internal/jobs"
	"github.com/briangreenhill/vatgate/internal/lookup"
	"github.com/briangreenhill/vatgate/internal/meter"
)

// Entitlements is the narrow surface the handlers need from billing.
type Entitlements interface {
	Check(ctx context.Context, apiKey string) (billing.Entitlement, error)
}

// Enqueuer abstracts the asynq client so tests can capture tasks.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	Router        *chi.Mux
	Lookup        *lookup.Service
	Meter         *meter.Meter
	Entitlements  Entitlements
	Queue         Enqueuer
	WebhookSecret string
	Log           zerolog.Logger
}

type ServerOptions struct {
	Lookup        *lookup.Service
	Meter         *meter.Meter
	Entitlements  Entitlements
	Queue         Enqueuer
	WebhookSecret string
	Log           zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:        r,
		Lookup:        opts.Lookup,
		Meter:         opts.Meter,
		Entitlements:  opts.Entitlements,
		Queue:         opts.Queue,
		WebhookSecret: opts.WebhookSecret,
		Log:           opts.Log,
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			s.Log.Error().Err(err).Msg("write health check response failed")
		}
	})

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.ExtractAPIKey)
		pr.Get("/v1/lookup", s.handleLookup)
	})

	r.Post("/webhooks/billing", s.handleBillingWebhook)

	return s
}

// handleLookup sequences entitlement, then the meter, then the validation
// engine. The two core components never call each other.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	countryCode := r.URL.Query().Get("countryCode")
	vatNumber := r.URL.Query().Get("vatNumber")
	if countryCode == "" || vatNumber == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "countryCode and vatNumber are required",
		})
		return
	}

	apiKey := appmw.APIKeyFrom(r.Context())
	ent, err := s.Entitlements.Check(r.Context(), apiKey)
	if err != nil {
		s.writeEntitlementError(w, err)
		return
	}

	dec := s.Meter.Check(r.Context(), meter.Request{
		APIKey:      apiKey,
		Email:       ent.Email,
		CountryCode: countryCode,
		VATNumber:   vatNumber,
	})
	if dec.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	}
	if !dec.Allowed {
		s.writeJSON(w, http.StatusTooManyRequests, dec)
		return
	}

	res := s.Lookup.Lookup(r.Context(), lookup.Request{
		CountryCode: countryCode,
		VATNumber:   vatNumber,
		APIKey:      apiKey,
		Email:       ent.Email,
	})
	s.writeJSON(w, http.StatusOK, res)
}

// writeEntitlementError maps the closed set of entitlement failures onto
// HTTP statuses. Anything unexpected gets the generic denial.
func (s *Server) writeEntitlementError(w http.ResponseWriter, err error) {
	kind := billing.KindAccessDenied
	var bErr *billing.Error
	if errors.As(err, &bErr) {
		kind = bErr.Kind
	}

	var status int
	switch kind {
	case billing.KindInvalidKey:
		status = http.StatusUnauthorized
	case billing.KindKeyRevoked:
		status = http.StatusForbidden
	case billing.KindNoActiveSubscription:
		status = http.StatusPaymentRequired
	case billing.KindPriceNotAllowed:
		status = http.StatusForbidden
	default:
		status = http.StatusForbidden
	}
	s.writeJSON(w, status, map[string]string{"error": kind.String()})
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	// Without a shared secret every signature "verifies"; refuse outright.
	if s.WebhookSecret == "" {
		http.Error(w, "webhooks not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	ev, err := billing.ParseEvent([]byte(s.WebhookSecret), body, r.Header.Get(billing.SignatureHeader))
	if err != nil {
		s.Log.Warn().Err(err).Msg("webhook rejected")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if ev.Type != billing.EventCheckoutCompleted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.Queue == nil {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	payload, err := json.Marshal(jobs.ProvisionKeyPayload{
		Email:          ev.Email,
		SubscriptionID: ev.SubscriptionID,
		PriceID:        ev.PriceID,
	})
	if err != nil {
		http.Error(w, "could not enqueue", http.StatusInternalServerError)
		return
	}

	task := asynq.NewTask(jobs.TaskProvisionKey, payload)
	info, err := s.Queue.Enqueue(task, asynq.Queue("provision"), asynq.MaxRetry(3))
	if err != nil {
		s.Log.Error().Err(err).Msg("enqueue provision failed")
		http.Error(w, "could not enqueue", http.StatusInternalServerError)
		return
	}

	s.Log.Info().Str("task", info.ID).Str("email", ev.Email).Msg("key provisioning queued")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.Error().Err(err).Msg("write response failed")
	}
}
