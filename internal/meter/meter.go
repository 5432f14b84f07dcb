// Package meter enforces a per-key request quota over fixed, aligned time
// windows, with counters persisted in the blob store.
//
// The counter is read-modify-write with no compare-and-swap: two concurrent
// requests can read the same prior count and write back the same increment,
// losing one update. That is accepted — this meter stops bursts, it is not
// an exact ledger. Upgrading to an atomic counter would tighten the quota
// and change observable behavior, so don't do it casually.
package meter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/vatgate/internal/audit"
	"github.com/briangreenhill/vatgate/internal/store"
)

// ReasonRateLimited is the only denial reason the meter produces.
const ReasonRateLimited = "rate_limit_exceeded"

// windowRecord is the persisted counter for one (key, window) bucket.
// WindowStart is the bucket's aligned start in Unix nanoseconds. Records are
// never deleted; closed windows are simply never read again.
type windowRecord struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"`
	Limit       int   `json:"limit"`
}

// Decision is the admit/deny outcome for one request. Remaining is -1 when
// the meter failed open and has no meaningful quota to report.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// Request carries the identifying fields for metering and audit.
type Request struct {
	APIKey      string
	Email       string
	CountryCode string
	VATNumber   string
}

// Meter decides admission. A zero-value or incompletely configured Meter
// fails open: missing store, missing key, or a broken backend must never
// block all traffic.
type Meter struct {
	Store  store.Store
	Audit  *audit.Auditor
	Limit  int
	Window time.Duration
	Log    zerolog.Logger

	// Now is the clock; tests override it.
	Now func() time.Time
}

func (m *Meter) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// windowStart aligns t to the current fixed window: floor(now/W)*W, computed
// in nanoseconds so window lengths need not be whole seconds. Bursts spanning
// a window boundary can momentarily admit up to twice the limit; that
// approximation is part of the contract.
func (m *Meter) windowStart(t time.Time) int64 {
	w := int64(m.Window)
	return t.UnixNano() / w * w
}

func bucketKey(apiKey string, windowStart int64) string {
	return fmt.Sprintf("meter/%s_%d", apiKey, windowStart)
}

// Check admits or denies the request under the quota and persists the
// updated counter. Store trouble at any step is swallowed; only the final
// admit/deny decision is observable to the caller.
func (m *Meter) Check(ctx context.Context, req Request) Decision {
	if m.Store == nil || req.APIKey == "" || m.Limit <= 0 || m.Window < time.Second {
		return Decision{Allowed: true, Remaining: -1}
	}

	now := m.now()
	ws := m.windowStart(now)
	key := bucketKey(req.APIKey, ws)

	rec := windowRecord{WindowStart: ws, Limit: m.Limit}
	if err := store.GetJSON(ctx, m.Store, key, &rec); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.Log.Warn().Err(err).Str("key", key).Msg("meter read failed, failing open")
		return Decision{Allowed: true, Remaining: -1}
	}

	rec.Count++
	rec.WindowStart = ws
	rec.Limit = m.Limit
	if err := store.PutJSON(ctx, m.Store, key, rec); err != nil {
		// Decide from the in-memory count anyway; the lost write only
		// loosens the quota for this window.
		m.Log.Warn().Err(err).Str("key", key).Msg("meter write failed")
	}

	if rec.Count > m.Limit {
		return Decision{Allowed: false, Remaining: 0, Reason: ReasonRateLimited}
	}

	m.Audit.Write(ctx, audit.Record{
		At:          now.UTC(),
		Action:      "meter",
		APIKey:      req.APIKey,
		Email:       req.Email,
		CountryCode: req.CountryCode,
		VATNumber:   req.VATNumber,
	})
	return Decision{Allowed: true, Remaining: m.Limit - rec.Count}
}
