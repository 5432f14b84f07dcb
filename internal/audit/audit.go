// Package audit writes append-only audit records to the blob store. Records
// are write-only from this service's point of view; they exist for external
// compliance tooling, and writing them is always best-effort.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/vatgate/internal/store"
)

// Record is one audited request.
type Record struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Action      string    `json:"action"` // "lookup" or "meter"
	APIKey      string    `json:"apiKey,omitempty"`
	Email       string    `json:"email,omitempty"`
	CountryCode string    `json:"countryCode"`
	VATNumber   string    `json:"vatNumber"`
}

// Auditor persists records. A nil Auditor or nil store is a no-op.
type Auditor struct {
	Store store.Store
	Log   zerolog.Logger
}

// Write persists rec. Failures are logged and swallowed; auditing must never
// abort the request it describes.
func (a *Auditor) Write(ctx context.Context, rec Record) {
	if a == nil || a.Store == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	key := fmt.Sprintf("audit/%d_%s", rec.At.UnixNano(), rec.ID)
	if err := store.PutJSON(ctx, a.Store, key, rec); err != nil {
		a.Log.Warn().Err(err).Str("action", rec.Action).Msg("audit write failed")
	}
}
