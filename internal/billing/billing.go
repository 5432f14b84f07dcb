// Package billing integrates the subscription provider: entitlement checks
// for API keys, the provider's REST API, and webhook verification.
package billing

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/briangreenhill/vatgate/internal/store"
)

// Kind classifies entitlement failures so the HTTP layer can map each onto a
// status code without matching on error strings.
type Kind int

const (
	KindInvalidKey Kind = iota + 1
	KindKeyRevoked
	KindNoActiveSubscription
	KindPriceNotAllowed
	KindAccessDenied
)

func (k Kind) String() string {
	switch k {
	case KindInvalidKey:
		return "invalid_key"
	case KindKeyRevoked:
		return "key_revoked"
	case KindNoActiveSubscription:
		return "no_active_subscription"
	case KindPriceNotAllowed:
		return "price_not_allowed"
	default:
		return "access_denied"
	}
}

// Error is a tagged entitlement failure.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// KeyRecord is a provisioned API key as stored in the blob store.
type KeyRecord struct {
	Key            string    `json:"key"`
	Email          string    `json:"email"`
	SubscriptionID string    `json:"subscriptionId"`
	PriceID        string    `json:"priceId"`
	Revoked        bool      `json:"revoked"`
	CreatedAt      time.Time `json:"createdAt"`
}

func keyPath(apiKey string) string {
	return "keys/" + apiKey
}

// SaveKey persists a key record.
func SaveKey(ctx context.Context, s store.Store, rec KeyRecord) error {
	return store.PutJSON(ctx, s, keyPath(rec.Key), rec)
}

// LoadKey fetches a key record; store.ErrNotFound means no such key.
func LoadKey(ctx context.Context, s store.Store, apiKey string) (KeyRecord, error) {
	var rec KeyRecord
	err := store.GetJSON(ctx, s, keyPath(apiKey), &rec)
	return rec, err
}

// Entitlement is what a verified key grants.
type Entitlement struct {
	Email          string
	SubscriptionID string
	PriceID        string
}

// Verifier checks an API key against the key records and, when a Client is
// configured, the billing provider's view of the subscription.
type Verifier struct {
	Store         store.Store
	Client        *Client
	AllowedPrices []string
}

// Check verifies the key and returns its entitlement, or an *Error whose
// Kind the caller can switch on exhaustively.
func (v *Verifier) Check(ctx context.Context, apiKey string) (Entitlement, error) {
	if apiKey == "" {
		return Entitlement{}, &Error{Kind: KindInvalidKey}
	}

	rec, err := LoadKey(ctx, v.Store, apiKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Entitlement{}, &Error{Kind: KindInvalidKey}
		}
		return Entitlement{}, &Error{Kind: KindAccessDenied, Detail: err.Error()}
	}
	if rec.Revoked {
		return Entitlement{}, &Error{Kind: KindKeyRevoked}
	}

	if v.Client != nil && rec.SubscriptionID != "" {
		sub, err := v.Client.GetSubscription(ctx, rec.SubscriptionID)
		if err != nil {
			return Entitlement{}, &Error{Kind: KindAccessDenied, Detail: err.Error()}
		}
		if !sub.Active() {
			return Entitlement{}, &Error{Kind: KindNoActiveSubscription}
		}
		if len(v.AllowedPrices) > 0 && !slices.Contains(v.AllowedPrices, sub.PriceID) {
			return Entitlement{}, &Error{Kind: KindPriceNotAllowed}
		}
	}

	return Entitlement{
		Email:          rec.Email,
		SubscriptionID: rec.SubscriptionID,
		PriceID:        rec.PriceID,
	}, nil
}
