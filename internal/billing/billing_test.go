package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/vatgate/internal/store"
)

func seedKey(t *testing.T, st store.Store, rec KeyRecord) {
	t.Helper()
	rec.CreatedAt = time.Now().UTC()
	require.NoError(t, SaveKey(context.Background(), st, rec))
}

func requireKind(t *testing.T, err error, want Kind) {
	t.Helper()
	require.Error(t, err)
	var bErr *Error
	require.ErrorAs(t, err, &bErr)
	require.Equal(t, want, bErr.Kind)
}

func TestVerifierUnknownKey(t *testing.T) {
	v := &Verifier{Store: store.NewMemStore()}

	_, err := v.Check(context.Background(), "nope")
	requireKind(t, err, KindInvalidKey)

	_, err = v.Check(context.Background(), "")
	requireKind(t, err, KindInvalidKey)
}

func TestVerifierRevokedKey(t *testing.T) {
	st := store.NewMemStore()
	seedKey(t, st, KeyRecord{Key: "k1", Email: "a@example.com", Revoked: true})

	v := &Verifier{Store: st}
	_, err := v.Check(context.Background(), "k1")
	requireKind(t, err, KindKeyRevoked)
}

func TestVerifierWithoutProviderClient(t *testing.T) {
	st := store.NewMemStore()
	seedKey(t, st, KeyRecord{Key: "k1", Email: "a@example.com", SubscriptionID: "sub_1", PriceID: "price_pro"})

	v := &Verifier{Store: st}
	ent, err := v.Check(context.Background(), "k1")
	require.NoError(t, err)
	require.Equal(t, "a@example.com", ent.Email)
	require.Equal(t, "sub_1", ent.SubscriptionID)
}

func billingServer(t *testing.T, subs map[string]Subscription) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/subscriptions/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		id := r.URL.Path[len("/v1/subscriptions/"):]
		sub, ok := subs[id]
		if !ok {
			http.Error(w, `{"error":"no such subscription"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(sub)
	})
	return httptest.NewServer(mux)
}

func TestVerifierSubscriptionStates(t *testing.T) {
	srv := billingServer(t, map[string]Subscription{
		"sub_active":   {ID: "sub_active", Status: "active", PriceID: "price_pro"},
		"sub_trial":    {ID: "sub_trial", Status: "trialing", PriceID: "price_pro"},
		"sub_canceled": {ID: "sub_canceled", Status: "canceled", PriceID: "price_pro"},
		"sub_cheap":    {ID: "sub_cheap", Status: "active", PriceID: "price_free"},
	})
	defer srv.Close()

	st := store.NewMemStore()
	seedKey(t, st, KeyRecord{Key: "k-active", SubscriptionID: "sub_active", Email: "a@example.com"})
	seedKey(t, st, KeyRecord{Key: "k-trial", SubscriptionID: "sub_trial"})
	seedKey(t, st, KeyRecord{Key: "k-canceled", SubscriptionID: "sub_canceled"})
	seedKey(t, st, KeyRecord{Key: "k-cheap", SubscriptionID: "sub_cheap"})
	seedKey(t, st, KeyRecord{Key: "k-gone", SubscriptionID: "sub_gone"})

	v := &Verifier{
		Store:         st,
		Client:        NewClient(srv.URL, "sk_test"),
		AllowedPrices: []string{"price_pro"},
	}
	ctx := context.Background()

	ent, err := v.Check(ctx, "k-active")
	require.NoError(t, err)
	require.Equal(t, "a@example.com", ent.Email)

	_, err = v.Check(ctx, "k-trial")
	require.NoError(t, err)

	_, err = v.Check(ctx, "k-canceled")
	requireKind(t, err, KindNoActiveSubscription)

	_, err = v.Check(ctx, "k-cheap")
	requireKind(t, err, KindPriceNotAllowed)

	_, err = v.Check(ctx, "k-gone")
	requireKind(t, err, KindAccessDenied)
}

func TestErrorKindStrings(t *testing.T) {
	require.Equal(t, "invalid_key", KindInvalidKey.String())
	require.Equal(t, "key_revoked", KindKeyRevoked.String())
	require.Equal(t, "no_active_subscription", KindNoActiveSubscription.String())
	require.Equal(t, "price_not_allowed", KindPriceNotAllowed.String())
	require.Equal(t, "access_denied", KindAccessDenied.String())

	err := &Error{Kind: KindAccessDenied, Detail: "boom"}
	require.Equal(t, "access_denied: boom", err.Error())
}

func TestWebhookSignature(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"id":"evt_1","type":"checkout.completed","email":"a@example.com","subscription_id":"sub_1","price_id":"price_pro"}`)

	sig := SignBody(secret, body)
	ev, err := ParseEvent(secret, body, sig)
	require.NoError(t, err)
	require.Equal(t, EventCheckoutCompleted, ev.Type)
	require.Equal(t, "a@example.com", ev.Email)
	require.Equal(t, "sub_1", ev.SubscriptionID)

	_, err = ParseEvent(secret, body, "deadbeef")
	require.ErrorIs(t, err, ErrBadSignature)

	// Tampered body fails too.
	_, err = ParseEvent(secret, append(body, ' '), sig)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestWebhookRejectsTypelessEvent(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"id":"evt_1"}`)

	_, err := ParseEvent(secret, body, SignBody(secret, body))
	require.Error(t, err)
}
