package meter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/vatgate/internal/store"
)

// brokenStore fails every operation, simulating an unreachable backend.
type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("store offline")
}

func (brokenStore) Put(ctx context.Context, key string, data []byte) error {
	return errors.New("store offline")
}

func newMeter(st store.Store, limit int, window time.Duration, now time.Time) *Meter {
	return &Meter{
		Store:  st,
		Limit:  limit,
		Window: window,
		Log:    zerolog.Nop(),
		Now:    func() time.Time { return now },
	}
}

func TestMeterQuotaSequence(t *testing.T) {
	now := time.Date(2025, 8, 11, 16, 0, 30, 0, time.UTC)
	m := newMeter(store.NewMemStore(), 5, time.Minute, now)
	req := Request{APIKey: "key-1", Email: "a@example.com", CountryCode: "DE", VATNumber: "1"}

	for i, wantRemaining := range []int{4, 3, 2, 1, 0} {
		dec := m.Check(context.Background(), req)
		require.True(t, dec.Allowed, "request %d should be admitted", i+1)
		require.Equal(t, wantRemaining, dec.Remaining)
		require.Empty(t, dec.Reason)
	}

	dec := m.Check(context.Background(), req)
	require.False(t, dec.Allowed)
	require.Equal(t, 0, dec.Remaining)
	require.Equal(t, ReasonRateLimited, dec.Reason)
}

func TestMeterKeysAreIndependent(t *testing.T) {
	now := time.Now()
	m := newMeter(store.NewMemStore(), 1, time.Minute, now)

	require.True(t, m.Check(context.Background(), Request{APIKey: "a"}).Allowed)
	require.False(t, m.Check(context.Background(), Request{APIKey: "a"}).Allowed)

	// A different key still has its full quota.
	require.True(t, m.Check(context.Background(), Request{APIKey: "b"}).Allowed)
}

func TestMeterFailsOpenWithoutStore(t *testing.T) {
	m := &Meter{Limit: 5, Window: time.Minute, Log: zerolog.Nop()}

	for i := 0; i < 20; i++ {
		dec := m.Check(context.Background(), Request{APIKey: "key-1"})
		require.True(t, dec.Allowed)
		require.Equal(t, -1, dec.Remaining)
	}
}

func TestMeterFailsOpenWithoutKey(t *testing.T) {
	m := newMeter(store.NewMemStore(), 5, time.Minute, time.Now())

	dec := m.Check(context.Background(), Request{APIKey: ""})
	require.True(t, dec.Allowed)
}

func TestMeterFailsOpenOnStoreError(t *testing.T) {
	m := newMeter(brokenStore{}, 1, time.Minute, time.Now())

	for i := 0; i < 5; i++ {
		dec := m.Check(context.Background(), Request{APIKey: "key-1"})
		require.True(t, dec.Allowed)
	}
}

func TestMeterWindowRollover(t *testing.T) {
	window := time.Minute
	t0 := time.Date(2025, 8, 11, 16, 0, 30, 0, time.UTC)
	st := store.NewMemStore()
	m := newMeter(st, 2, window, t0)
	req := Request{APIKey: "key-1"}

	require.True(t, m.Check(context.Background(), req).Allowed)
	require.True(t, m.Check(context.Background(), req).Allowed)
	require.False(t, m.Check(context.Background(), req).Allowed)

	// The next aligned window grants a fresh quota.
	m.Now = func() time.Time { return t0.Add(window) }
	dec := m.Check(context.Background(), req)
	require.True(t, dec.Allowed)
	require.Equal(t, 1, dec.Remaining)
}

func TestMeterFractionalSecondWindow(t *testing.T) {
	window := 2500 * time.Millisecond
	t0 := time.Unix(1000, 0) // a multiple of 2.5s, so a window boundary
	m := newMeter(store.NewMemStore(), 1, window, t0)
	req := Request{APIKey: "k"}

	require.True(t, m.Check(context.Background(), req).Allowed)

	// Two seconds later is still inside the same 2.5s window.
	m.Now = func() time.Time { return t0.Add(2 * time.Second) }
	require.False(t, m.Check(context.Background(), req).Allowed)

	// Three seconds later the next window has opened.
	m.Now = func() time.Time { return t0.Add(3 * time.Second) }
	require.True(t, m.Check(context.Background(), req).Allowed)
}

func TestMeterWindowAlignment(t *testing.T) {
	// Two instants in the same aligned minute share a bucket even across
	// meter instances.
	st := store.NewMemStore()
	t0 := time.Date(2025, 8, 11, 16, 0, 1, 0, time.UTC)
	t1 := time.Date(2025, 8, 11, 16, 0, 59, 0, time.UTC)

	m1 := newMeter(st, 3, time.Minute, t0)
	m2 := newMeter(st, 3, time.Minute, t1)

	require.Equal(t, 2, m1.Check(context.Background(), Request{APIKey: "k"}).Remaining)
	require.Equal(t, 1, m2.Check(context.Background(), Request{APIKey: "k"}).Remaining)
}
