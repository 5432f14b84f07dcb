package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/vatgate/internal/store"
)

// captureStore records the last Put so tests can inspect the key and payload.
type captureStore struct {
	key  string
	data []byte
	err  error
}

func (c *captureStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, store.ErrNotFound
}

func (c *captureStore) Put(ctx context.Context, key string, data []byte) error {
	c.key = key
	c.data = append([]byte(nil), data...)
	return c.err
}

func TestWrite(t *testing.T) {
	cs := &captureStore{}
	a := &Auditor{Store: cs, Log: zerolog.Nop()}

	at := time.Date(2025, 8, 11, 16, 0, 0, 0, time.UTC)
	a.Write(context.Background(), Record{
		At:          at,
		Action:      "lookup",
		APIKey:      "key-1",
		CountryCode: "DE",
		VATNumber:   "12345678912",
	})

	require.True(t, strings.HasPrefix(cs.key, "audit/"))
	require.Contains(t, cs.key, "_")

	var rec Record
	require.NoError(t, json.Unmarshal(cs.data, &rec))
	require.NotEmpty(t, rec.ID)
	require.True(t, rec.At.Equal(at))
	require.Equal(t, "lookup", rec.Action)
	require.Equal(t, "DE", rec.CountryCode)
	require.Equal(t, "12345678912", rec.VATNumber)
}

func TestWriteFillsDefaults(t *testing.T) {
	cs := &captureStore{}
	a := &Auditor{Store: cs, Log: zerolog.Nop()}

	a.Write(context.Background(), Record{Action: "meter", APIKey: "key-1"})

	var rec Record
	require.NoError(t, json.Unmarshal(cs.data, &rec))
	require.NotEmpty(t, rec.ID)
	require.False(t, rec.At.IsZero())
}

func TestWriteSwallowsStoreErrors(t *testing.T) {
	cs := &captureStore{err: errors.New("store offline")}
	a := &Auditor{Store: cs, Log: zerolog.Nop()}

	// Must not panic or surface the error.
	a.Write(context.Background(), Record{Action: "lookup"})
}

func TestWriteNilAuditorIsNoop(t *testing.T) {
	var a *Auditor
	a.Write(context.Background(), Record{Action: "lookup"})

	a = &Auditor{Log: zerolog.Nop()}
	a.Write(context.Background(), Record{Action: "lookup"})
}
