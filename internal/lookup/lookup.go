// Package lookup implements the validation flow around the checkVat
// upstream: call it once, cache good answers, and fall back to a fresh cache
// entry (or a soft failure) when it is unavailable.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/vatgate/internal/audit"
	"github.com/briangreenhill/vatgate/internal/store"
	"github.com/briangreenhill/vatgate/internal/vies"
)

// Source values carried on a Result.
const (
	SourceVies  = "vies"
	SourceCache = "cache"
	SourceError = "error"
)

// Request identifies one validation call.
type Request struct {
	CountryCode string
	VATNumber   string
	APIKey      string
	Email       string
}

// Result is the payload returned to callers. All fields are always present;
// Name and Address are explicit nulls when unknown.
type Result struct {
	CountryCode string    `json:"countryCode"`
	VATNumber   string    `json:"vatNumber"`
	Valid       bool      `json:"valid"`
	Name        *string   `json:"name"`
	Address     *string   `json:"address"`
	RequestDate time.Time `json:"requestDate"`
	LookupID    string    `json:"lookupId"`
	Source      string    `json:"source"`
	CacheTTLMs  int64     `json:"cacheTtlMs"`
	Cached      bool      `json:"cached,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// cacheEntry is what gets persisted per normalized (country, vat) pair.
// Entries are overwritten on every successful upstream call and never
// deleted; staleness is decided lazily at read time.
type cacheEntry struct {
	CachedAt time.Time `json:"cachedAt"`
	Result   Result    `json:"result"`
}

// Upstream is the checkVat call. It may fail with connection, timeout, or
// malformed-response errors; the engine treats all of them the same way.
type Upstream interface {
	CheckVat(ctx context.Context, countryCode, vatNumber string) (*vies.CheckVatResponse, error)
}

// Service wraps the upstream with a write-through cache and fallback reads.
// The cache is best-effort: a store outage degrades to "always call
// upstream, occasionally fail soft".
type Service struct {
	Store    store.Store
	Upstream Upstream
	Audit    *audit.Auditor
	TTL      time.Duration
	Log      zerolog.Logger

	// Now is the clock; tests override it.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Normalize returns the canonical form of a (countryCode, vatNumber) pair:
// uppercase trimmed country code, all whitespace stripped from the number.
// No format or checksum validation happens here; that is the upstream's job.
func Normalize(countryCode, vatNumber string) (string, string) {
	cc := strings.ToUpper(strings.TrimSpace(countryCode))
	vat := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, vatNumber)
	return cc, vat
}

func cacheKey(cc, vat string) string {
	return "cache/" + cc + "_" + vat
}

// Lookup never returns an error: every failure path terminates in a
// well-formed Result, distinguished by its Source and Error fields.
func (s *Service) Lookup(ctx context.Context, req Request) Result {
	cc, vat := Normalize(req.CountryCode, req.VATNumber)
	now := s.now()

	s.Audit.Write(ctx, audit.Record{
		At:          now.UTC(),
		Action:      "lookup",
		APIKey:      req.APIKey,
		Email:       req.Email,
		CountryCode: cc,
		VATNumber:   vat,
	})

	resp, err := s.Upstream.CheckVat(ctx, cc, vat)
	if err == nil {
		res := s.resultFromUpstream(cc, vat, resp, now)
		s.writeCache(ctx, cc, vat, res, now)
		return res
	}

	s.Log.Warn().Err(err).Str("countryCode", cc).Msg("upstream unavailable, trying cache")

	if cached, ok := s.readCache(ctx, cc, vat, now); ok {
		// Preserve the cached payload, restamp the envelope fields.
		res := cached
		res.RequestDate = now
		res.LookupID = lookupID(cc, vat, now)
		res.Source = SourceCache
		res.Cached = true
		res.CacheTTLMs = s.TTL.Milliseconds()
		res.Error = ""
		return res
	}

	return Result{
		CountryCode: cc,
		VATNumber:   vat,
		Valid:       false,
		Name:        nil,
		Address:     nil,
		RequestDate: now,
		LookupID:    lookupID(cc, vat, now),
		Source:      SourceError,
		CacheTTLMs:  s.TTL.Milliseconds(),
		Error:       "fallback:" + reasonTag(err),
	}
}

func (s *Service) resultFromUpstream(cc, vat string, resp *vies.CheckVatResponse, now time.Time) Result {
	res := Result{
		CountryCode: cc,
		VATNumber:   vat,
		Valid:       resp.Valid,
		RequestDate: parseRequestDate(resp.RequestDate, now),
		LookupID:    lookupID(cc, vat, now),
		Source:      SourceVies,
		CacheTTLMs:  s.TTL.Milliseconds(),
	}
	// VIES sends "---" when a trader's details are withheld.
	if name := strings.TrimSpace(resp.Name); name != "" && name != "---" {
		res.Name = &name
	}
	if addr := strings.TrimSpace(resp.Address); addr != "" && addr != "---" {
		res.Address = &addr
	}
	return res
}

// requestDateLayouts covers the timestamp shapes VIES has been seen to emit:
// full RFC 3339, a bare date with a zone offset, and a bare date.
var requestDateLayouts = []string{
	time.RFC3339,
	"2006-01-02-07:00",
	"2006-01-02",
}

// parseRequestDate normalizes the upstream timestamp. A malformed value is
// replaced with now, never propagated.
func parseRequestDate(raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range requestDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return now
}

// writeCache is best-effort: a failed write must not affect the result
// already in hand.
func (s *Service) writeCache(ctx context.Context, cc, vat string, res Result, now time.Time) {
	if s.Store == nil {
		return
	}
	entry := cacheEntry{CachedAt: now, Result: res}
	if err := store.PutJSON(ctx, s.Store, cacheKey(cc, vat), entry); err != nil {
		s.Log.Warn().Err(err).Str("key", cacheKey(cc, vat)).Msg("cache write failed")
	}
}

// readCache returns the cached result if an entry exists and is still fresh.
// Staleness is decided here, at read time; stale entries stay in the store
// until a later success overwrites them.
func (s *Service) readCache(ctx context.Context, cc, vat string, now time.Time) (Result, bool) {
	if s.Store == nil {
		return Result{}, false
	}
	var entry cacheEntry
	if err := store.GetJSON(ctx, s.Store, cacheKey(cc, vat), &entry); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.Log.Warn().Err(err).Msg("cache read failed")
		}
		return Result{}, false
	}
	if now.Sub(entry.CachedAt) >= s.TTL {
		return Result{}, false
	}
	return entry.Result, true
}

// lookupID tags a result for traceability. It is not a cache key and is only
// as unique as a nanosecond clock makes it.
func lookupID(cc, vat string, now time.Time) string {
	return fmt.Sprintf("%s%s-%s",
		strings.ToLower(cc), strings.ToLower(vat),
		strconv.FormatInt(now.UnixNano(), 36))
}

// reasonTag compresses an upstream failure into a short diagnostic tag for
// the Error field.
func reasonTag(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "dial"),
		strings.Contains(msg, "dns"),
		strings.Contains(msg, "no such host"):
		return "unreachable"
	case strings.Contains(msg, "fault"):
		return "fault"
	case strings.Contains(msg, "decode"),
		strings.Contains(msg, "malformed"),
		strings.Contains(msg, "xml"):
		return "bad_response"
	case strings.Contains(msg, "status"):
		return "bad_status"
	default:
		if len(msg) > 40 {
			msg = msg[:40]
		}
		return strings.ReplaceAll(msg, " ", "_")
	}
}
