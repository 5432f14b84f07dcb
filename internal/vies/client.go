// Package vies talks to the EU VIES checkVat SOAP service.
package vies

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultURL is the production checkVat endpoint.
const DefaultURL = "https://ec.europa.eu/taxation_customs/vies/services/checkVatService"

// DefaultTimeout bounds the socket and handshake budget per call. The
// service is slow and flaky under load; callers are expected to fall back to
// cached answers rather than wait longer.
const DefaultTimeout = 2500 * time.Millisecond

// CheckVatResponse is the upstream answer for one VAT number. RequestDate is
// kept as the raw string VIES sent; normalizing it is the caller's concern.
type CheckVatResponse struct {
	CountryCode string `xml:"countryCode"`
	VATNumber   string `xml:"vatNumber"`
	RequestDate string `xml:"requestDate"`
	Valid       bool   `xml:"valid"`
	Name        string `xml:"name"`
	Address     string `xml:"address"`
}

// Client calls the checkVat service over a persistent connection.
type Client struct {
	http    *http.Client
	url     string
	timeout time.Duration
	limiter *rate.Limiter // optional outbound throttle
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (and its timeouts).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithURL points the client at a different endpoint.
func WithURL(raw string) Option {
	return func(c *Client) {
		if raw != "" {
			c.url = raw
		}
	}
}

// WithTimeout sets the per-call socket/handshake budget.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRPS throttles outbound calls. VIES blocks callers that hammer it,
// so production deployments should set this. Zero disables the throttle.
func WithMaxRPS(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// New creates a checkVat client.
func New(opts ...Option) *Client {
	c := &Client{
		url:     DefaultURL,
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout: 4 * c.timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: c.timeout}).DialContext,
				TLSHandshakeTimeout: c.timeout,
			},
		}
	}
	return c
}

// CheckVat asks VIES whether the (countryCode, vatNumber) pair is a
// registered VAT ID. Connection errors, timeouts, SOAP faults, and malformed
// payloads all come back as plain errors; callers treat them uniformly as
// "upstream unavailable".
func (c *Client) CheckVat(ctx context.Context, countryCode, vatNumber string) (*CheckVatResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("checkVat throttle: %w", err)
		}
	}

	body, err := buildEnvelope(countryCode, vatNumber)
	if err != nil {
		return nil, fmt.Errorf("checkVat encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checkVat: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("checkVat read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("checkVat status %s", resp.Status)
	}

	var env responseEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("checkVat decode: %w", err)
	}
	if env.Body.Fault != nil {
		return nil, fmt.Errorf("checkVat fault: %s", env.Body.Fault.String)
	}
	if env.Body.Response == nil {
		return nil, errors.New("checkVat: malformed response envelope")
	}
	return env.Body.Response, nil
}

// requestEnvelope mirrors the checkVat request wire format.
type requestEnvelope struct {
	XMLName xml.Name `xml:"soapenv:Envelope"`
	NSSoap  string   `xml:"xmlns:soapenv,attr"`
	NSTypes string   `xml:"xmlns:urn,attr"`
	Body    struct {
		CheckVat struct {
			CountryCode string `xml:"urn:countryCode"`
			VATNumber   string `xml:"urn:vatNumber"`
		} `xml:"urn:checkVat"`
	} `xml:"soapenv:Body"`
}

func buildEnvelope(countryCode, vatNumber string) (string, error) {
	env := requestEnvelope{
		NSSoap:  "http://schemas.xmlsoap.org/soap/envelope/",
		NSTypes: "urn:ec.europa.eu:taxud:vies:services:checkVat:types",
	}
	env.Body.CheckVat.CountryCode = countryCode
	env.Body.CheckVat.VATNumber = vatNumber

	out, err := xml.Marshal(env)
	if err != nil {
		return "", err
	}
	return xml.Header + string(out), nil
}

// responseEnvelope matches elements by local name, so it handles whichever
// namespace prefixes the service chooses to emit.
type responseEnvelope struct {
	XMLName xml.Name
	Body    struct {
		Fault    *soapFault        `xml:"Fault"`
		Response *CheckVatResponse `xml:"checkVatResponse"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}
