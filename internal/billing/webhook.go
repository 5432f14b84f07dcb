package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the provider's HMAC over the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// EventCheckoutCompleted is the only event type that triggers provisioning.
const EventCheckoutCompleted = "checkout.completed"

// Event is the webhook payload from the billing provider.
type Event struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Email          string `json:"email"`
	SubscriptionID string `json:"subscription_id"`
	PriceID        string `json:"price_id"`
}

// ErrBadSignature rejects a webhook whose signature does not match.
var ErrBadSignature = errors.New("invalid webhook signature")

// SignBody computes the hex HMAC-SHA256 the provider sends in
// SignatureHeader.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks sig against body in constant time.
func VerifySignature(secret, body []byte, sig string) error {
	expected := SignBody(secret, body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(sig))) {
		return ErrBadSignature
	}
	return nil
}

// ParseEvent verifies the signature and decodes the event.
func ParseEvent(secret, body []byte, sig string) (*Event, error) {
	if err := VerifySignature(secret, body, sig); err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	if ev.Type == "" {
		return nil, errors.New("webhook event missing type")
	}
	return &ev, nil
}
