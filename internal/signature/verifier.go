package signature

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// ErrInvalidSignature covers every verification failure: missing header,
// HMAC mismatch, or a signed timestamp outside the tolerance window. The
// HTTP layer maps it to 400 so the provider retries the delivery.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier authenticates inbound webhook deliveries against the shared
// signing secret. It must be given the exact raw request bytes; any
// re-serialization before verification invalidates the signature.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify recomputes the HMAC over rawBody and compares it against the
// v1 signatures in sigHeader (constant-time, with replay protection via
// the signed timestamp). On success it returns the parsed event.
func (v *Verifier) Verify(rawBody []byte, sigHeader string) (stripe.Event, error) {
	if sigHeader == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithTolerance(rawBody, sigHeader, v.secret, v.tolerance)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}
