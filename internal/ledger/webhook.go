package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"pulse/infrastructure"
)

const (
	SignatureHeader    = "Pulse-Signature"
	signatureTolerance = 5 * time.Minute

	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// Sign produces the signature header value for body at the given time.
func Sign(secret, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + signature(secret, ts, body)
}

func signature(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "t=<unix>,v1=<hex>" header against body.
func VerifySignature(secret []byte, header string, body []byte, now time.Time) error {
	if len(secret) == 0 {
		return infrastructure.ExternalServicef("webhook secret is not configured")
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return infrastructure.ExternalServicef("malformed webhook signature")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return infrastructure.ExternalServicef("malformed webhook timestamp")
	}
	if age := now.Sub(time.Unix(unix, 0)); age > signatureTolerance || age < -signatureTolerance {
		return infrastructure.ExternalServicef("webhook timestamp outside tolerance")
	}

	expected := []byte(signature(secret, ts, body))
	for _, sig := range sigs {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return infrastructure.ExternalServicef("webhook signature mismatch")
}

type WebhookEvent struct {
	ID          string
	Type        string
	ExternalRef string
	UserID      string
	Amount      int64
}

// ParseWebhookEvent extracts the fields the ledger needs from a gateway event.
func ParseWebhookEvent(body []byte) (WebhookEvent, error) {
	if !gjson.ValidBytes(body) {
		return WebhookEvent{}, infrastructure.Validationf("webhook body is not valid JSON")
	}
	res := gjson.GetManyBytes(body, "id", "type", "data.external_ref", "data.metadata.user_id", "data.metadata.points")
	ev := WebhookEvent{
		ID:          res[0].String(),
		Type:        res[1].String(),
		ExternalRef: res[2].String(),
		UserID:      res[3].String(),
		Amount:      res[4].Int(),
	}
	if ev.Type == "" {
		return WebhookEvent{}, infrastructure.Validationf("webhook event has no type")
	}
	return ev, nil
}

// HandleWebhook applies a verified gateway event. Unknown event types are
// acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, ev WebhookEvent) error {
	log := s.log.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()
	switch ev.Type {
	case EventPaymentSucceeded:
		res, err := s.CompletePurchase(ctx, Completion{ExternalRef: ev.ExternalRef, UserID: ev.UserID, Amount: ev.Amount})
		if err != nil {
			return fmt.Errorf("failed to complete purchase: %w", err)
		}
		log.Info().Bool("applied", res.Applied).Msg("payment webhook processed")
	case EventPaymentFailed:
		if _, err := s.FailPurchase(ctx, ev.ExternalRef); err != nil {
			return fmt.Errorf("failed to fail purchase: %w", err)
		}
		log.Info().Msg("payment webhook processed")
	default:
		log.Debug().Msg("ignoring webhook event")
	}
	return nil
}
