package ledger

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/infrastructure"
)

var webhookSecret = []byte("whsec_test")

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"payment.succeeded"}`)
	now := time.Unix(1_700_000_000, 0)
	header := Sign(webhookSecret, body, now)

	require.NoError(t, VerifySignature(webhookSecret, header, body, now.Add(time.Minute)))

	tests := []struct {
		name   string
		secret []byte
		header string
		body   []byte
		now    time.Time
	}{
		{"tampered body", webhookSecret, header, []byte(`{"type":"payment.failed"}`), now},
		{"wrong secret", []byte("other"), header, body, now},
		{"stale", webhookSecret, header, body, now.Add(6 * time.Minute)},
		{"malformed", webhookSecret, "v1=deadbeef", body, now},
		{"empty secret", nil, header, body, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.secret, tt.header, tt.body, tt.now)
			assert.ErrorIs(t, err, infrastructure.ErrExternalService)
		})
	}
}

func TestParseWebhookEvent(t *testing.T) {
	ev, err := ParseWebhookEvent([]byte(`{
		"id": "evt_1",
		"type": "payment.succeeded",
		"data": {"external_ref": "pi_9", "metadata": {"user_id": "u1", "points": 5000}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, WebhookEvent{ID: "evt_1", Type: EventPaymentSucceeded, ExternalRef: "pi_9", UserID: "u1", Amount: 5000}, ev)

	_, err = ParseWebhookEvent([]byte(`{"id": "evt_2"}`))
	assert.ErrorIs(t, err, infrastructure.ErrValidation)
	_, err = ParseWebhookEvent([]byte(`not json`))
	assert.ErrorIs(t, err, infrastructure.ErrValidation)
}

func webhookBody(eventType, ref, userID string, points int64) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"evt","type":%q,"data":{"external_ref":%q,"metadata":{"user_id":%q,"points":%d}}}`,
		eventType, ref, userID, points,
	))
}

func TestWebhookHandler(t *testing.T) {
	s, db := newTestService(t)
	u := createUser(t, db, "buyer", 0)
	_, err := s.RequestPurchase(context.Background(), u, 1_000, "pi_hook")
	require.NoError(t, err)

	h := NewJSONHandler(s, webhookSecret)
	h.now = func() time.Time { return testNow }
	router := mux.NewRouter()
	h.SetupWebhook(router)

	post := func(body []byte, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
		req.Header.Set(SignatureHeader, signature)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	body := webhookBody(EventPaymentSucceeded, "pi_hook", u, 1_000)

	rec := post(body, "t=1,v1=bad")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Zero(t, balanceOf(t, db, u))

	for i := 0; i < 2; i++ {
		rec = post(body, Sign(webhookSecret, body, testNow))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, int64(1_000), balanceOf(t, db, u))

	ignored := []byte(`{"id":"evt","type":"customer.created"}`)
	rec = post(ignored, Sign(webhookSecret, ignored, testNow))
	assert.Equal(t, http.StatusOK, rec.Code)
}
