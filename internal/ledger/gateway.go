package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Intent is a payment the client completes with the gateway out of band.
type Intent struct {
	ExternalRef  string
	ClientSecret string
	AmountCents  int64
	Currency     string
}

// PaymentGateway opens charges with the external payment processor.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, userID string, pkg Package) (Intent, error)
}

// LocalGateway issues intents without a remote processor. Client secrets are
// derived from the reference so they can be checked without storage.
type LocalGateway struct {
	secret []byte
}

func NewLocalGateway(secret []byte) *LocalGateway {
	return &LocalGateway{secret: secret}
}

func (g *LocalGateway) CreateIntent(_ context.Context, _ string, pkg Package) (Intent, error) {
	ref := "pi_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	return Intent{
		ExternalRef:  ref,
		ClientSecret: ref + "_secret_" + g.sign(ref),
		AmountCents:  pkg.PriceCents,
		Currency:     pkg.Currency,
	}, nil
}

func (g *LocalGateway) sign(ref string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(ref))
	return hex.EncodeToString(mac.Sum(nil))[:24]
}
