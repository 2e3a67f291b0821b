package ledger

import (
	"github.com/google/wire"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"pulse/config"
	"pulse/internal/logging"
	"pulse/internal/metrics"
)

func ProvidePaymentGateway(cfg *config.Config) PaymentGateway {
	return NewLocalGateway(cfg.WebhookSecret)
}

func ProvideService(db *gorm.DB, gateway PaymentGateway, log zerolog.Logger, m *metrics.Metrics, cfg *config.Config) *Service {
	return NewService(db, gateway, logging.ForComponent(log, "ledger"), m, Options{
		MinWithdrawal: cfg.MinWithdrawal,
		Payout:        PayoutPolicy{PointsPerUnit: cfg.PointsPerUnit, FeeBps: cfg.WithdrawalFeeBps},
	})
}

func ProvideJSONHandler(service *Service, cfg *config.Config) *JSONHandler {
	return NewJSONHandler(service, cfg.WebhookSecret)
}

var Set = wire.NewSet(ProvidePaymentGateway, ProvideService, ProvideJSONHandler)
