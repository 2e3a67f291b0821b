package notifications

import (
	"github.com/google/wire"
	"github.com/rs/zerolog"

	"pulse/config"
	"pulse/internal/logging"
)

// ProvideNotifier publishes to the broker when AMQP_URL is set and logs otherwise.
func ProvideNotifier(cfg *config.Config, log zerolog.Logger) (Notifier, func(), error) {
	log = logging.ForComponent(log, "notifications")
	if cfg.AMQPURL == "" {
		return NewLogNotifier(log), func() {}, nil
	}
	n, cleanup, err := DialAMQP(cfg.AMQPURL, cfg.PushExchange, log)
	if err != nil {
		return nil, nil, err
	}
	return n, cleanup, nil
}

var Set = wire.NewSet(ProvideNotifier)
