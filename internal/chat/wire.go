package chat

import (
	"github.com/google/wire"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"pulse/internal/ledger"
	"pulse/internal/logging"
)

func ProvideStore(db *gorm.DB, ledger *ledger.Service, log zerolog.Logger) *Store {
	return NewStore(db, ledger, logging.ForComponent(log, "chat"))
}

func ProvideJSONHandler(store *Store, publisher Publisher) *JSONHandler {
	return NewJSONHandler(store, publisher)
}

var Set = wire.NewSet(ProvideStore, ProvideJSONHandler)
