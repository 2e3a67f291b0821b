//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/rs/zerolog"

	"pulse/config"
	"pulse/internal/api"
	"pulse/internal/auth"
	"pulse/internal/chat"
	"pulse/internal/database"
	"pulse/internal/ledger"
	"pulse/internal/metrics"
	"pulse/internal/notifications"
	"pulse/internal/realtime"
	"pulse/internal/user"
)

var AppSet = wire.NewSet(
	database.ProvideDatabase,
	metrics.ProvideMetrics,
	auth.Set,
	user.Set,
	ledger.Set,
	chat.Set,
	notifications.Set,
	realtime.Set,
	api.Set,
	NewApp,
)

func InitializeApp(cfg *config.Config, log zerolog.Logger) (*App, func(), error) {
	wire.Build(AppSet)
	return nil, nil, nil
}
