package main

import (
	"github.com/rs/zerolog"

	"pulse/internal/api"
	"pulse/internal/realtime"
)

type App struct {
	Server  *api.Server
	Gateway *realtime.Gateway
	Log     zerolog.Logger
}

func NewApp(server *api.Server, gateway *realtime.Gateway, log zerolog.Logger) *App {
	return &App{Server: server, Gateway: gateway, Log: log}
}
