package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/webkaz/superset/internal/api/v1"
	"github.com/webkaz/superset/internal/api/ws"
)

func registerAPIRoutes(api huma.API, sb v1.Sandbox) {
	v1.RegisterCommandRoutes(api, sb)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/events", hub.ServeEvents)
}
