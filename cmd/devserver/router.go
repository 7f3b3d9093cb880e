package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/angeloszaimis/devserver/internal/livereload"
)

const (
	internalRoot   = "/__devserver"
	wsPath         = internalRoot + "/ws"
	scriptPath     = internalRoot + "/livereload.js"
	metricsPath    = internalRoot + "/metrics"
	prometheusPath = internalRoot + "/prometheus"
	statusPath     = internalRoot + "/status"
)

// setupRouter serves the dev server's own endpoints under /__devserver and
// hands every other path to assets.
func setupRouter(d *devServer, assets http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route(internalRoot, func(r chi.Router) {
		r.Get("/metrics", d.collector.Handler())
		r.Method(http.MethodGet, "/prometheus", d.collector.PrometheusHandler())
		r.Get("/status", statusHandler(d))

		if d.hub != nil {
			r.Method(http.MethodGet, "/ws", d.hub)
			r.Get("/livereload.js", livereload.ScriptHandler(wsPath))
		}
	})

	r.Handle("/*", assets)

	return r
}
