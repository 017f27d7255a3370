// Package server wires the HTTP front door: landing page, static assets,
// health probe and the websocket endpoint.
package server

import (
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Options struct {
	StaticDir      string
	AllowedOrigins []string
	Log            *slog.Logger
}

func NewRouter(ws http.HandlerFunc, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(opts.Log.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/ws", ws)

	index := filepath.Join(opts.StaticDir, "index.html")
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, index)
	})
	r.Handle("/*", http.FileServer(http.Dir(opts.StaticDir)))

	return r
}
