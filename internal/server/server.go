// Package server exposes the HTTP API: document ingestion, processing
// timelines, streamed question answering, similar-chunk lookup, and
// citation verification.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veracify/veracify/config"
	"github.com/veracify/veracify/internal/ingest"
	"github.com/veracify/veracify/internal/retrieval"
	"github.com/veracify/veracify/internal/store"
	"github.com/veracify/veracify/internal/synthesis"
	"github.com/veracify/veracify/internal/verification"
)

// Deps carries the already-initialized collaborators the API serves.
type Deps struct {
	Store        *store.Store
	Files        *ingest.FileStore
	Orchestrator *ingest.Orchestrator
	Retrieval    *retrieval.Engine
	Ask          *synthesis.AskService
	Verifier     *verification.Controller
}

// Run builds the echo app and blocks serving it.
func Run(cfg *config.Config, deps Deps) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")

	dh := &DocumentsHandler{Store: deps.Store, Files: deps.Files, Orch: deps.Orchestrator}
	dh.Register(api.Group("/documents"))

	qh := &QueryHandler{Ask: deps.Ask, Retrieval: deps.Retrieval}
	qh.Register(api)

	vh := &VerificationHandler{Verifier: deps.Verifier}
	vh.Register(api.Group("/answers"))

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10010"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
