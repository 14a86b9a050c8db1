// Package api exposes document registration, analysis sessions and the
// questionnaire over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/visadoc/internal/analysis"
	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/store"
	"github.com/sells-group/visadoc/internal/tracker"
)

// DefaultLongPollMax caps ?wait= on the analysis endpoint.
const DefaultLongPollMax = 30 * time.Second

// Config configures the HTTP surface.
type Config struct {
	AllowedOrigins []string
	LongPollMax    time.Duration
}

// Server routes requests to the analysis service and response tracker.
type Server struct {
	router   chi.Router
	analysis *analysis.Service
	tracker  *tracker.Tracker
	catalog  *catalog.Catalog
	store    store.Store
	cfg      Config
}

// NewServer builds the router.
func NewServer(svc *analysis.Service, tr *tracker.Tracker, cat *catalog.Catalog, st store.Store, cfg Config) *Server {
	if cfg.LongPollMax <= 0 {
		cfg.LongPollMax = DefaultLongPollMax
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		router:   chi.NewRouter(),
		analysis: svc,
		tracker:  tr,
		catalog:  cat,
		store:    st,
		cfg:      cfg,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/catalog/document-types", s.handleDocumentTypes)

	r.Route("/applications/{applicationID}", func(r chi.Router) {
		r.Post("/documents", s.handleAddDocument)
		r.Get("/documents", s.handleListDocuments)
		r.Post("/analysis", s.handleStartAnalysis)
		r.Get("/analysis", s.handleAnalysisStatus)
		r.Get("/questions", s.handleQuestions)
		r.Post("/responses", s.handleSaveResponses)
		r.Get("/progress", s.handleProgress)
		r.Get("/fields", s.handleFields)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("dur", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
