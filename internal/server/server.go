// Package server implements the bleepfs HTTP server.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bleepstore/bleepfs/internal/config"
	"github.com/bleepstore/bleepfs/internal/engine"
	apierrors "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/handlers"
	"github.com/bleepstore/bleepfs/internal/logging"
	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/render"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the bleepfs HTTP server. File content routes are plain chi
// handlers; the JSON control endpoints are registered through Huma so they
// appear in the generated OpenAPI document.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	eng        *engine.Engine
	files      *handlers.FileHandler
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// VersioningConfigBody is the wire form of a versioning policy.
type VersioningConfigBody struct {
	Exclude               bool `json:"exclude" required:"false" doc:"Never version files in the collection"`
	ExcludeUnlessExplicit bool `json:"exclude_unless_explicit" required:"false" doc:"Version only writes carrying the Create-Version marker"`
	MaxRevisions          int  `json:"max_revisions" required:"false" minimum:"0" doc:"Revisions to keep per file; 0 keeps all"`
}

// VersioningConfigInput selects the collection whose policy is read.
type VersioningConfigInput struct {
	Collection string `query:"collection" doc:"Collection (first path segment); empty for the default policy"`
}

// PutVersioningConfigInput carries a policy to store.
type PutVersioningConfigInput struct {
	Collection string `query:"collection" doc:"Collection (first path segment); empty for the default policy"`
	Body       VersioningConfigBody
}

// VersioningConfigOutput returns a stored policy.
type VersioningConfigOutput struct {
	Body VersioningConfigBody
}

// New creates a Server serving eng and wires up all routes.
func New(cfg *config.Config, eng *engine.Engine) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("bleepfs API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		eng:    eng,
		files:  handlers.NewFileHandler(eng, cfg.Server.MaxFileSize),
		logger: logging.Component("server"),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> transferEncodingCheck -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Checks the metadata and page stores.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		if err := s.eng.HealthCheck(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			return nil, huma.Error503ServiceUnavailable("storage unavailable", err)
		}
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-versioning-config",
		Method:      http.MethodGet,
		Path:        "/versioning/config",
		Summary:     "Get versioning policy",
		Tags:        []string{"Versioning"},
	}, s.getVersioningConfig)

	huma.Register(s.api, huma.Operation{
		OperationID: "put-versioning-config",
		Method:      http.MethodPut,
		Path:        "/versioning/config",
		Summary:     "Set versioning policy",
		Description: "Stores the default policy, or the policy of one collection.",
		Tags:        []string{"Versioning"},
	}, s.putVersioningConfig)

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/files", s.files.ListFiles)
	s.router.Put("/files/*", s.files.PutFile)
	s.router.Get("/files/*", s.files.GetFile)
	s.router.Head("/files/*", s.files.HeadFile)
	s.router.Delete("/files/*", s.files.DeleteFile)
	s.router.Get("/revisions/*", s.files.ListRevisions)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		render.WriteErrorResponse(w, r, apierrors.ErrNoSuchRoute)
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		render.WriteErrorResponse(w, r, apierrors.ErrMethodNotAllowed)
	})
}

func validCollection(c string) bool {
	return !strings.Contains(c, "/")
}

func (s *Server) getVersioningConfig(ctx context.Context, input *VersioningConfigInput) (*VersioningConfigOutput, error) {
	if !validCollection(input.Collection) {
		return nil, huma.Error400BadRequest("collection must be a single path segment")
	}
	cfg, err := s.eng.VersioningConfiguration(ctx, input.Collection)
	if err != nil {
		s.logger.Error("reading versioning configuration failed", "collection", input.Collection, "error", err)
		return nil, huma.Error500InternalServerError("reading versioning configuration", err)
	}
	if cfg == nil {
		return nil, huma.Error404NotFound("no versioning configuration stored")
	}
	return &VersioningConfigOutput{Body: toBody(*cfg)}, nil
}

func (s *Server) putVersioningConfig(ctx context.Context, input *PutVersioningConfigInput) (*VersioningConfigOutput, error) {
	if !validCollection(input.Collection) {
		return nil, huma.Error400BadRequest("collection must be a single path segment")
	}
	cfg := metadata.VersioningConfiguration{
		Exclude:               input.Body.Exclude,
		ExcludeUnlessExplicit: input.Body.ExcludeUnlessExplicit,
		MaxRevisions:          input.Body.MaxRevisions,
	}
	if err := s.eng.SetVersioningConfiguration(ctx, input.Collection, cfg); err != nil {
		s.logger.Error("storing versioning configuration failed", "collection", input.Collection, "error", err)
		return nil, huma.Error500InternalServerError("storing versioning configuration", err)
	}
	s.logger.Info("versioning configuration updated", "collection", input.Collection,
		"exclude", cfg.Exclude, "exclude_unless_explicit", cfg.ExcludeUnlessExplicit, "max_revisions", cfg.MaxRevisions)
	return &VersioningConfigOutput{Body: toBody(cfg)}, nil
}

func toBody(cfg metadata.VersioningConfiguration) VersioningConfigBody {
	return VersioningConfigBody{
		Exclude:               cfg.Exclude,
		ExcludeUnlessExplicit: cfg.ExcludeUnlessExplicit,
		MaxRevisions:          cfg.MaxRevisions,
	}
}
