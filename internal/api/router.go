// Package api assembles the HTTP surface of the prescription service.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/api/handlers"
	"github.com/medirx/rxcore/internal/api/middleware"
	"github.com/medirx/rxcore/internal/domain/identity"
	"github.com/medirx/rxcore/internal/observability/metrics"
)

// ServiceName names the API in traces and health output.
const ServiceName = "rx-api"

// Tokens issues and verifies bearer tokens.
type Tokens interface {
	handlers.TokenIssuer
	middleware.TokenVerifier
}

// Deps are the collaborators the router wires.
type Deps struct {
	Prescriptions handlers.Prescriptions
	Identity      handlers.Identity
	Tokens        Tokens
	Metrics       *metrics.Metrics
	// MetricsHandler serves /metrics. Nil uses the default registry.
	MetricsHandler http.Handler
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := d.Metrics
	if m == nil {
		m = metrics.Discard()
	}
	metricsHandler := d.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}

	authHandler := handlers.NewAuthHandler(d.Identity, d.Tokens, logger)
	prescriptionHandler := handlers.NewPrescriptionHandler(d.Prescriptions, logger)
	adminHandler := handlers.NewAdminHandler(d.Prescriptions, d.Identity, logger)
	directoryHandler := handlers.NewDirectoryHandler(d.Identity, logger)
	usersHandler := handlers.NewUsersHandler(d.Identity, logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(ServiceName))
	r.Use(middleware.Metrics(m))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(d.Ready))
	r.Handle("/metrics", metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		authn := middleware.Authenticate(d.Tokens, d.Identity)
		r.Mount("/auth", authHandler.Routes(authn))

		r.Group(func(r chi.Router) {
			r.Use(authn)

			r.Mount("/prescriptions", prescriptionHandler.Routes())
			r.Mount("/me", prescriptionHandler.MeRoutes())
			r.Mount("/admin", adminHandler.Routes())
			r.Mount("/users", usersHandler.Routes())

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(identity.RoleAdmin, identity.RoleDoctor, identity.RolePatient))
				r.Get("/doctors", directoryHandler.Doctors)
				r.Get("/doctors/{id}", directoryHandler.Doctor)
			})
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(identity.RoleAdmin, identity.RoleDoctor))
				r.Get("/patients", directoryHandler.Patients)
				r.Get("/patients/{id}", directoryHandler.Patient)
			})
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": ServiceName})
}

func readyHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
