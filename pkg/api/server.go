package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"k8s.io/utils/clock"

	"github.com/modelmeter/modelmeter/pkg/aggregates"
	"github.com/modelmeter/modelmeter/pkg/config"
	"github.com/modelmeter/modelmeter/pkg/credentials"
	"github.com/modelmeter/modelmeter/pkg/labels"
	"github.com/modelmeter/modelmeter/pkg/metering"
	"github.com/modelmeter/modelmeter/pkg/metrics"
	"github.com/modelmeter/modelmeter/pkg/provisioning"
	"github.com/modelmeter/modelmeter/pkg/selection"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/token"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Settings        config.Settings
	Store           storage.Store
	Credentials     *credentials.Manager
	Issuer          *token.Issuer
	Meter           *metering.Meter
	Selection       *selection.Engine
	Projector       *aggregates.Projector
	Provisioner     *provisioning.Service
	Registrar       *labels.Registrar
	ProvisioningKey []byte
	Clock           clock.Clock
}

// Server is the HTTP transport over the metering core.
type Server struct {
	settings        config.Settings
	store           storage.Store
	creds           *credentials.Manager
	issuer          *token.Issuer
	meter           *metering.Meter
	engine          *selection.Engine
	projector       *aggregates.Projector
	provisioner     *provisioning.Service
	registrar       *labels.Registrar
	provisioningKey []byte
	clk             clock.Clock
	router          chi.Router
}

// NewServer builds the router with all routes mounted under the API prefix.
func NewServer(deps Deps) *Server {
	s := &Server{
		settings:        deps.Settings,
		store:           deps.Store,
		creds:           deps.Credentials,
		issuer:          deps.Issuer,
		meter:           deps.Meter,
		engine:          deps.Selection,
		projector:       deps.Projector,
		provisioner:     deps.Provisioner,
		registrar:       deps.Registrar,
		provisioningKey: deps.ProvisioningKey,
		clk:             deps.Clock,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestMetrics)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route(deps.Settings.APIPrefix, func(r chi.Router) {
		r.Post("/auth/token", s.handleToken)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/secret-retrieval", s.handleSecretRetrieval)

		// Provisioning surface: shared API key, no bearer token.
		r.Group(func(r chi.Router) {
			r.Use(s.requireProvisioningKey)
			r.Put("/orgs/{orgID}", s.handleUpsertOrg)
			r.Put("/orgs/{orgID}/apps/{appID}", s.handleUpsertApp)
			r.Post("/orgs/{orgID}/credentials/rotate", s.handleRotateOrg)
			r.Post("/orgs/{orgID}/apps/{appID}/credentials/rotate", s.handleRotateApp)
		})

		// Tenant surface: bearer access token bound to the path.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAccessToken)
			r.Post("/auth/revoke", s.handleRevoke)

			r.Post("/orgs/{orgID}/apps/{appID}/inference-profiles", s.handleRegisterProfile)
			r.Get("/orgs/{orgID}/apps/{appID}/inference-profiles", s.handleListProfiles)
			r.Get("/orgs/{orgID}/apps/{appID}/inference-profiles/{label}", s.handleGetProfile)

			r.Get("/orgs/{orgID}/apps/{appID}/model-selection", s.handleModelSelection)
			r.Post("/orgs/{orgID}/apps/{appID}/usage", s.handleSubmitUsage)
			r.Post("/orgs/{orgID}/apps/{appID}/usage/batch", s.handleSubmitUsageBatch)

			r.Get("/orgs/{orgID}/aggregates/today", s.handleOrgAggregatesToday)
			r.Get("/orgs/{orgID}/aggregates/{date}", s.handleOrgAggregatesHistorical)
			r.Get("/orgs/{orgID}/apps/{appID}/aggregates/today", s.handleAppAggregatesToday)
			r.Get("/orgs/{orgID}/apps/{appID}/aggregates/{date}", s.handleAppAggregatesHistorical)
		})
	})

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"store":  "unreachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"store":       "ok",
		"environment": s.settings.Environment,
	})
}
