package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-procure/internal/auth"
	"github.com/odyssey-erp/odyssey-procure/internal/inventory"
	"github.com/odyssey-erp/odyssey-procure/internal/observability"
	"github.com/odyssey-erp/odyssey-procure/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-procure/internal/procurement"
	"github.com/odyssey-erp/odyssey-procure/internal/rbac"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
	"github.com/odyssey-erp/odyssey-procure/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Authenticate       func(http.Handler) http.Handler
	RBACMiddleware     rbac.Middleware
	AuthHandler        *auth.Handler
	PermissionsHandler *rbac.PermissionsHandler
	ProcurementHandler *procurement.Handler
	InventoryHandler   *inventory.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:       params.Logger,
		Config:       params.Config,
		Authenticate: params.Authenticate,
		Metrics:      params.Metrics,
	}) {
		r.Use(mw)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	if params.PermissionsHandler != nil {
		r.Route("/rbac", params.PermissionsHandler.MountRoutes)
	}
	if params.ProcurementHandler != nil {
		r.Route("/procurement", params.ProcurementHandler.MountRoutes)
	}
	if params.InventoryHandler != nil {
		r.Route("/inventory", params.InventoryHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequireAny(shared.PermJobsManage))
			params.JobHandler.MountRoutes(r)
		})
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
