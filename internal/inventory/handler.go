package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-procure/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-procure/internal/rbac"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermInventoryView, shared.PermProcurementReceive))
		r.Get("/stock-card", h.handleStockCard)
		r.Get("/balances", h.handleBalance)
	})
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	warehouseID, _ := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	productID, _ := strconv.ParseInt(q.Get("product_id"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := StockCardFilter{WarehouseID: warehouseID, ProductID: productID, Limit: limit}
	errs := map[string]string{}
	if warehouseID == 0 {
		errs["warehouse_id"] = "required"
	}
	if productID == 0 {
		errs["product_id"] = "required"
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			errs["from"] = "datetime"
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			errs["to"] = "datetime"
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if len(errs) > 0 {
		httpx.RespondInvalid(w, errs, nil)
		return
	}
	entries, err := h.service.GetStockCard(r.Context(), filter)
	if err != nil {
		h.logger.Error("stock card", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	warehouseID, _ := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.RespondInvalid(w, map[string]string{"product_id": "required"}, nil)
		return
	}
	variantID, _ := strconv.ParseInt(q.Get("variant_id"), 10, 64)
	balance, err := h.service.GetBalance(r.Context(), warehouseID, productID, variantID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.Error("stock balance", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}
