package procurement

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-procure/internal/procurement/progress"
	"github.com/odyssey-erp/odyssey-procure/internal/rbac"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// Handler exposes the purchase order lifecycle over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.With(h.rbac.RequireAll(shared.PermProcurementCreate)).Post("/", h.createOrder)
		r.Route("/{id}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(h.rbac.RequireAny(shared.PermProcurementView))
				r.Get("/", h.getOrder)
				r.Get("/payments", h.paymentSummary)
				r.Get("/quality", h.qualitySummary)
				r.Get("/approvals", h.approvals)
				r.Get("/returns", h.listReturns)
			})
			r.With(h.rbac.RequireAll(shared.PermProcurementApprove)).Post("/approve", h.approve)
			r.With(h.rbac.RequireAll(shared.PermProcurementApprove)).Post("/complete", h.complete)
			r.With(h.rbac.RequireAll(shared.PermProcurementEdit)).Post("/confirm", h.confirm)
			r.With(h.rbac.RequireAll(shared.PermProcurementEdit)).Post("/ship", h.ship)
			r.With(h.rbac.RequireAll(shared.PermProcurementCancel)).Post("/cancel", h.cancel)
			r.With(h.rbac.RequireAll(shared.PermProcurementPayment)).Post("/payments", h.applyPayments)
			r.Group(func(r chi.Router) {
				r.Use(h.rbac.RequireAll(shared.PermProcurementReceive))
				r.Get("/receiving", h.resume)
				r.Delete("/receiving", h.discard)
				r.Post("/receiving/mode", h.selectMode)
				r.Put("/receiving/items", h.captureItems)
				r.Put("/receiving/pricing", h.setPricing)
				r.Get("/receiving/pricing/suggest", h.suggestPricing)
				r.Post("/receiving/commit", h.commit)
				r.Post("/returns", h.recordReturn)
			})
		})
	})
}

type createOrderRequest struct {
	Number       string              `json:"number" validate:"omitempty,max=64"`
	SupplierID   int64               `json:"supplier_id" validate:"required,gt=0"`
	Currency     string              `json:"currency" validate:"omitempty,len=3"`
	ExchangeRate decimal.Decimal     `json:"exchange_rate"`
	ExpectedDate string              `json:"expected_date" validate:"omitempty,datetime=2006-01-02"`
	Note         string              `json:"note" validate:"max=1000"`
	Items        []createItemRequest `json:"items" validate:"required,min=1,dive"`
}

type createItemRequest struct {
	ProductID     int64               `json:"product_id" validate:"required,gt=0"`
	VariantID     int64               `json:"variant_id" validate:"gte=0"`
	Quantity      int                 `json:"quantity" validate:"required,gt=0"`
	CostPrice     decimal.Decimal     `json:"cost_price"`
	SellingPrice  decimal.NullDecimal `json:"selling_price"`
	SerialTracked bool                `json:"serial_tracked"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if fields, err := httpx.Bind(r, &req); err != nil {
		httpx.RespondInvalid(w, fields, err)
		return
	}
	input := CreateOrderInput{
		Number:       req.Number,
		SupplierID:   req.SupplierID,
		Currency:     req.Currency,
		ExchangeRate: req.ExchangeRate,
		Note:         req.Note,
	}
	if req.ExpectedDate != "" {
		input.ExpectedDate, _ = time.Parse("2006-01-02", req.ExpectedDate)
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, CreateItemInput{
			ProductID:     item.ProductID,
			VariantID:     item.VariantID,
			Quantity:      item.Quantity,
			CostPrice:     item.CostPrice,
			SellingPrice:  item.SellingPrice,
			SerialTracked: item.SerialTracked,
		})
	}
	order, err := h.service.CreatePurchaseOrder(r.Context(), actorFrom(r), input)
	if err != nil {
		h.fail(w, r, "create order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newOrderView(order))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newOrderView(order))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "approve order", h.service.Approve)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "confirm order", h.service.Confirm)
}

func (h *Handler) ship(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "ship order", h.service.Ship)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel order", h.service.Cancel)
}

type completeRequest struct {
	SkipQualityCheck bool `json:"skip_quality_check"`
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if r.ContentLength != 0 {
		if fields, err := httpx.Bind(r, &req); err != nil {
			httpx.RespondInvalid(w, fields, err)
			return
		}
	}
	order, err := h.service.Complete(r.Context(), id, actorFrom(r), CompleteOptions{SkipQualityCheck: req.SkipQualityCheck})
	if err != nil {
		h.fail(w, r, "complete order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newOrderView(order))
}

type transitionFunc func(ctx context.Context, orderID int64, actor Actor) (PurchaseOrder, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn transitionFunc) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := fn(r.Context(), id, actorFrom(r))
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newOrderView(order))
}

type paymentRequest struct {
	Payments []paymentEntryRequest `json:"payments" validate:"required,min=1,dive"`
}

type paymentEntryRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency" validate:"omitempty,len=3"`
	Method    string          `json:"method" validate:"required,oneof=cash bank_transfer mobile_money card other"`
	Reference string          `json:"reference" validate:"required,max=128"`
}

func (h *Handler) applyPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if fields, err := httpx.Bind(r, &req); err != nil {
		httpx.RespondInvalid(w, fields, err)
		return
	}
	inputs := make([]PaymentInput, 0, len(req.Payments))
	for _, p := range req.Payments {
		inputs = append(inputs, PaymentInput{Amount: p.Amount, Currency: p.Currency, Method: PaymentMethod(p.Method), Reference: p.Reference})
	}
	res, err := h.service.ApplyPayments(r.Context(), id, actorFrom(r), inputs)
	view := paymentBatchView{Order: newOrderView(res.Order), Applied: res.Applied, Entries: res.Entries}
	var partial *PartialFailure
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusOK, view)
	case errors.As(err, &partial):
		h.logger.Warn("apply payments partially failed", slog.Int64("order_id", id), slog.Any("error", err))
		httpx.JSON(w, http.StatusMultiStatus, view)
	default:
		h.fail(w, r, "apply payments", err)
	}
}

func (h *Handler) paymentSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.PaymentSummary(r.Context(), id)
	if err != nil {
		h.fail(w, r, "payment summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPaymentSummaryView(summary))
}

func (h *Handler) qualitySummary(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.QualitySummary(r.Context(), id)
	if err != nil {
		h.fail(w, r, "quality summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) approvals(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	logs, err := h.service.ApprovalHistory(r.Context(), id)
	if err != nil {
		h.fail(w, r, "approval history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"approvals": logs})
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	sess, step, err := h.service.Resume(r.Context(), id)
	if err != nil {
		h.fail(w, r, "resume receiving", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessionView{Session: sess, Step: step})
}

func (h *Handler) discard(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if err := h.service.Discard(r.Context(), id, actorFrom(r)); err != nil {
		h.fail(w, r, "discard receiving", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=full partial"`
}

func (h *Handler) selectMode(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req modeRequest
	if fields, err := httpx.Bind(r, &req); err != nil {
		httpx.RespondInvalid(w, fields, err)
		return
	}
	sess, err := h.service.SelectMode(r.Context(), id, actorFrom(r), ReceiveMode(req.Mode))
	if err != nil {
		h.fail(w, r, "select receive mode", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessionView{Session: sess, Step: sess.ResumeStep()})
}

type captureRequest struct {
	Items []captureEntryRequest `json:"items" validate:"required,min=1,dive"`
}

type captureEntryRequest struct {
	ItemID           int64    `json:"item_id" validate:"required,gt=0"`
	ReceivedQuantity int      `json:"received_quantity" validate:"gte=0"`
	Serials          []string `json:"serials" validate:"omitempty,dive,max=128"`
}

func (h *Handler) captureItems(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req captureRequest
	if fields, err := httpx.Bind(r, &req); err != nil {
		httpx.RespondInvalid(w, fields, err)
		return
	}
	entries := make([]progress.ItemCapture, 0, len(req.Items))
	for _, item := range req.Items {
		entries = append(entries, progress.ItemCapture{ItemID: item.ItemID, ReceivedQuantity: item.ReceivedQuantity, Serials: item.Serials})
	}
	sess, err := h.service.CaptureItems(r.Context(), id, actorFrom(r), entries)
	if err != nil {
		h.fail(w, r, "capture received items", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessionView{Session: sess, Step: sess.ResumeStep()})
}

type pricingRequest struct {
	Items []pricingEntryRequest `json:"items" validate:"required,min=1,dive"`
}

type pricingEntryRequest struct {
	ItemID       int64           `json:"item_id" validate:"required,gt=0"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

func (h *Handler) setPricing(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req pricingRequest
	if fields, err := httpx.Bind(r, &req); err != nil {
		httpx.RespondInvalid(w, fields, err)
		return
	}
	pricing := make(map[int64]progress.Pricing, len(req.Items))
	for _, item := range req.Items {
		pricing[item.ItemID] = progress.Pricing{CostPrice: item.CostPrice, SellingPrice: item.SellingPrice}
	}
	sess, err := h.service.SetPricing(r.Context(), id, actorFrom(r), pricing)
	if err != nil {
		h.fail(w, r, "set receive pricing", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessionView{Session: sess, Step: sess.ResumeStep()})
}

func (h *Handler) suggestPricing(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	pricing, err := h.service.SuggestPricing(r.Context(), id)
	if err != nil {
		h.fail(w, r, "suggest pricing", err)
		return
	}
	items := make([]pricingEntryRequest, 0, len(pricing))
	for itemID, p := range pricing {
		items = append(items, pricingEntryRequest{ItemID: itemID, CostPrice: p.CostPrice, SellingPrice: p.SellingPrice})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	res, err := h.service.Commit(r.Context(), id, actorFrom(r))
	if err != nil {
		h.fail(w, r, "commit receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, receiptView{Order: newOrderView(res.Order), AttemptID: res.AttemptID, ItemsAdded: res.ItemsAdded, Warnings: res.Warnings})
}

type returnRequest struct {
	ItemID   int64  `json:"item_id" validate:"required,gt=0"`
	Type     string `json:"type" validate:"required,oneof=damage defect wrong_item excess other"`
	Quantity int    `json:"quantity" validate:"required,gt=0"`
	Reason   string `json:"reason" validate:"max=500"`
}

func (h *Handler) recordReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req returnRequest
	if fields, err := httpx.Bind(r, &req); err != nil {
		httpx.RespondInvalid(w, fields, err)
		return
	}
	ret, err := h.service.RecordReturn(r.Context(), id, actorFrom(r), ReturnInput{ItemID: req.ItemID, Type: ReturnType(req.Type), Quantity: req.Quantity, Reason: req.Reason})
	if err != nil {
		h.fail(w, r, "record return", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newReturnView(ret))
}

func (h *Handler) listReturns(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	rets, err := h.service.ListReturns(r.Context(), id)
	if err != nil {
		h.fail(w, r, "list returns", err)
		return
	}
	views := make([]returnView, 0, len(rets))
	for _, ret := range rets {
		views = append(views, newReturnView(ret))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"returns": views})
}

// fail maps lifecycle errors onto problem documents.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		verr   *ValidationError
		terr   *InvalidTransitionError
		conf   *StateConflictError
		extErr *ExternalServiceError
	)
	switch {
	case errors.As(err, &verr):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusUnprocessableEntity, Detail: verr.Error(), Errors: map[string]string{verr.Field: verr.Reason}})
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.As(err, &terr):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Invalid Transition", Status: http.StatusConflict, Detail: terr.Error(),
			Extra: map[string]string{"from": string(terr.From), "to": string(terr.To), "guard": terr.Guard}})
	case errors.As(err, &conf), errors.Is(err, ErrConcurrentUpdate), errors.Is(err, ErrNoSession):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &extErr):
		h.logger.Error(op, slog.String("service", extErr.Service), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Upstream Failure", err.Error())
	default:
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid order id")
		return 0, false
	}
	return id, true
}

func actorFrom(r *http.Request) Actor {
	p, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		return Actor{}
	}
	return Actor{ID: p.UserID, Permissions: p.Permissions}
}
