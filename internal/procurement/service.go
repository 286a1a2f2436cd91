package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/odyssey-procure/internal/procurement/progress"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	ListPayments(ctx context.Context, orderID int64) ([]Payment, error)
	ListReturns(ctx context.Context, orderID int64) ([]ItemReturn, error)
	GetReceiptAttempt(ctx context.Context, attemptID string) (ReceiptAttempt, error)
	ListReconcileCandidates(ctx context.Context, limit int) ([]int64, error)
}

// SessionStore persists resumable receiving sessions.
type SessionStore interface {
	Save(ctx context.Context, orderID int64, u progress.Update) (progress.Session, error)
	Load(ctx context.Context, orderID int64) (progress.Session, bool, error)
	Clear(ctx context.Context, orderID int64) error
}

// InventoryUnit is one received line handed to inventory.
type InventoryUnit struct {
	ItemID       int64
	ProductID    int64
	VariantID    int64
	Quantity     int
	Serials      []string
	CostPrice    decimal.Decimal
	SellingPrice decimal.Decimal
}

// InventoryCommitRequest is keyed by AttemptID; replaying it must not create
// duplicate stock.
type InventoryCommitRequest struct {
	AttemptID       string
	PurchaseOrderID int64
	QualityCheckID  string
	Units           []InventoryUnit
}

// InventoryCommitResult reports what inventory created.
type InventoryCommitResult struct {
	Success    bool
	ItemsAdded int
	Message    string
}

// InventoryCommitter creates stock for received goods.
type InventoryCommitter interface {
	CommitInventory(ctx context.Context, req InventoryCommitRequest) (InventoryCommitResult, error)
}

// LedgerRequest is a single payment submitted to the ledger.
type LedgerRequest struct {
	OrderID   int64
	Amount    decimal.Decimal
	Currency  string
	Method    PaymentMethod
	Reference string
}

// LedgerResult is the ledger's verdict on one payment.
type LedgerResult struct {
	Success bool
	Message string
}

// PaymentLedger processes supplier payments.
type PaymentLedger interface {
	ProcessPayment(ctx context.Context, req LedgerRequest) (LedgerResult, error)
}

// ReceiveLocker marks an order as having a receive commit in flight.
type ReceiveLocker interface {
	Acquire(ctx context.Context, orderID int64) (release func(), acquired bool, err error)
	Held(ctx context.Context, orderID int64) (bool, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort records approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

const approvalModule = "PO"

// IdempotencyPort guards payment references against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsRecorder receives lifecycle counters.
type MetricsRecorder interface {
	ReceiveCommitted(outcome string, units int)
	PaymentApplied(status string)
	PaymentStatusCorrected(from, to string)
	OrderTransitioned(from, to string)
}

// Config carries lifecycle tunables.
type Config struct {
	BaseCurrency      string
	DefaultMarkup     decimal.Decimal
	PaymentTolerance  decimal.Decimal
	LedgerConcurrency int
}

func (c Config) withDefaults() Config {
	if c.BaseCurrency == "" {
		c.BaseCurrency = "TZS"
	}
	c.BaseCurrency = strings.ToUpper(c.BaseCurrency)
	if c.LedgerConcurrency <= 0 {
		c.LedgerConcurrency = 4
	}
	return c
}

// Deps groups the collaborators of Service. Only Repo and Sessions are
// required.
type Deps struct {
	Repo        RepositoryPort
	Sessions    SessionStore
	Inventory   InventoryCommitter
	Ledger      PaymentLedger
	Quality     QualityGate
	Locks       ReceiveLocker
	Approvals   ApprovalPort
	Audit       AuditPort
	Idempotency IdempotencyPort
	Metrics     MetricsRecorder
	Logger      *slog.Logger
}

// Service orchestrates the purchase order lifecycle.
type Service struct {
	*Coordinator

	repo        RepositoryPort
	ledger      PaymentLedger
	quality     QualityGate
	locks       ReceiveLocker
	approvals   ApprovalPort
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     MetricsRecorder
	machine     StateMachine
	logger      *slog.Logger
	cfg         Config
}

// NewService constructs the lifecycle controller and its receiving coordinator.
func NewService(deps Deps, cfg Config) *Service {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewLocalReceiveLocks()
	}
	machine := NewStateMachine()
	s := &Service{
		repo:        deps.Repo,
		ledger:      deps.Ledger,
		quality:     deps.Quality,
		locks:       locks,
		approvals:   deps.Approvals,
		audit:       deps.Audit,
		idempotency: deps.Idempotency,
		metrics:     metrics,
		machine:     machine,
		logger:      logger,
		cfg:         cfg,
	}
	s.Coordinator = &Coordinator{
		repo:      deps.Repo,
		sessions:  deps.Sessions,
		inventory: deps.Inventory,
		quality:   deps.Quality,
		locks:     locks,
		machine:   machine,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "receiving")),
		record:    s.recordAudit,
	}
	return s
}

// CreateOrderInput describes a new purchase order.
type CreateOrderInput struct {
	Number       string
	SupplierID   int64
	Currency     string
	ExchangeRate decimal.Decimal
	ExpectedDate time.Time
	Note         string
	Items        []CreateItemInput
}

// CreateItemInput describes one ordered line.
type CreateItemInput struct {
	ProductID     int64
	VariantID     int64
	Quantity      int
	CostPrice     decimal.Decimal
	SellingPrice  decimal.NullDecimal
	SerialTracked bool
}

// CreatePurchaseOrder persists a draft order and its lines.
func (s *Service) CreatePurchaseOrder(ctx context.Context, actor Actor, input CreateOrderInput) (PurchaseOrder, error) {
	if !actor.Can(shared.PermProcurementCreate) {
		return PurchaseOrder{}, fmt.Errorf("%w: actor lacks %s", ErrForbidden, shared.PermProcurementCreate)
	}
	if input.SupplierID <= 0 {
		return PurchaseOrder{}, invalid("supplier_id", "required")
	}
	if len(input.Items) == 0 {
		return PurchaseOrder{}, invalid("items", "minimal 1 line")
	}
	code, err := s.normalizeCurrency(input.Currency)
	if err != nil {
		return PurchaseOrder{}, err
	}
	rate := input.ExchangeRate
	switch {
	case rate.IsZero() && code == s.cfg.BaseCurrency:
		rate = decimal.NewFromInt(1)
	case !rate.IsPositive():
		return PurchaseOrder{}, invalid("exchange_rate", "must be positive for %s", code)
	}
	total := decimal.Zero
	for i, item := range input.Items {
		if item.ProductID <= 0 {
			return PurchaseOrder{}, invalid("items", "line %d: product required", i)
		}
		if item.Quantity <= 0 {
			return PurchaseOrder{}, invalid("items", "line %d: quantity must be positive", i)
		}
		if item.CostPrice.IsNegative() {
			return PurchaseOrder{}, invalid("items", "line %d: cost price must not be negative", i)
		}
		total = total.Add(item.CostPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	if input.Number == "" {
		input.Number = generateNumber("PO")
	}
	order := PurchaseOrder{
		Number:        input.Number,
		SupplierID:    input.SupplierID,
		Status:        StatusDraft,
		PaymentStatus: PaymentUnpaid,
		Currency:      code,
		ExchangeRate:  rate,
		TotalAmount:   total.Round(2),
		TotalPaid:     decimal.Zero,
		ExpectedDate:  input.ExpectedDate,
		Note:          input.Note,
		CreatedBy:     actor.ID,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateOrder(ctx, order)
		if err != nil {
			return err
		}
		order.ID = id
		for _, in := range input.Items {
			item := PurchaseOrderItem{
				OrderID:         id,
				ProductID:       in.ProductID,
				VariantID:       in.VariantID,
				QuantityOrdered: in.Quantity,
				CostPrice:       in.CostPrice,
				SellingPrice:    in.SellingPrice,
				SerialTracked:   in.SerialTracked,
			}
			itemID, err := tx.InsertItem(ctx, item)
			if err != nil {
				return err
			}
			item.ID = itemID
			order.Items = append(order.Items, item)
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, actor.ID, "PO_CREATE", order.ID, map[string]any{"number": order.Number, "total": order.TotalAmount.String(), "currency": order.Currency})
	return order, nil
}

// GetOrder returns the order with its payment status reconciled and its
// receive status healed against item quantities.
func (s *Service) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	order, _, err := s.load(ctx, id)
	return order, err
}

// ReconcileOrder persists any payment status or receive status drift on one
// order and reports whether anything changed.
func (s *Service) ReconcileOrder(ctx context.Context, id int64) (bool, error) {
	_, changed, err := s.load(ctx, id)
	return changed, err
}

// ListReconcileCandidates returns orders whose payment status may be stale.
func (s *Service) ListReconcileCandidates(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListReconcileCandidates(ctx, limit)
}

func (s *Service) load(ctx context.Context, id int64) (PurchaseOrder, bool, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return PurchaseOrder{}, false, err
	}
	healed, correction, corrected := Reconcile(order)
	status, statusHealed := HealStatus(healed)
	if !corrected && !statusHealed {
		return order, false, nil
	}
	healed.Status = status
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateOrder(ctx, healed)
	})
	if errors.Is(err, ErrConcurrentUpdate) {
		s.logger.Debug("procurement: reconcile lost race, re-reading", slog.Int64("order_id", id))
		order, err = s.repo.GetOrder(ctx, id)
		return order, false, err
	}
	if err != nil {
		return PurchaseOrder{}, false, err
	}
	healed.Version++
	if corrected {
		s.metrics.PaymentStatusCorrected(string(correction.From), string(correction.To))
		s.logger.Info("procurement: payment status corrected",
			slog.Int64("order_id", id),
			slog.String("from", string(correction.From)),
			slog.String("to", string(correction.To)),
			slog.String("total_amount", correction.TotalAmount.String()),
			slog.String("total_paid", correction.TotalPaid.String()))
		s.recordAudit(ctx, 0, "PO_PAYMENT_RECONCILE", id, map[string]any{"from": correction.From, "to": correction.To})
	}
	if statusHealed {
		s.metrics.OrderTransitioned(string(order.Status), string(status))
		s.logger.Warn("procurement: order status healed",
			slog.Int64("order_id", id),
			slog.String("from", string(order.Status)),
			slog.String("to", string(status)))
		s.recordAudit(ctx, 0, "PO_STATUS_HEAL", id, map[string]any{"from": order.Status, "to": status})
	}
	return healed, true, nil
}

// Approve sends a draft order to the supplier.
func (s *Service) Approve(ctx context.Context, orderID int64, actor Actor) (PurchaseOrder, error) {
	order, err := s.transition(ctx, orderID, actor, StatusSent, Guards{Actor: actor}, "PO_APPROVE")
	if err != nil {
		return PurchaseOrder{}, err
	}
	if s.approvals != nil {
		if err := s.approvals.Record(ctx, shared.ApprovalLog{Module: approvalModule, RefID: shared.ApprovalRef(approvalModule, orderID), ActorID: actor.ID, Action: shared.ApprovalApprove, Note: fmt.Sprintf("PO %s approved", order.Number)}); err != nil {
			s.logger.Warn("procurement: record approval", slog.Int64("order_id", orderID), slog.Any("error", err))
		}
	}
	return order, nil
}

// ApprovalHistory returns the approval trail of an order.
func (s *Service) ApprovalHistory(ctx context.Context, orderID int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.List(ctx, approvalModule, shared.ApprovalRef(approvalModule, orderID))
}

// Confirm records the supplier's confirmation.
func (s *Service) Confirm(ctx context.Context, orderID int64, actor Actor) (PurchaseOrder, error) {
	return s.transition(ctx, orderID, actor, StatusConfirmed, Guards{Actor: actor}, "PO_CONFIRM")
}

// Ship records that the supplier dispatched the goods.
func (s *Service) Ship(ctx context.Context, orderID int64, actor Actor) (PurchaseOrder, error) {
	return s.transition(ctx, orderID, actor, StatusShipped, Guards{Actor: actor}, "PO_SHIP")
}

// Cancel aborts an order that has no receive commit in flight and discards
// any receiving session. It holds the receive marker while it writes.
func (s *Service) Cancel(ctx context.Context, orderID int64, actor Actor) (PurchaseOrder, error) {
	release, acquired, err := s.locks.Acquire(ctx, orderID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	inFlight := !acquired
	if acquired {
		defer release()
		if inFlight, err = s.pendingReceipt(ctx, orderID); err != nil {
			return PurchaseOrder{}, err
		}
	}
	order, err := s.transition(ctx, orderID, actor, StatusCancelled, Guards{Actor: actor, ReceiveInFlight: inFlight}, "PO_CANCEL")
	if err != nil {
		return PurchaseOrder{}, err
	}
	if s.sessions != nil {
		if err := s.sessions.Clear(ctx, orderID); err != nil {
			s.logger.Warn("procurement: clear session after cancel", slog.Int64("order_id", orderID), slog.Any("error", err))
		}
	}
	return order, nil
}

// CompleteOptions tunes completion.
type CompleteOptions struct {
	SkipQualityCheck bool
}

// Complete closes a received, paid order once quality checking allows it.
func (s *Service) Complete(ctx context.Context, orderID int64, actor Actor, opts CompleteOptions) (PurchaseOrder, error) {
	if !actor.Can(shared.PermProcurementApprove) {
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return PurchaseOrder{}, err
		}
		return PurchaseOrder{}, &InvalidTransitionError{From: order.Status, To: StatusCompleted, Guard: "actor lacks " + shared.PermProcurementApprove, Permission: shared.PermProcurementApprove}
	}
	order, _, err := s.load(ctx, orderID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	decision := QualityDecision{SkipRequested: opts.SkipQualityCheck}
	if order.Status == StatusReceived && order.PaymentStatus == PaymentPaid {
		summary, err := s.qualitySummary(ctx, orderID)
		if err != nil {
			return PurchaseOrder{}, err
		}
		decision.Satisfied = summary.IsSatisfied()
		decision.Skippable = summary.IsSkippable()
	}
	return s.transition(ctx, orderID, actor, StatusCompleted, Guards{Actor: actor, Quality: decision}, "PO_COMPLETE")
}

// transition evaluates the state machine against a fresh read inside the
// transaction and persists the result with a version check.
func (s *Service) transition(ctx context.Context, orderID int64, actor Actor, to OrderStatus, guards Guards, action string) (PurchaseOrder, error) {
	var (
		updated PurchaseOrder
		from    OrderStatus
		changed bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		current, _, _ = Reconcile(current)
		from = current.Status
		next, ok, err := s.machine.Transition(current, to, guards)
		if err != nil {
			return err
		}
		current.Status = next
		updated, changed = current, ok
		if !ok {
			return nil
		}
		if err := tx.UpdateOrder(ctx, current); err != nil {
			return err
		}
		updated.Version++
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	if changed {
		s.metrics.OrderTransitioned(string(from), string(to))
		s.logger.Info("procurement: order transitioned",
			slog.Int64("order_id", orderID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.Int64("actor_id", actor.ID))
		s.recordAudit(ctx, actor.ID, action, orderID, map[string]any{"from": from, "to": to})
	}
	return updated, nil
}

// ReturnInput describes goods sent back to the supplier.
type ReturnInput struct {
	ItemID   int64
	Type     ReturnType
	Quantity int
	Reason   string
}

// RecordReturn logs a return against received goods. Received quantities are
// left untouched.
func (s *Service) RecordReturn(ctx context.Context, orderID int64, actor Actor, input ReturnInput) (ItemReturn, error) {
	if !actor.Can(shared.PermProcurementReceive) {
		return ItemReturn{}, fmt.Errorf("%w: actor lacks %s", ErrForbidden, shared.PermProcurementReceive)
	}
	if !input.Type.Valid() {
		return ItemReturn{}, invalid("type", "unknown return type %q", input.Type)
	}
	if input.Quantity <= 0 {
		return ItemReturn{}, invalid("quantity", "must be positive")
	}
	ret := ItemReturn{OrderID: orderID, ItemID: input.ItemID, Type: input.Type, Quantity: input.Quantity, Reason: strings.TrimSpace(input.Reason), CreatedBy: actor.ID}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		switch order.Status {
		case StatusPartialReceived, StatusReceived, StatusCompleted:
		default:
			return &StateConflictError{Status: order.Status, Reason: "nothing has been received to return"}
		}
		item, ok := order.Item(input.ItemID)
		if !ok {
			return fmt.Errorf("%w: item %d on order %d", ErrNotFound, input.ItemID, orderID)
		}
		returned, err := tx.ReturnedQuantity(ctx, item.ID)
		if err != nil {
			return err
		}
		if available := item.QuantityReceived - returned; input.Quantity > available {
			return invalid("quantity", "only %d unit(s) of item %d can be returned", available, item.ID)
		}
		id, err := tx.InsertReturn(ctx, ret)
		if err != nil {
			return err
		}
		ret.ID = id
		return nil
	})
	if err != nil {
		return ItemReturn{}, err
	}
	s.recordAudit(ctx, actor.ID, "PO_RETURN", orderID, map[string]any{"item_id": ret.ItemID, "quantity": ret.Quantity, "type": ret.Type})
	return ret, nil
}

// ListReturns returns the recorded returns of an order.
func (s *Service) ListReturns(ctx context.Context, orderID int64) ([]ItemReturn, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListReturns(ctx, orderID)
}

func (s *Service) normalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return s.cfg.BaseCurrency, nil
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", invalid("currency", "%q is not an ISO 4217 code", code)
	}
	return unit.String(), nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "purchase_order", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

type noopMetrics struct{}

func (noopMetrics) ReceiveCommitted(string, int)         {}
func (noopMetrics) PaymentApplied(string)                {}
func (noopMetrics) PaymentStatusCorrected(string, string) {}
func (noopMetrics) OrderTransitioned(string, string)      {}
