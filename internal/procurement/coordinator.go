package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/procurement/progress"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// Coordinator drives the receiving wizard: mode selection, item capture,
// pricing and the final commit into inventory.
type Coordinator struct {
	repo      RepositoryPort
	sessions  SessionStore
	inventory InventoryCommitter
	quality   QualityGate
	locks     ReceiveLocker
	machine   StateMachine
	metrics   MetricsRecorder
	logger    *slog.Logger
	record    func(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any)
}

// ReceiptResult is returned by a successful commit.
type ReceiptResult struct {
	Order      PurchaseOrder
	AttemptID  string
	ItemsAdded int
	Warnings   []string
}

// SelectMode starts (or restarts) a receiving session in the given mode.
func (c *Coordinator) SelectMode(ctx context.Context, orderID int64, actor Actor, mode ReceiveMode) (progress.Session, error) {
	if !mode.Valid() {
		return progress.Session{}, invalid("mode", "must be %q or %q", ModeFull, ModePartial)
	}
	order, err := c.repo.GetOrder(ctx, orderID)
	if err != nil {
		return progress.Session{}, err
	}
	if err := checkReceivable(order, actor); err != nil {
		return progress.Session{}, err
	}
	ordered, _ := order.QuantityTotals()
	if ordered == 0 {
		return progress.Session{}, invalid("items", "ordered quantities sum to zero")
	}
	if order.FullyReceived() {
		return progress.Session{}, invalid("items", "nothing to receive")
	}
	m := string(mode)
	sess, err := c.sessions.Save(ctx, orderID, progress.Update{Mode: &m, AttemptID: uuid.NewString(), StartedBy: actor.ID})
	if err != nil {
		return progress.Session{}, err
	}
	c.logger.Info("receiving session started", slog.Int64("order_id", orderID), slog.String("mode", m), slog.String("attempt_id", sess.AttemptID))
	return sess, nil
}

// CaptureItems records received quantities and serials for one or more lines.
func (c *Coordinator) CaptureItems(ctx context.Context, orderID int64, actor Actor, entries []progress.ItemCapture) (progress.Session, error) {
	if len(entries) == 0 {
		return progress.Session{}, invalid("items", "at least one entry required")
	}
	sess, err := c.session(ctx, orderID)
	if err != nil {
		return progress.Session{}, err
	}
	order, err := c.repo.GetOrder(ctx, orderID)
	if err != nil {
		return progress.Session{}, err
	}
	if err := checkReceivable(order, actor); err != nil {
		return progress.Session{}, err
	}
	update := progress.Update{}
	if err := c.editable(ctx, order, sess, &update); err != nil {
		return progress.Session{}, err
	}
	seen := make(map[int64]struct{}, len(entries))
	for i, entry := range entries {
		if _, dup := seen[entry.ItemID]; dup {
			return progress.Session{}, invalid("items", "item %d captured twice", entry.ItemID)
		}
		seen[entry.ItemID] = struct{}{}
		item, ok := order.Item(entry.ItemID)
		if !ok {
			return progress.Session{}, fmt.Errorf("%w: item %d on order %d", ErrNotFound, entry.ItemID, orderID)
		}
		entries[i].Serials = trimSerials(entry.Serials)
		if err := validateCapture(item, entries[i]); err != nil {
			return progress.Session{}, err
		}
		if ReceiveMode(sess.Mode) == ModeFull && entry.ReceivedQuantity < item.Remaining() {
			c.logger.Warn("full receive captured short",
				slog.Int64("order_id", orderID),
				slog.Int64("item_id", item.ID),
				slog.Int("received", entry.ReceivedQuantity),
				slog.Int("remaining", item.Remaining()))
		}
	}
	update.Items = entries
	return c.sessions.Save(ctx, orderID, update)
}

// SetPricing records draft cost and selling prices.
func (c *Coordinator) SetPricing(ctx context.Context, orderID int64, actor Actor, pricing map[int64]progress.Pricing) (progress.Session, error) {
	if len(pricing) == 0 {
		return progress.Session{}, invalid("pricing", "at least one entry required")
	}
	sess, err := c.session(ctx, orderID)
	if err != nil {
		return progress.Session{}, err
	}
	order, err := c.repo.GetOrder(ctx, orderID)
	if err != nil {
		return progress.Session{}, err
	}
	if err := checkReceivable(order, actor); err != nil {
		return progress.Session{}, err
	}
	update := progress.Update{}
	if err := c.editable(ctx, order, sess, &update); err != nil {
		return progress.Session{}, err
	}
	for itemID, p := range pricing {
		if _, ok := order.Item(itemID); !ok {
			return progress.Session{}, fmt.Errorf("%w: item %d on order %d", ErrNotFound, itemID, orderID)
		}
		if p.CostPrice.IsNegative() || p.SellingPrice.IsNegative() {
			return progress.Session{}, invalid("pricing", "item %d: prices must not be negative", itemID)
		}
	}
	update.Pricing = pricing
	return c.sessions.Save(ctx, orderID, update)
}

// Resume returns the stored session and the step it continues at. Without a
// session the wizard starts at mode selection.
func (c *Coordinator) Resume(ctx context.Context, orderID int64) (progress.Session, progress.Step, error) {
	if _, err := c.repo.GetOrder(ctx, orderID); err != nil {
		return progress.Session{}, "", err
	}
	sess, ok, err := c.sessions.Load(ctx, orderID)
	if err != nil {
		return progress.Session{}, "", err
	}
	if !ok {
		return progress.Session{OrderID: orderID}, progress.StepModeSelection, nil
	}
	return sess, sess.ResumeStep(), nil
}

// Discard drops the receiving session without touching the order. A session
// whose attempt may already have created stock cannot be discarded.
func (c *Coordinator) Discard(ctx context.Context, orderID int64, actor Actor) error {
	if !actor.Can(shared.PermProcurementReceive) {
		return fmt.Errorf("%w: actor lacks %s", ErrForbidden, shared.PermProcurementReceive)
	}
	pending, err := c.pendingReceipt(ctx, orderID)
	if err != nil {
		return err
	}
	if pending {
		return &StateConflictError{Status: c.currentStatus(ctx, orderID), Reason: "a receipt attempt is pending at inventory; commit again to finish it"}
	}
	return c.sessions.Clear(ctx, orderID)
}

// Commit applies the captured session. Inventory is created first under the
// session's attempt id, then item quantities and order status are written in
// one transaction. A failed inventory call keeps the session for retry.
func (c *Coordinator) Commit(ctx context.Context, orderID int64, actor Actor) (ReceiptResult, error) {
	sess, err := c.session(ctx, orderID)
	if err != nil {
		return ReceiptResult{}, err
	}
	if sess.AttemptID == "" {
		return ReceiptResult{}, fmt.Errorf("%w: order %d has no attempt id; select a receive mode again", ErrNoSession, orderID)
	}

	release, acquired, err := c.locks.Acquire(ctx, orderID)
	if err != nil {
		return ReceiptResult{}, err
	}
	if !acquired {
		return ReceiptResult{}, &StateConflictError{Status: c.currentStatus(ctx, orderID), Reason: "a receive commit is already in flight"}
	}
	defer release()

	// The order is read under the marker: cancel refuses while it is held, so
	// the status checked here is the one inventory stock is created against.
	order, err := c.repo.GetOrder(ctx, orderID)
	if err != nil {
		return ReceiptResult{}, err
	}
	prev, found, err := c.recordedAttempt(ctx, sess.AttemptID)
	if err != nil {
		return ReceiptResult{}, err
	}
	if found && prev.Status == ReceiptCommitted {
		c.clearSession(ctx, orderID)
		return ReceiptResult{Order: order, AttemptID: prev.AttemptID, ItemsAdded: prev.ItemsAdded}, nil
	}
	if err := checkReceivable(order, actor); err != nil {
		return ReceiptResult{}, err
	}
	lines, err := prepareLines(order, sess)
	if err != nil {
		return ReceiptResult{}, err
	}
	if found && prev.Status == ReceiptPending && !sameLines(prev.Lines, lines) {
		return ReceiptResult{}, &StateConflictError{Status: order.Status, Reason: fmt.Sprintf("receipt attempt %s was sent to inventory with different lines", prev.AttemptID)}
	}

	// Once inventory is asked to create stock the remaining steps must run to
	// completion even if the caller goes away.
	work := context.WithoutCancel(ctx)
	attempt := ReceiptAttempt{AttemptID: sess.AttemptID, OrderID: orderID, Status: ReceiptPending, Lines: lines, CreatedBy: actor.ID}
	if err := c.repo.WithTx(work, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveReceiptAttempt(ctx, attempt)
	}); err != nil {
		return ReceiptResult{}, err
	}

	res, err := c.commitInventory(work, order, attempt)
	if err != nil || !res.Success {
		if err == nil {
			// A rejection creates nothing, so the session may be edited and
			// committed under a new attempt id.
			attempt.Status = ReceiptFailed
			err = errors.New(defaultMessage(res.Message, "inventory rejected the receipt"))
		}
		attempt.Message = err.Error()
		if saveErr := c.repo.WithTx(work, func(ctx context.Context, tx TxRepository) error {
			return tx.SaveReceiptAttempt(ctx, attempt)
		}); saveErr != nil {
			c.logger.Error("mark receipt attempt failed", slog.String("attempt_id", attempt.AttemptID), slog.Any("error", saveErr))
		}
		c.metrics.ReceiveCommitted("failed", 0)
		c.logger.Warn("inventory commit failed",
			slog.Int64("order_id", orderID),
			slog.String("attempt_id", attempt.AttemptID),
			slog.String("attempt_status", string(attempt.Status)),
			slog.Any("error", err))
		return ReceiptResult{}, &ExternalServiceError{Service: "inventory", Op: "commit", Err: err}
	}

	var (
		updated PurchaseOrder
		from    OrderStatus
		units   int
	)
	err = c.repo.WithTx(work, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = current.Status
		for _, line := range lines {
			idx := itemIndex(current, line.ItemID)
			if idx < 0 {
				return fmt.Errorf("%w: item %d on order %d", ErrNotFound, line.ItemID, orderID)
			}
			item := current.Items[idx]
			if line.Quantity > item.Remaining() {
				return invalid("items", "item %d: %d exceeds remaining %d", item.ID, line.Quantity, item.Remaining())
			}
			if err := tx.AddReceived(ctx, item.ID, line.Quantity, line.SellingPrice); err != nil {
				return err
			}
			current.Items[idx].QuantityReceived += line.Quantity
			current.Items[idx].SellingPrice = decimal.NewNullDecimal(line.SellingPrice)
			units += line.Quantity
		}
		next, _, err := c.machine.Transition(current, ReceiveTarget(current), Guards{Actor: actor})
		if err != nil {
			return err
		}
		current.Status = next
		if err := tx.UpdateOrder(ctx, current); err != nil {
			return err
		}
		current.Version++
		attempt.Status = ReceiptCommitted
		attempt.ItemsAdded = res.ItemsAdded
		if err := tx.SaveReceiptAttempt(ctx, attempt); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		c.metrics.ReceiveCommitted("conflict", 0)
		c.logger.Warn("receipt stored in inventory but order not updated",
			slog.Int64("order_id", orderID),
			slog.String("attempt_id", attempt.AttemptID),
			slog.Any("error", err))
		return ReceiptResult{}, err
	}

	c.clearSession(work, orderID)
	c.metrics.ReceiveCommitted("committed", units)
	if from != updated.Status {
		c.metrics.OrderTransitioned(string(from), string(updated.Status))
	}
	c.logger.Info("receipt committed",
		slog.Int64("order_id", orderID),
		slog.String("attempt_id", attempt.AttemptID),
		slog.Int("units", units),
		slog.Int("items_added", res.ItemsAdded),
		slog.String("status", string(updated.Status)))
	c.record(work, actor.ID, "PO_RECEIVE", orderID, map[string]any{"attempt_id": attempt.AttemptID, "units": units, "from": from, "to": updated.Status})

	result := ReceiptResult{Order: updated, AttemptID: attempt.AttemptID, ItemsAdded: res.ItemsAdded}
	if updated.PaymentStatus != PaymentPaid {
		result.Warnings = append(result.Warnings, fmt.Sprintf("goods received while payment status is %s", updated.PaymentStatus))
	}
	return result, nil
}

func (c *Coordinator) commitInventory(ctx context.Context, order PurchaseOrder, attempt ReceiptAttempt) (InventoryCommitResult, error) {
	if c.inventory == nil {
		return InventoryCommitResult{Message: "inventory integration not configured"}, nil
	}
	req := InventoryCommitRequest{AttemptID: attempt.AttemptID, PurchaseOrderID: order.ID}
	if c.quality != nil {
		summary, err := c.quality.Summary(ctx, order.ID)
		if err != nil {
			c.logger.Warn("quality summary unavailable for receipt",
				slog.Int64("order_id", order.ID),
				slog.Any("error", err))
		} else {
			req.QualityCheckID = summary.QualityCheckID
		}
	}
	for _, line := range attempt.Lines {
		item, _ := order.Item(line.ItemID)
		req.Units = append(req.Units, InventoryUnit{
			ItemID:       item.ID,
			ProductID:    item.ProductID,
			VariantID:    item.VariantID,
			Quantity:     line.Quantity,
			Serials:      line.Serials,
			CostPrice:    line.CostPrice,
			SellingPrice: line.SellingPrice,
		})
	}
	return c.inventory.CommitInventory(ctx, req)
}

func (c *Coordinator) recordedAttempt(ctx context.Context, attemptID string) (ReceiptAttempt, bool, error) {
	if attemptID == "" {
		return ReceiptAttempt{}, false, nil
	}
	attempt, err := c.repo.GetReceiptAttempt(ctx, attemptID)
	if errors.Is(err, ErrNotFound) {
		return ReceiptAttempt{}, false, nil
	}
	if err != nil {
		return ReceiptAttempt{}, false, err
	}
	return attempt, true, nil
}

// pendingReceipt reports whether the order's session has an attempt that may
// already have created stock without the order recording it.
func (c *Coordinator) pendingReceipt(ctx context.Context, orderID int64) (bool, error) {
	if c.sessions == nil {
		return false, nil
	}
	sess, ok, err := c.sessions.Load(ctx, orderID)
	if err != nil || !ok {
		return false, err
	}
	attempt, found, err := c.recordedAttempt(ctx, sess.AttemptID)
	if err != nil {
		return false, err
	}
	return found && attempt.Status == ReceiptPending, nil
}

// editable refuses edits while a commit is in flight or once the session's
// attempt reached inventory. After a rejected attempt the update is given a
// fresh attempt id.
func (c *Coordinator) editable(ctx context.Context, order PurchaseOrder, sess progress.Session, update *progress.Update) error {
	held, err := c.locks.Held(ctx, order.ID)
	if err != nil {
		return err
	}
	if held {
		return &StateConflictError{Status: order.Status, Reason: "a receive commit is in flight"}
	}
	attempt, found, err := c.recordedAttempt(ctx, sess.AttemptID)
	if err != nil || !found {
		return err
	}
	if attempt.Status != ReceiptFailed {
		return &StateConflictError{Status: order.Status, Reason: fmt.Sprintf("receipt attempt %s is %s; commit again to finish it", attempt.AttemptID, attempt.Status)}
	}
	update.AttemptID = uuid.NewString()
	update.RotateAttempt = true
	c.logger.Info("receipt attempt rotated after rejection",
		slog.Int64("order_id", order.ID),
		slog.String("previous", attempt.AttemptID),
		slog.String("attempt_id", update.AttemptID))
	return nil
}

func (c *Coordinator) currentStatus(ctx context.Context, orderID int64) OrderStatus {
	order, err := c.repo.GetOrder(ctx, orderID)
	if err != nil {
		return ""
	}
	return order.Status
}

func (c *Coordinator) session(ctx context.Context, orderID int64) (progress.Session, error) {
	sess, ok, err := c.sessions.Load(ctx, orderID)
	if err != nil {
		return progress.Session{}, err
	}
	if !ok || sess.Mode == "" {
		return progress.Session{}, fmt.Errorf("%w: order %d; select a receive mode first", ErrNoSession, orderID)
	}
	return sess, nil
}

func (c *Coordinator) clearSession(ctx context.Context, orderID int64) {
	if err := c.sessions.Clear(ctx, orderID); err != nil {
		c.logger.Warn("clear receiving session", slog.Int64("order_id", orderID), slog.Any("error", err))
	}
}

func checkReceivable(order PurchaseOrder, actor Actor) error {
	if !order.Status.Receivable() {
		return &InvalidTransitionError{From: order.Status, To: StatusPartialReceived, Guard: "order is not open for receiving"}
	}
	if !actor.Can(shared.PermProcurementReceive) {
		return &InvalidTransitionError{From: order.Status, To: ReceiveTarget(order), Guard: "actor lacks " + shared.PermProcurementReceive, Permission: shared.PermProcurementReceive}
	}
	return nil
}

func validateCapture(item PurchaseOrderItem, entry progress.ItemCapture) error {
	if entry.ReceivedQuantity < 0 {
		return invalid("items", "item %d: quantity must not be negative", item.ID)
	}
	if entry.ReceivedQuantity > item.Remaining() {
		return invalid("items", "item %d: %d exceeds remaining %d", item.ID, entry.ReceivedQuantity, item.Remaining())
	}
	if len(entry.Serials) == 0 {
		return nil
	}
	if !item.SerialTracked {
		return invalid("serials", "item %d is not serial tracked", item.ID)
	}
	if len(entry.Serials) != entry.ReceivedQuantity {
		return invalid("serials", "item %d: %d serial(s) for %d unit(s)", item.ID, len(entry.Serials), entry.ReceivedQuantity)
	}
	seen := make(map[string]struct{}, len(entry.Serials))
	for _, serial := range entry.Serials {
		if serial == "" {
			return invalid("serials", "item %d: empty serial", item.ID)
		}
		if _, dup := seen[serial]; dup {
			return invalid("serials", "item %d: duplicate serial %q", item.ID, serial)
		}
		seen[serial] = struct{}{}
	}
	return nil
}

// prepareLines re-validates a session against the current order and returns
// the lines that carry units.
func prepareLines(order PurchaseOrder, sess progress.Session) ([]ReceiptLine, error) {
	var lines []ReceiptLine
	for _, capture := range sess.Items {
		if capture.ReceivedQuantity == 0 {
			continue
		}
		item, ok := order.Item(capture.ItemID)
		if !ok {
			return nil, fmt.Errorf("%w: item %d on order %d", ErrNotFound, capture.ItemID, order.ID)
		}
		if err := validateCapture(item, capture); err != nil {
			return nil, err
		}
		price, ok := sess.Pricing[item.ID]
		if !ok {
			return nil, invalid("pricing", "item %d has no pricing", item.ID)
		}
		if price.CostPrice.IsNegative() || price.SellingPrice.IsNegative() {
			return nil, invalid("pricing", "item %d: prices must not be negative", item.ID)
		}
		lines = append(lines, ReceiptLine{
			ItemID:       item.ID,
			Quantity:     capture.ReceivedQuantity,
			Serials:      capture.Serials,
			CostPrice:    price.CostPrice,
			SellingPrice: price.SellingPrice,
		})
	}
	if len(lines) == 0 {
		return nil, invalid("items", "nothing to receive")
	}
	return lines, nil
}

func sameLines(a, b []ReceiptLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ItemID != y.ItemID || x.Quantity != y.Quantity ||
			!x.CostPrice.Equal(y.CostPrice) || !x.SellingPrice.Equal(y.SellingPrice) ||
			!slices.Equal(x.Serials, y.Serials) {
			return false
		}
	}
	return true
}

func itemIndex(order PurchaseOrder, itemID int64) int {
	for i, item := range order.Items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}

func trimSerials(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	for _, s := range serials {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

// LocalReceiveLocks tracks in-flight commits within a single process.
type LocalReceiveLocks struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewLocalReceiveLocks constructs an empty lock table.
func NewLocalReceiveLocks() *LocalReceiveLocks {
	return &LocalReceiveLocks{held: make(map[int64]struct{})}
}

// Acquire marks orderID as in flight unless it already is.
func (l *LocalReceiveLocks) Acquire(_ context.Context, orderID int64) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[orderID]; ok {
		return func() {}, false, nil
	}
	l.held[orderID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, orderID)
		l.mu.Unlock()
	}, true, nil
}

// Held reports whether orderID has a commit in flight.
func (l *LocalReceiveLocks) Held(_ context.Context, orderID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[orderID]
	return ok, nil
}
