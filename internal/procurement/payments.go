package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// PaymentInput is one payment in a batch.
type PaymentInput struct {
	Amount    decimal.Decimal
	Currency  string
	Method    PaymentMethod
	Reference string
}

// PaymentBatchResult reports the per-entry outcome of ApplyPayments and the
// order as it stands afterwards.
type PaymentBatchResult struct {
	Order   PurchaseOrder
	Entries []EntryResult
	Applied int
}

// PaymentSummary is the read model of an order's payment position.
type PaymentSummary struct {
	OrderID         int64
	Currency        string
	BaseCurrency    string
	TotalAmount     decimal.Decimal
	TotalAmountBase decimal.Decimal
	TotalPaid       decimal.Decimal
	Remaining       decimal.Decimal
	Status          PaymentStatus
	Payments        []Payment
}

type pendingPayment struct {
	index      int
	input      PaymentInput
	amountBase decimal.Decimal
	idemKey    string
	result     LedgerResult
	err        error
}

const idempotencyModule = "procurement.payment"

// ApplyPayments validates a batch against the remaining balance, submits the
// accepted entries to the ledger concurrently and records every outcome.
// Failed entries never roll back successful ones.
func (s *Service) ApplyPayments(ctx context.Context, orderID int64, actor Actor, inputs []PaymentInput) (PaymentBatchResult, error) {
	if !actor.Can(shared.PermProcurementPayment) {
		return PaymentBatchResult{}, fmt.Errorf("%w: actor lacks %s", ErrForbidden, shared.PermProcurementPayment)
	}
	if len(inputs) == 0 {
		return PaymentBatchResult{}, invalid("payments", "at least one payment required")
	}
	order, _, err := s.load(ctx, orderID)
	if err != nil {
		return PaymentBatchResult{}, err
	}
	switch {
	case order.Status == StatusDraft || order.Status == StatusCancelled:
		return PaymentBatchResult{}, &StateConflictError{Status: order.Status, Reason: "payments are not accepted"}
	case order.PaymentStatus == PaymentPaid:
		return PaymentBatchResult{}, &StateConflictError{Status: order.Status, Reason: "order is already paid"}
	}

	entries := make([]EntryResult, len(inputs))
	var accepted []*pendingPayment
	remaining := order.RemainingBalance()
	for i, in := range inputs {
		entries[i] = EntryResult{Index: i, Reference: in.Reference}
		p, err := s.prepare(ctx, order, i, in, remaining)
		if err != nil {
			entries[i].Message = err.Error()
			entries[i].Err = err
			continue
		}
		remaining = remaining.Sub(p.amountBase)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		accepted = append(accepted, p)
	}

	s.submit(ctx, order, accepted)

	var (
		updated PurchaseOrder
		applied int
	)
	if len(accepted) > 0 {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			for _, p := range accepted {
				payment := Payment{
					OrderID:    orderID,
					Amount:     p.input.Amount,
					Currency:   p.input.Currency,
					AmountBase: p.amountBase,
					Method:     p.input.Method,
					Reference:  p.input.Reference,
					Status:     LedgerCompleted,
					Message:    p.result.Message,
					CreatedBy:  actor.ID,
				}
				if p.err != nil {
					payment.Status = LedgerFailed
					payment.Message = p.err.Error()
				}
				if _, err := tx.InsertPayment(ctx, payment); err != nil {
					return err
				}
			}
			current, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			reconciled, _, changed := Reconcile(current)
			if changed {
				if err := tx.UpdateOrder(ctx, reconciled); err != nil {
					return err
				}
				reconciled.Version++
			}
			updated = reconciled
			return nil
		})
		if err != nil {
			return s.unrecorded(ctx, order, entries, accepted, err)
		}
	} else {
		updated = order
	}

	for _, p := range accepted {
		entry := &entries[p.index]
		if p.err != nil {
			entry.Message = p.err.Error()
			entry.Err = p.err
			s.releaseKey(ctx, p.idemKey)
			s.metrics.PaymentApplied(string(LedgerFailed))
			continue
		}
		entry.Success = true
		entry.Message = p.result.Message
		applied++
		s.metrics.PaymentApplied(string(LedgerCompleted))
	}
	if order.PaymentStatus != updated.PaymentStatus {
		s.logger.Info("procurement: payment status changed",
			slog.Int64("order_id", orderID),
			slog.String("from", string(order.PaymentStatus)),
			slog.String("to", string(updated.PaymentStatus)))
	}
	s.recordAudit(ctx, actor.ID, "PO_PAYMENT", orderID, map[string]any{"applied": applied, "submitted": len(inputs), "payment_status": updated.PaymentStatus})

	result := PaymentBatchResult{Order: updated, Entries: entries, Applied: applied}
	if applied == len(inputs) {
		return result, nil
	}
	if len(inputs) == 1 {
		return result, entries[0].Err
	}
	return result, &PartialFailure{Entries: entries}
}

// unrecorded reports a batch whose ledger calls ran but whose rows could not be
// stored. References the ledger accepted keep their idempotency keys so a
// resubmission cannot charge them twice.
func (s *Service) unrecorded(ctx context.Context, order PurchaseOrder, entries []EntryResult, accepted []*pendingPayment, cause error) (PaymentBatchResult, error) {
	for _, p := range accepted {
		entry := &entries[p.index]
		if p.err != nil {
			entry.Message = p.err.Error()
			entry.Err = p.err
			s.releaseKey(ctx, p.idemKey)
			s.metrics.PaymentApplied(string(LedgerFailed))
			continue
		}
		entry.Unrecorded = true
		entry.Err = fmt.Errorf("%w: %v", ErrPaymentUnrecorded, cause)
		entry.Message = entry.Err.Error()
		s.metrics.PaymentApplied("unrecorded")
		s.logger.Error("procurement: ledger payment not recorded",
			slog.Int64("order_id", order.ID),
			slog.String("reference", p.input.Reference),
			slog.String("amount", p.input.Amount.String()),
			slog.String("currency", p.input.Currency),
			slog.Any("error", cause))
	}
	return PaymentBatchResult{Order: order, Entries: entries}, &PartialFailure{Entries: entries}
}

func (s *Service) prepare(ctx context.Context, order PurchaseOrder, index int, in PaymentInput, remaining decimal.Decimal) (*pendingPayment, error) {
	if !in.Amount.IsPositive() {
		return nil, invalid("amount", "must be positive")
	}
	if !in.Method.Valid() {
		return nil, invalid("method", "unknown payment method %q", in.Method)
	}
	code, err := s.normalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}
	in.Currency = code
	in.Reference = strings.TrimSpace(in.Reference)
	base, err := s.toBase(order, in.Amount, code)
	if err != nil {
		return nil, err
	}
	if base.GreaterThan(remaining.Add(s.cfg.PaymentTolerance)) {
		return nil, invalid("amount", "%s %s exceeds remaining balance %s %s", base.StringFixed(2), s.cfg.BaseCurrency, remaining.StringFixed(2), s.cfg.BaseCurrency)
	}
	p := &pendingPayment{index: index, input: in, amountBase: base}
	if in.Reference != "" && s.idempotency != nil {
		key := fmt.Sprintf("PO:%d:PAY:%s", order.ID, in.Reference)
		if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return nil, invalid("reference", "payment %q was already submitted", in.Reference)
			}
			return nil, err
		}
		p.idemKey = key
	}
	return p, nil
}

// toBase converts an amount into the base currency. Only the base currency and
// the order's own currency can be converted.
func (s *Service) toBase(order PurchaseOrder, amount decimal.Decimal, code string) (decimal.Decimal, error) {
	switch code {
	case s.cfg.BaseCurrency:
		return amount.Round(2), nil
	case order.Currency:
		rate := order.ExchangeRate
		if rate.IsZero() {
			rate = decimal.NewFromInt(1)
		}
		return amount.Mul(rate).Round(2), nil
	}
	return decimal.Zero, invalid("currency", "%s is neither %s nor the order currency %s", code, s.cfg.BaseCurrency, order.Currency)
}

func (s *Service) submit(ctx context.Context, order PurchaseOrder, pending []*pendingPayment) {
	if s.ledger == nil {
		for _, p := range pending {
			p.result = LedgerResult{Success: true, Message: "recorded"}
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.LedgerConcurrency)
	for _, p := range pending {
		g.Go(func() error {
			res, err := s.ledger.ProcessPayment(ctx, LedgerRequest{
				OrderID:   order.ID,
				Amount:    p.input.Amount,
				Currency:  p.input.Currency,
				Method:    p.input.Method,
				Reference: p.input.Reference,
			})
			switch {
			case err != nil:
				p.err = &ExternalServiceError{Service: "payment-ledger", Op: "process", Err: err}
			case !res.Success:
				p.err = &ExternalServiceError{Service: "payment-ledger", Op: "process", Err: errors.New(defaultMessage(res.Message, "payment rejected"))}
			default:
				p.result = res
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.Delete(ctx, key); err != nil {
		s.logger.Warn("procurement: release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

// PaymentSummary returns totals and ledger entries for an order.
func (s *Service) PaymentSummary(ctx context.Context, orderID int64) (PaymentSummary, error) {
	order, _, err := s.load(ctx, orderID)
	if err != nil {
		return PaymentSummary{}, err
	}
	payments, err := s.repo.ListPayments(ctx, orderID)
	if err != nil {
		return PaymentSummary{}, err
	}
	return PaymentSummary{
		OrderID:         order.ID,
		Currency:        order.Currency,
		BaseCurrency:    s.cfg.BaseCurrency,
		TotalAmount:     order.TotalAmount,
		TotalAmountBase: order.TotalAmountBase(),
		TotalPaid:       order.TotalPaid,
		Remaining:       order.RemainingBalance(),
		Status:          order.PaymentStatus,
		Payments:        payments,
	}, nil
}

func defaultMessage(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
