package procurement

import "github.com/shopspring/decimal"

// ReconcilePaymentStatus derives the payment status from the order total and
// the sum of completed payments. A non-positive total cannot be evaluated and
// leaves current unchanged.
func ReconcilePaymentStatus(totalAmount, totalPaid decimal.Decimal, current PaymentStatus) PaymentStatus {
	if !totalAmount.IsPositive() {
		return current
	}
	switch {
	case totalPaid.GreaterThanOrEqual(totalAmount):
		return PaymentPaid
	case totalPaid.IsPositive():
		return PaymentPartial
	default:
		return PaymentUnpaid
	}
}

// PaymentCorrection is emitted when a stored payment status disagrees with
// its recomputed value.
type PaymentCorrection struct {
	OrderID     int64
	From        PaymentStatus
	To          PaymentStatus
	TotalAmount decimal.Decimal
	TotalPaid   decimal.Decimal
}

// Reconcile recomputes the payment status of an order. The returned order
// carries the recomputed status; the correction is only meaningful when ok.
func Reconcile(order PurchaseOrder) (PurchaseOrder, PaymentCorrection, bool) {
	total := order.TotalAmountBase()
	next := ReconcilePaymentStatus(total, order.TotalPaid, order.PaymentStatus)
	if next == order.PaymentStatus {
		return order, PaymentCorrection{}, false
	}
	correction := PaymentCorrection{
		OrderID:     order.ID,
		From:        order.PaymentStatus,
		To:          next,
		TotalAmount: total,
		TotalPaid:   order.TotalPaid,
	}
	order.PaymentStatus = next
	return order, correction, true
}

// SumCompleted totals the base amount of completed ledger entries.
func SumCompleted(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		if p.Status == LedgerCompleted {
			total = total.Add(p.AmountBase)
		}
	}
	return total
}
