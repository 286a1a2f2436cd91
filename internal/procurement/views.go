package procurement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/procurement/progress"
)

type orderView struct {
	ID              int64           `json:"id"`
	Number          string          `json:"number"`
	SupplierID      int64           `json:"supplier_id"`
	Status          OrderStatus     `json:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	Currency        string          `json:"currency"`
	ExchangeRate    decimal.Decimal `json:"exchange_rate"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TotalAmountBase decimal.Decimal `json:"total_amount_base"`
	TotalPaid       decimal.Decimal `json:"total_paid"`
	ExpectedDate    *time.Time      `json:"expected_date,omitempty"`
	Note            string          `json:"note,omitempty"`
	Version         int64           `json:"version"`
	Items           []itemView      `json:"items"`
}

type itemView struct {
	ID               int64            `json:"id"`
	ProductID        int64            `json:"product_id"`
	VariantID        int64            `json:"variant_id,omitempty"`
	QuantityOrdered  int              `json:"quantity_ordered"`
	QuantityReceived int              `json:"quantity_received"`
	Remaining        int              `json:"remaining"`
	Status           ItemStatus       `json:"status"`
	CostPrice        decimal.Decimal  `json:"cost_price"`
	SellingPrice     *decimal.Decimal `json:"selling_price,omitempty"`
	SerialTracked    bool             `json:"serial_tracked"`
}

func newOrderView(o PurchaseOrder) orderView {
	v := orderView{
		ID:              o.ID,
		Number:          o.Number,
		SupplierID:      o.SupplierID,
		Status:          o.Status,
		PaymentStatus:   o.PaymentStatus,
		Currency:        o.Currency,
		ExchangeRate:    o.ExchangeRate,
		TotalAmount:     o.TotalAmount,
		TotalAmountBase: o.TotalAmountBase(),
		TotalPaid:       o.TotalPaid,
		Note:            o.Note,
		Version:         o.Version,
		Items:           make([]itemView, 0, len(o.Items)),
	}
	if !o.ExpectedDate.IsZero() {
		d := o.ExpectedDate
		v.ExpectedDate = &d
	}
	for _, item := range o.Items {
		iv := itemView{
			ID:               item.ID,
			ProductID:        item.ProductID,
			VariantID:        item.VariantID,
			QuantityOrdered:  item.QuantityOrdered,
			QuantityReceived: item.QuantityReceived,
			Remaining:        item.Remaining(),
			Status:           item.State().Status(),
			CostPrice:        item.CostPrice,
			SerialTracked:    item.SerialTracked,
		}
		if item.SellingPrice.Valid {
			p := item.SellingPrice.Decimal
			iv.SellingPrice = &p
		}
		v.Items = append(v.Items, iv)
	}
	return v
}

type paymentView struct {
	ID         int64           `json:"id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	AmountBase decimal.Decimal `json:"amount_base"`
	Method     PaymentMethod   `json:"method"`
	Reference  string          `json:"reference"`
	Status     LedgerStatus    `json:"status"`
	Message    string          `json:"message,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type paymentSummaryView struct {
	OrderID         int64           `json:"order_id"`
	Currency        string          `json:"currency"`
	BaseCurrency    string          `json:"base_currency"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TotalAmountBase decimal.Decimal `json:"total_amount_base"`
	TotalPaid       decimal.Decimal `json:"total_paid"`
	Remaining       decimal.Decimal `json:"remaining"`
	Status          PaymentStatus   `json:"status"`
	Payments        []paymentView   `json:"payments"`
}

func newPaymentSummaryView(s PaymentSummary) paymentSummaryView {
	v := paymentSummaryView{
		OrderID:         s.OrderID,
		Currency:        s.Currency,
		BaseCurrency:    s.BaseCurrency,
		TotalAmount:     s.TotalAmount,
		TotalAmountBase: s.TotalAmountBase,
		TotalPaid:       s.TotalPaid,
		Remaining:       s.Remaining,
		Status:          s.Status,
		Payments:        make([]paymentView, 0, len(s.Payments)),
	}
	for _, p := range s.Payments {
		v.Payments = append(v.Payments, paymentView{
			ID:         p.ID,
			Amount:     p.Amount,
			Currency:   p.Currency,
			AmountBase: p.AmountBase,
			Method:     p.Method,
			Reference:  p.Reference,
			Status:     p.Status,
			Message:    p.Message,
			CreatedAt:  p.CreatedAt,
		})
	}
	return v
}

type paymentBatchView struct {
	Order   orderView     `json:"order"`
	Applied int           `json:"applied"`
	Entries []EntryResult `json:"entries"`
}

type sessionView struct {
	Session progress.Session `json:"session"`
	Step    progress.Step    `json:"step"`
}

type receiptView struct {
	Order      orderView `json:"order"`
	AttemptID  string    `json:"attempt_id"`
	ItemsAdded int       `json:"items_added"`
	Warnings   []string  `json:"warnings,omitempty"`
}

type returnView struct {
	ID        int64      `json:"id"`
	ItemID    int64      `json:"item_id"`
	Type      ReturnType `json:"type"`
	Quantity  int        `json:"quantity"`
	Reason    string     `json:"reason,omitempty"`
	CreatedBy int64      `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
}

func newReturnView(r ItemReturn) returnView {
	return returnView{ID: r.ID, ItemID: r.ItemID, Type: r.Type, Quantity: r.Quantity, Reason: r.Reason, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt}
}
