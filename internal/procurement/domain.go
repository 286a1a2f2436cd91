package procurement

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the purchase order lifecycle status.
type OrderStatus string

const (
	StatusDraft           OrderStatus = "draft"
	StatusSent            OrderStatus = "sent"
	StatusConfirmed       OrderStatus = "confirmed"
	StatusShipped         OrderStatus = "shipped"
	StatusPartialReceived OrderStatus = "partial_received"
	StatusReceived        OrderStatus = "received"
	StatusCompleted       OrderStatus = "completed"
	StatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further transition can leave the status.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Receivable reports whether goods may be received in this status.
func (s OrderStatus) Receivable() bool {
	switch s {
	case StatusSent, StatusConfirmed, StatusShipped, StatusPartialReceived:
		return true
	}
	return false
}

// PaymentStatus is derived from the order total and completed payments.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// LedgerStatus is the state of a single payment ledger entry.
type LedgerStatus string

const (
	LedgerCompleted LedgerStatus = "completed"
	LedgerPending   LedgerStatus = "pending"
	LedgerFailed    LedgerStatus = "failed"
)

// PaymentMethod enumerates accepted payment channels.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodCard         PaymentMethod = "card"
	MethodOther        PaymentMethod = "other"
)

// Valid reports whether the method is one of the accepted channels.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodBankTransfer, MethodMobileMoney, MethodCard, MethodOther:
		return true
	}
	return false
}

// ItemStatus is the receive progress of a line item.
type ItemStatus string

const (
	ItemStatusPending  ItemStatus = "pending"
	ItemStatusPartial  ItemStatus = "partial"
	ItemStatusComplete ItemStatus = "complete"
)

// ReceiveMode is chosen at the start of a receiving session.
type ReceiveMode string

const (
	ModeFull    ReceiveMode = "full"
	ModePartial ReceiveMode = "partial"
)

// Valid reports whether the mode is known.
func (m ReceiveMode) Valid() bool {
	return m == ModeFull || m == ModePartial
}

// ReturnType classifies returned goods.
type ReturnType string

const (
	ReturnDamage    ReturnType = "damage"
	ReturnDefect    ReturnType = "defect"
	ReturnWrongItem ReturnType = "wrong_item"
	ReturnExcess    ReturnType = "excess"
	ReturnOther     ReturnType = "other"
)

// Valid reports whether the return type is known.
func (t ReturnType) Valid() bool {
	switch t {
	case ReturnDamage, ReturnDefect, ReturnWrongItem, ReturnExcess, ReturnOther:
		return true
	}
	return false
}

// PurchaseOrder is the aggregate root of the lifecycle.
type PurchaseOrder struct {
	ID            int64
	Number        string
	SupplierID    int64
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Currency      string
	ExchangeRate  decimal.Decimal
	TotalAmount   decimal.Decimal
	TotalPaid     decimal.Decimal
	ExpectedDate  time.Time
	Note          string
	Version       int64
	CreatedBy     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Items         []PurchaseOrderItem
}

// TotalAmountBase converts the order total into the base currency.
func (o PurchaseOrder) TotalAmountBase() decimal.Decimal {
	rate := o.ExchangeRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	return o.TotalAmount.Mul(rate).Round(2)
}

// RemainingBalance is the unpaid base-currency amount, never negative.
func (o PurchaseOrder) RemainingBalance() decimal.Decimal {
	remaining := o.TotalAmountBase().Sub(o.TotalPaid)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// Item returns the line with the given id.
func (o PurchaseOrder) Item(id int64) (PurchaseOrderItem, bool) {
	for _, item := range o.Items {
		if item.ID == id {
			return item, true
		}
	}
	return PurchaseOrderItem{}, false
}

// QuantityTotals sums ordered and received quantities across all lines.
func (o PurchaseOrder) QuantityTotals() (ordered, received int) {
	for _, item := range o.Items {
		ordered += item.QuantityOrdered
		received += item.QuantityReceived
	}
	return ordered, received
}

// FullyReceived reports whether every line has been received in full.
func (o PurchaseOrder) FullyReceived() bool {
	if len(o.Items) == 0 {
		return false
	}
	for _, item := range o.Items {
		if item.Remaining() > 0 {
			return false
		}
	}
	return true
}

// PurchaseOrderItem is a single ordered product line.
type PurchaseOrderItem struct {
	ID               int64
	OrderID          int64
	ProductID        int64
	VariantID        int64
	QuantityOrdered  int
	QuantityReceived int
	CostPrice        decimal.Decimal
	SellingPrice     decimal.NullDecimal
	SerialTracked    bool
}

// Remaining is the quantity still expected from the supplier.
func (i PurchaseOrderItem) Remaining() int {
	if i.QuantityReceived >= i.QuantityOrdered {
		return 0
	}
	return i.QuantityOrdered - i.QuantityReceived
}

// State returns the tagged receive state of the line.
func (i PurchaseOrderItem) State() ItemState {
	switch {
	case i.QuantityReceived <= 0:
		return ItemPending{Remaining: i.QuantityOrdered}
	case i.Remaining() > 0:
		return ItemPartial{Received: i.QuantityReceived, Remaining: i.Remaining()}
	default:
		return ItemComplete{Received: i.QuantityReceived}
	}
}

// ItemState is one of ItemPending, ItemPartial or ItemComplete.
type ItemState interface {
	Status() ItemStatus
	itemState()
}

// ItemPending means nothing has been received yet.
type ItemPending struct {
	Remaining int
}

// ItemPartial means some but not all units arrived.
type ItemPartial struct {
	Received  int
	Remaining int
}

// ItemComplete means every ordered unit arrived.
type ItemComplete struct {
	Received int
}

func (ItemPending) Status() ItemStatus  { return ItemStatusPending }
func (ItemPartial) Status() ItemStatus  { return ItemStatusPartial }
func (ItemComplete) Status() ItemStatus { return ItemStatusComplete }

func (ItemPending) itemState()  {}
func (ItemPartial) itemState()  {}
func (ItemComplete) itemState() {}

// Payment is an append-only ledger entry against an order.
type Payment struct {
	ID         int64
	OrderID    int64
	Amount     decimal.Decimal
	Currency   string
	AmountBase decimal.Decimal
	Method     PaymentMethod
	Reference  string
	Status     LedgerStatus
	Message    string
	CreatedBy  int64
	CreatedAt  time.Time
}

// ReceiptStatus tracks a persisted receive attempt.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptCommitted ReceiptStatus = "committed"
	ReceiptFailed    ReceiptStatus = "failed"
)

// ReceiptAttempt is the durable record of one commit of a receiving session.
type ReceiptAttempt struct {
	AttemptID  string
	OrderID    int64
	Status     ReceiptStatus
	Lines      []ReceiptLine
	ItemsAdded int
	Message    string
	CreatedBy  int64
	CreatedAt  time.Time
}

// ReceiptLine is the captured data for one item within an attempt.
type ReceiptLine struct {
	ItemID       int64           `json:"item_id"`
	Quantity     int             `json:"quantity"`
	Serials      []string        `json:"serials,omitempty"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

// ItemReturn records goods sent back to the supplier.
type ItemReturn struct {
	ID        int64
	OrderID   int64
	ItemID    int64
	Type      ReturnType
	Quantity  int
	Reason    string
	CreatedBy int64
	CreatedAt time.Time
}

// Actor is the authenticated caller of a lifecycle operation.
type Actor struct {
	ID          int64
	Permissions []string
}

// Can reports whether the actor holds the permission.
func (a Actor) Can(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
