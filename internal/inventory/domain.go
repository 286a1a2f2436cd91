package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates supported inventory movements.
type TransactionType string

const (
	// TransactionTypeIn represents an inbound movement.
	TransactionTypeIn TransactionType = "IN"
	// TransactionTypeOut represents an outbound movement.
	TransactionTypeOut TransactionType = "OUT"
)

// Transaction models the header of inventory transaction.
type Transaction struct {
	ID          int64
	Code        string
	Type        TransactionType
	WarehouseID int64
	RefModule   string
	RefID       string
	Note        string
	PostedAt    time.Time
	CreatedBy   int64
}

// TransactionLine models each product movement line.
type TransactionLine struct {
	TransactionID int64
	ProductID     int64
	VariantID     int64
	Qty           int
	UnitCost      decimal.Decimal
	SellingPrice  decimal.Decimal
}

// Balance summarises stock in warehouse per product variant.
type Balance struct {
	WarehouseID int64           `json:"warehouse_id"`
	ProductID   int64           `json:"product_id"`
	VariantID   int64           `json:"variant_id,omitempty"`
	Qty         int64           `json:"qty"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StockCardEntry describes inventory card entry for reports.
type StockCardEntry struct {
	TxCode      string          `json:"tx_code"`
	TxType      TransactionType `json:"tx_type"`
	PostedAt    time.Time       `json:"posted_at"`
	QtyIn       int64           `json:"qty_in"`
	QtyOut      int64           `json:"qty_out"`
	BalanceQty  int64           `json:"balance_qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	BalanceCost decimal.Decimal `json:"balance_cost"`
	Note        string          `json:"note,omitempty"`
}

// ReceiptUnit is one received line handed over by purchasing.
type ReceiptUnit struct {
	ProductID    int64
	VariantID    int64
	Quantity     int
	Serials      []string
	UnitCost     decimal.Decimal
	SellingPrice decimal.Decimal
}

// ReceiptInput posts goods received against a purchase order. AttemptID is
// the idempotency key: replays return the stored result.
type ReceiptInput struct {
	AttemptID      string
	WarehouseID    int64
	RefModule      string
	RefID          string
	QualityCheckID string
	ActorID        int64
	Units          []ReceiptUnit
}

// ReceiptResult is the stored outcome of a receipt.
type ReceiptResult struct {
	AttemptID     string
	TransactionID int64
	ItemsAdded    int
	Replayed      bool
}

// StockCardFilter filters card entries.
type StockCardFilter struct {
	WarehouseID int64
	ProductID   int64
	From        time.Time
	To          time.Time
	Limit       int
}

var (
	// ErrInvalidQuantity indicates invalid qty.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrInvalidUnitCost indicates invalid cost value.
	ErrInvalidUnitCost = errors.New("inventory: unit cost must be >= 0")
	// ErrDuplicateSerial indicates a serial number already in stock.
	ErrDuplicateSerial = errors.New("inventory: serial already registered")
	// ErrBalanceNotFound indicates missing balance row.
	ErrBalanceNotFound = errors.New("inventory: balance not found")
	// ErrReceiptNotFound indicates no receipt stored for an attempt.
	ErrReceiptNotFound = errors.New("inventory: receipt not found")
)
