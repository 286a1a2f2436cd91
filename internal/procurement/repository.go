package procurement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	CreateOrder(ctx context.Context, order PurchaseOrder) (int64, error)
	InsertItem(ctx context.Context, item PurchaseOrderItem) (int64, error)
	UpdateOrder(ctx context.Context, order PurchaseOrder) error
	AddReceived(ctx context.Context, itemID int64, qty int, sellingPrice decimal.Decimal) error
	SaveReceiptAttempt(ctx context.Context, attempt ReceiptAttempt) error
	InsertPayment(ctx context.Context, payment Payment) (int64, error)
	InsertReturn(ctx context.Context, ret ItemReturn) (int64, error)
	ReturnedQuantity(ctx context.Context, itemID int64) (int, error)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction. Serialization
// failures surface as ErrConcurrentUpdate.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return ErrConcurrentUpdate
	}
	return err
}

const orderColumns = `SELECT p.id, p.number, p.supplier_id, p.status, p.payment_status, p.currency, p.exchange_rate,
	p.total_amount, COALESCE((SELECT SUM(amount_base) FROM po_payments WHERE order_id = p.id AND status = 'completed'), 0),
	p.expected_date, p.note, p.version, p.created_by, p.created_at, p.updated_at
FROM purchase_orders p`

// GetOrder returns an order with its lines. TotalPaid is summed from
// completed payments at read time.
func (r *Repository) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return getOrder(ctx, r.pool, id, false)
}

func getOrder(ctx context.Context, q querier, id int64, forUpdate bool) (PurchaseOrder, error) {
	sql := orderColumns + ` WHERE p.id=$1`
	if forUpdate {
		sql += ` FOR UPDATE OF p`
	}
	var (
		po       PurchaseOrder
		expected *time.Time
	)
	err := q.QueryRow(ctx, sql, id).Scan(&po.ID, &po.Number, &po.SupplierID, &po.Status, &po.PaymentStatus, &po.Currency, &po.ExchangeRate,
		&po.TotalAmount, &po.TotalPaid, &expected, &po.Note, &po.Version, &po.CreatedBy, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	if expected != nil {
		po.ExpectedDate = *expected
	}
	rows, err := q.Query(ctx, `SELECT id, order_id, product_id, COALESCE(variant_id,0), quantity_ordered, quantity_received, cost_price, selling_price, serial_tracked
FROM purchase_order_items WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item PurchaseOrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.VariantID, &item.QuantityOrdered, &item.QuantityReceived,
			&item.CostPrice, &item.SellingPrice, &item.SerialTracked); err != nil {
			return PurchaseOrder{}, err
		}
		po.Items = append(po.Items, item)
	}
	if err := rows.Err(); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// ListPayments returns the ledger of an order, oldest first.
func (r *Repository) ListPayments(ctx context.Context, orderID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, amount, currency, amount_base, method, COALESCE(reference,''), status, message, created_by, created_at
FROM po_payments WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Currency, &p.AmountBase, &p.Method, &p.Reference, &p.Status, &p.Message, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

// ListReturns returns recorded returns of an order.
func (r *Repository) ListReturns(ctx context.Context, orderID int64) ([]ItemReturn, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, item_id, type, quantity, reason, created_by, created_at
FROM po_returns WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var returns []ItemReturn
	for rows.Next() {
		var ret ItemReturn
		if err := rows.Scan(&ret.ID, &ret.OrderID, &ret.ItemID, &ret.Type, &ret.Quantity, &ret.Reason, &ret.CreatedBy, &ret.CreatedAt); err != nil {
			return nil, err
		}
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

// GetReceiptAttempt loads a receive attempt by id.
func (r *Repository) GetReceiptAttempt(ctx context.Context, attemptID string) (ReceiptAttempt, error) {
	var (
		attempt ReceiptAttempt
		lines   []byte
	)
	err := r.pool.QueryRow(ctx, `SELECT attempt_id, order_id, status, lines, items_added, message, created_by, created_at
FROM po_receipt_attempts WHERE attempt_id=$1`, attemptID).
		Scan(&attempt.AttemptID, &attempt.OrderID, &attempt.Status, &lines, &attempt.ItemsAdded, &attempt.Message, &attempt.CreatedBy, &attempt.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReceiptAttempt{}, ErrNotFound
		}
		return ReceiptAttempt{}, err
	}
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &attempt.Lines); err != nil {
			return ReceiptAttempt{}, err
		}
	}
	return attempt, nil
}

// ListReconcileCandidates returns open orders whose stored payment status
// disagrees with their completed payments.
func (r *Repository) ListReconcileCandidates(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `WITH paid AS (
	SELECT p.id, p.payment_status, ROUND(p.total_amount * p.exchange_rate, 2) AS total_base,
		COALESCE((SELECT SUM(amount_base) FROM po_payments WHERE order_id = p.id AND status = 'completed'), 0) AS total_paid
	FROM purchase_orders p
	WHERE p.status NOT IN ('cancelled')
)
SELECT id FROM paid
WHERE total_base > 0 AND payment_status <> CASE
	WHEN total_paid >= total_base THEN 'paid'
	WHEN total_paid > 0 THEN 'partial'
	ELSE 'unpaid' END
ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (tx *txRepo) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return getOrder(ctx, tx.tx, id, true)
}

func (tx *txRepo) CreateOrder(ctx context.Context, order PurchaseOrder) (int64, error) {
	var expected *time.Time
	if !order.ExpectedDate.IsZero() {
		expected = &order.ExpectedDate
	}
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, status, payment_status, currency, exchange_rate, total_amount, expected_date, note, version, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,NOW(),NOW()) RETURNING id`,
		order.Number, order.SupplierID, order.Status, order.PaymentStatus, order.Currency, order.ExchangeRate, order.TotalAmount, expected, order.Note, order.CreatedBy).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertItem(ctx context.Context, item PurchaseOrderItem) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchase_order_items (order_id, product_id, variant_id, quantity_ordered, quantity_received, cost_price, selling_price, serial_tracked)
VALUES ($1,$2,$3,$4,0,$5,$6,$7) RETURNING id`,
		item.OrderID, item.ProductID, nullInt(item.VariantID), item.QuantityOrdered, item.CostPrice, item.SellingPrice, item.SerialTracked).Scan(&id)
	return id, err
}

// UpdateOrder writes status fields guarded by the version the caller read.
func (tx *txRepo) UpdateOrder(ctx context.Context, order PurchaseOrder) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET status=$1, payment_status=$2, version=version+1, updated_at=NOW()
WHERE id=$3 AND version=$4`, order.Status, order.PaymentStatus, order.ID, order.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (tx *txRepo) AddReceived(ctx context.Context, itemID int64, qty int, sellingPrice decimal.Decimal) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_order_items SET quantity_received = quantity_received + $1, selling_price=$2
WHERE id=$3 AND quantity_received + $1 <= quantity_ordered`, qty, sellingPrice, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return invalid("items", "item %d cannot receive %d more unit(s)", itemID, qty)
	}
	return nil
}

func (tx *txRepo) SaveReceiptAttempt(ctx context.Context, attempt ReceiptAttempt) error {
	lines, err := json.Marshal(attempt.Lines)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(ctx, `INSERT INTO po_receipt_attempts (attempt_id, order_id, status, lines, items_added, message, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
ON CONFLICT (attempt_id) DO UPDATE SET status=EXCLUDED.status, lines=EXCLUDED.lines, items_added=EXCLUDED.items_added, message=EXCLUDED.message, updated_at=NOW()`,
		attempt.AttemptID, attempt.OrderID, attempt.Status, lines, attempt.ItemsAdded, attempt.Message, attempt.CreatedBy)
	return err
}

func (tx *txRepo) InsertPayment(ctx context.Context, payment Payment) (int64, error) {
	var reference *string
	if payment.Reference != "" {
		reference = &payment.Reference
	}
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO po_payments (order_id, amount, currency, amount_base, method, reference, status, message, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW()) RETURNING id`,
		payment.OrderID, payment.Amount, payment.Currency, payment.AmountBase, payment.Method, reference, payment.Status, payment.Message, payment.CreatedBy).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertReturn(ctx context.Context, ret ItemReturn) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO po_returns (order_id, item_id, type, quantity, reason, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW()) RETURNING id`, ret.OrderID, ret.ItemID, ret.Type, ret.Quantity, ret.Reason, ret.CreatedBy).Scan(&id)
	return id, err
}

func (tx *txRepo) ReturnedQuantity(ctx context.Context, itemID int64) (int, error) {
	var qty int
	err := tx.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity),0) FROM po_returns WHERE item_id=$1`, itemID).Scan(&qty)
	return qty, err
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
