package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-procure/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetReceipt(ctx context.Context, attemptID string) (ReceiptResult, error)
	SaveReceipt(ctx context.Context, res ReceiptResult) error
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
	InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error
	InsertSerials(ctx context.Context, productID, variantID, warehouseID, txID int64, serials []string) error
	GetBalanceForUpdate(ctx context.Context, warehouseID, productID, variantID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertCardEntry(ctx context.Context, card StockCardEntry, warehouseID, productID int64, txID int64) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetStockCard lists card entries for one product in one warehouse.
func (r *Repository) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	var from, to *time.Time
	if !filter.From.IsZero() {
		from = &filter.From
	}
	if !filter.To.IsZero() {
		to = &filter.To
	}
	rows, err := r.pool.Query(ctx, `SELECT tx_code, tx_type, posted_at, qty_in, qty_out, balance_qty, unit_cost, balance_cost, COALESCE(note, '')
FROM inventory_cards
WHERE warehouse_id = $1 AND product_id = $2
  AND ($3::timestamptz IS NULL OR posted_at >= $3)
  AND ($4::timestamptz IS NULL OR posted_at <= $4)
ORDER BY posted_at, id
LIMIT $5`, filter.WarehouseID, filter.ProductID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cards []StockCardEntry
	for rows.Next() {
		var entry StockCardEntry
		if err := rows.Scan(&entry.TxCode, &entry.TxType, &entry.PostedAt, &entry.QtyIn, &entry.QtyOut,
			&entry.BalanceQty, &entry.UnitCost, &entry.BalanceCost, &entry.Note); err != nil {
			return nil, err
		}
		cards = append(cards, entry)
	}
	return cards, rows.Err()
}

// GetBalance reads the current balance without locking.
func (r *Repository) GetBalance(ctx context.Context, warehouseID, productID, variantID int64) (Balance, error) {
	return scanBalance(r.pool.QueryRow(ctx, balanceQuery, warehouseID, productID, variantID))
}

const balanceQuery = `SELECT warehouse_id, product_id, variant_id, qty, avg_cost, updated_at
FROM inventory_balances WHERE warehouse_id = $1 AND product_id = $2 AND variant_id = $3`

func scanBalance(row pgx.Row) (Balance, error) {
	var b Balance
	if err := row.Scan(&b.WarehouseID, &b.ProductID, &b.VariantID, &b.Qty, &b.AvgCost, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func (r *txRepo) GetReceipt(ctx context.Context, attemptID string) (ReceiptResult, error) {
	res := ReceiptResult{AttemptID: attemptID}
	err := r.tx.QueryRow(ctx, `SELECT tx_id, items_added FROM inventory_receipts WHERE attempt_id = $1`, attemptID).
		Scan(&res.TransactionID, &res.ItemsAdded)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReceiptResult{}, ErrReceiptNotFound
	}
	return res, err
}

func (r *txRepo) SaveReceipt(ctx context.Context, res ReceiptResult) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_receipts (attempt_id, tx_id, items_added, created_at) VALUES ($1, $2, $3, NOW())`,
		res.AttemptID, res.TransactionID, res.ItemsAdded)
	return err
}

func (r *txRepo) InsertTransaction(ctx context.Context, tx Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_tx (code, tx_type, warehouse_id, ref_module, ref_id, note, posted_at, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		tx.Code, tx.Type, tx.WarehouseID, tx.RefModule, tx.RefID, tx.Note, tx.PostedAt, nullInt(tx.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepo) InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO inventory_tx_lines (tx_id, product_id, variant_id, qty, unit_cost, selling_price) VALUES ($1, $2, $3, $4, $5, $6)`,
			txID, line.ProductID, line.VariantID, line.Qty, line.UnitCost, line.SellingPrice)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepo) InsertSerials(ctx context.Context, productID, variantID, warehouseID, txID int64, serials []string) error {
	batch := &pgx.Batch{}
	for _, serial := range serials {
		batch.Queue(`INSERT INTO inventory_serials (product_id, variant_id, serial, warehouse_id, tx_id) VALUES ($1, $2, $3, $4, $5)`,
			productID, variantID, serial, warehouseID, txID)
	}
	err := r.tx.SendBatch(ctx, batch).Close()
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateSerial, pgErr.Detail)
	}
	return err
}

func (r *txRepo) GetBalanceForUpdate(ctx context.Context, warehouseID, productID, variantID int64) (Balance, error) {
	return scanBalance(r.tx.QueryRow(ctx, balanceQuery+` FOR UPDATE`, warehouseID, productID, variantID))
}

func (r *txRepo) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_balances (warehouse_id, product_id, variant_id, qty, avg_cost, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (warehouse_id, product_id, variant_id) DO UPDATE SET qty = EXCLUDED.qty, avg_cost = EXCLUDED.avg_cost, updated_at = NOW()`,
		balance.WarehouseID, balance.ProductID, balance.VariantID, balance.Qty, balance.AvgCost)
	return err
}

func (r *txRepo) InsertCardEntry(ctx context.Context, card StockCardEntry, warehouseID, productID int64, txID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_cards (warehouse_id, product_id, tx_id, tx_code, tx_type, posted_at, qty_in, qty_out, balance_qty, unit_cost, balance_cost, note)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		warehouseID, productID, txID, card.TxCode, card.TxType, card.PostedAt, card.QtyIn, card.QtyOut,
		card.BalanceQty, card.UnitCost, card.BalanceCost, card.Note)
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

