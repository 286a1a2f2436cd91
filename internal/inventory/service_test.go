package inventory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

type balanceKey struct {
	warehouse, product, variant int64
}

type memoryRepo struct {
	mu       sync.Mutex
	nextTx   int64
	receipts map[string]ReceiptResult
	balances map[balanceKey]Balance
	serials  map[string]int64
	lines    []TransactionLine
	cards    []StockCardEntry
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		receipts: map[string]ReceiptResult{},
		balances: map[balanceKey]Balance{},
		serials:  map[string]int64{},
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.clone()
	if err := fn(ctx, m); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

func (m *memoryRepo) clone() *memoryRepo {
	c := &memoryRepo{
		nextTx:   m.nextTx,
		receipts: make(map[string]ReceiptResult, len(m.receipts)),
		balances: make(map[balanceKey]Balance, len(m.balances)),
		serials:  make(map[string]int64, len(m.serials)),
		lines:    append([]TransactionLine(nil), m.lines...),
		cards:    append([]StockCardEntry(nil), m.cards...),
	}
	for k, v := range m.receipts {
		c.receipts[k] = v
	}
	for k, v := range m.balances {
		c.balances[k] = v
	}
	for k, v := range m.serials {
		c.serials[k] = v
	}
	return c
}

func (m *memoryRepo) restore(c *memoryRepo) {
	m.nextTx = c.nextTx
	m.receipts = c.receipts
	m.balances = c.balances
	m.serials = c.serials
	m.lines = c.lines
	m.cards = c.cards
}

func (m *memoryRepo) GetStockCard(_ context.Context, _ StockCardFilter) ([]StockCardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StockCardEntry(nil), m.cards...), nil
}

func (m *memoryRepo) GetBalance(_ context.Context, warehouseID, productID, variantID int64) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[balanceKey{warehouseID, productID, variantID}]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

func (m *memoryRepo) GetReceipt(_ context.Context, attemptID string) (ReceiptResult, error) {
	res, ok := m.receipts[attemptID]
	if !ok {
		return ReceiptResult{}, ErrReceiptNotFound
	}
	return res, nil
}

func (m *memoryRepo) SaveReceipt(_ context.Context, res ReceiptResult) error {
	m.receipts[res.AttemptID] = res
	return nil
}

func (m *memoryRepo) InsertTransaction(_ context.Context, _ Transaction) (int64, error) {
	m.nextTx++
	return m.nextTx, nil
}

func (m *memoryRepo) InsertTransactionLines(_ context.Context, _ int64, lines []TransactionLine) error {
	m.lines = append(m.lines, lines...)
	return nil
}

func (m *memoryRepo) InsertSerials(_ context.Context, productID, _, _, txID int64, serials []string) error {
	for _, s := range serials {
		key := fmt.Sprintf("%d/%s", productID, s)
		if _, ok := m.serials[key]; ok {
			return ErrDuplicateSerial
		}
		m.serials[key] = txID
	}
	return nil
}

func (m *memoryRepo) GetBalanceForUpdate(_ context.Context, warehouseID, productID, variantID int64) (Balance, error) {
	b, ok := m.balances[balanceKey{warehouseID, productID, variantID}]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

func (m *memoryRepo) UpsertBalance(_ context.Context, balance Balance) error {
	m.balances[balanceKey{balance.WarehouseID, balance.ProductID, balance.VariantID}] = balance
	return nil
}

func (m *memoryRepo) InsertCardEntry(_ context.Context, card StockCardEntry, _, _ int64, _ int64) error {
	m.cards = append(m.cards, card)
	return nil
}

type auditSpy struct {
	logs []shared.AuditLog
}

func (a *auditSpy) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCommitReceiptIsIdempotentPerAttempt(t *testing.T) {
	repo := newMemoryRepo()
	audit := &auditSpy{}
	svc := NewService(repo, audit, ServiceConfig{DefaultWarehouseID: 3}, nil)
	ctx := context.Background()

	in := ReceiptInput{
		AttemptID: "9f1c2d3e-aaaa-bbbb-cccc-000000000001",
		RefModule: "PO",
		RefID:     "PO-0001",
		ActorID:   7,
		Units: []ReceiptUnit{
			{ProductID: 1, Quantity: 2, UnitCost: dec("10"), SellingPrice: dec("13")},
			{ProductID: 2, Quantity: 1, Serials: []string{"SN-1"}, UnitCost: dec("99"), SellingPrice: dec("120")},
		},
	}
	first, err := svc.CommitReceipt(ctx, in)
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, 3, first.ItemsAdded)

	again, err := svc.CommitReceipt(ctx, in)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.TransactionID, again.TransactionID)
	require.Equal(t, 3, again.ItemsAdded)

	balance, err := svc.GetBalance(ctx, 0, 1, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), balance.Qty)
	require.Len(t, repo.lines, 2)
	require.Len(t, audit.logs, 1)
	require.Equal(t, "inventory:IN", audit.logs[0].Action)
}

func TestCommitReceiptMovesAverageCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	_, err := svc.CommitReceipt(ctx, ReceiptInput{AttemptID: "a-1", RefModule: "PO", RefID: "1",
		Units: []ReceiptUnit{{ProductID: 1, Quantity: 10, UnitCost: dec("100000")}}})
	require.NoError(t, err)
	_, err = svc.CommitReceipt(ctx, ReceiptInput{AttemptID: "a-2", RefModule: "PO", RefID: "2",
		Units: []ReceiptUnit{{ProductID: 1, Quantity: 5, UnitCost: dec("120000")}}})
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, 1, 1, 0)
	require.NoError(t, err)
	require.Equal(t, int64(15), balance.Qty)
	require.True(t, balance.AvgCost.Equal(dec("106666.6667")), balance.AvgCost.String())

	card, err := svc.GetStockCard(ctx, StockCardFilter{WarehouseID: 1, ProductID: 1})
	require.NoError(t, err)
	require.Len(t, card, 2)
	require.Equal(t, int64(15), card[1].BalanceQty)
	require.Equal(t, "GRN-A2", card[1].TxCode)
}

func TestCommitReceiptValidation(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{}, nil)
	ctx := context.Background()

	cases := map[string]ReceiptInput{
		"missing attempt": {Units: []ReceiptUnit{{ProductID: 1, Quantity: 1}}},
		"no units":        {AttemptID: "x"},
		"zero quantity":   {AttemptID: "x", Units: []ReceiptUnit{{ProductID: 1, Quantity: 0}}},
		"negative cost":   {AttemptID: "x", Units: []ReceiptUnit{{ProductID: 1, Quantity: 1, UnitCost: dec("-1")}}},
		"serial count":    {AttemptID: "x", Units: []ReceiptUnit{{ProductID: 1, Quantity: 2, Serials: []string{"A"}}}},
		"missing product": {AttemptID: "x", Units: []ReceiptUnit{{Quantity: 1}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CommitReceipt(ctx, in)
			require.Error(t, err)
		})
	}
}

func TestDuplicateSerialRollsBackReceipt(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	_, err := svc.CommitReceipt(ctx, ReceiptInput{AttemptID: "s-1", Units: []ReceiptUnit{{ProductID: 5, Quantity: 1, Serials: []string{"SN-9"}}}})
	require.NoError(t, err)

	_, err = svc.CommitReceipt(ctx, ReceiptInput{AttemptID: "s-2", Units: []ReceiptUnit{
		{ProductID: 6, Quantity: 1},
		{ProductID: 5, Quantity: 1, Serials: []string{"SN-9"}},
	}})
	require.ErrorIs(t, err, ErrDuplicateSerial)

	_, err = svc.GetBalance(ctx, 1, 6, 0)
	require.ErrorIs(t, err, ErrBalanceNotFound)
	_, err = repo.GetReceipt(ctx, "s-2")
	require.ErrorIs(t, err, ErrReceiptNotFound)
}

func TestWeightedAverage(t *testing.T) {
	require.True(t, WeightedAverage(0, decimal.Zero, 4, dec("12.5")).Equal(dec("12.5")))
	require.True(t, WeightedAverage(2, dec("10"), 2, dec("20")).Equal(dec("15")))
	require.True(t, WeightedAverage(0, decimal.Zero, 0, dec("5")).IsZero())
}
