package procurement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/procurement/progress"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

type memoryProcRepo struct {
	mu       sync.Mutex
	orders   map[int64]PurchaseOrder
	payments map[int64][]Payment
	returns  map[int64][]ItemReturn
	attempts map[string]ReceiptAttempt
	nextID   int64

	// failUpdates and failPayments make the next writes of that kind fail.
	failUpdates  int
	failPayments int
}

var errStoreDown = errors.New("store unavailable")

type memoryProcTx struct {
	repo *memoryProcRepo
}

func newMemoryProcRepo() *memoryProcRepo {
	return &memoryProcRepo{
		orders:   make(map[int64]PurchaseOrder),
		payments: make(map[int64][]Payment),
		returns:  make(map[int64][]ItemReturn),
		attempts: make(map[string]ReceiptAttempt),
	}
}

func cloneOrder(o PurchaseOrder) PurchaseOrder {
	o.Items = append([]PurchaseOrderItem(nil), o.Items...)
	return o
}

type memorySnapshot struct {
	orders   map[int64]PurchaseOrder
	payments map[int64][]Payment
	returns  map[int64][]ItemReturn
	attempts map[string]ReceiptAttempt
	nextID   int64
}

func (r *memoryProcRepo) snapshot() memorySnapshot {
	snap := memorySnapshot{
		orders:   make(map[int64]PurchaseOrder, len(r.orders)),
		payments: make(map[int64][]Payment, len(r.payments)),
		returns:  make(map[int64][]ItemReturn, len(r.returns)),
		attempts: make(map[string]ReceiptAttempt, len(r.attempts)),
		nextID:   r.nextID,
	}
	for id, o := range r.orders {
		snap.orders[id] = cloneOrder(o)
	}
	for id, p := range r.payments {
		snap.payments[id] = append([]Payment(nil), p...)
	}
	for id, ret := range r.returns {
		snap.returns[id] = append([]ItemReturn(nil), ret...)
	}
	for id, a := range r.attempts {
		snap.attempts[id] = a
	}
	return snap
}

func (r *memoryProcRepo) restore(snap memorySnapshot) {
	r.orders, r.payments, r.returns, r.attempts, r.nextID = snap.orders, snap.payments, snap.returns, snap.attempts, snap.nextID
}

// WithTx serializes callers and rolls back every write when fn fails.
func (r *memoryProcRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot()
	if err := fn(ctx, &memoryProcTx{repo: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memoryProcRepo) getOrder(id int64) (PurchaseOrder, error) {
	o, ok := r.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	o = cloneOrder(o)
	o.TotalPaid = SumCompleted(r.payments[id])
	return o, nil
}

func (r *memoryProcRepo) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrder(id)
}

func (r *memoryProcRepo) ListPayments(ctx context.Context, orderID int64) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payment(nil), r.payments[orderID]...), nil
}

func (r *memoryProcRepo) ListReturns(ctx context.Context, orderID int64) ([]ItemReturn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ItemReturn(nil), r.returns[orderID]...), nil
}

func (r *memoryProcRepo) GetReceiptAttempt(ctx context.Context, attemptID string) (ReceiptAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[attemptID]
	if !ok {
		return ReceiptAttempt{}, ErrNotFound
	}
	return a, nil
}

func (r *memoryProcRepo) ListReconcileCandidates(ctx context.Context, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id := int64(1); id <= r.nextID && len(ids) < limit; id++ {
		o, err := r.getOrder(id)
		if err != nil || o.Status == StatusCancelled {
			continue
		}
		if _, _, stale := Reconcile(o); stale {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// put stores an order as-is, bypassing the lifecycle.
func (r *memoryProcRepo) put(o PurchaseOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = cloneOrder(o)
	if o.ID > r.nextID {
		r.nextID = o.ID
	}
}

func (r *memoryProcRepo) failNext(updates, payments int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failUpdates, r.failPayments = updates, payments
}

func (r *memoryProcRepo) attempt(id string) (ReceiptAttempt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	return a, ok
}

func (r *memoryProcRepo) stored(id int64) PurchaseOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneOrder(r.orders[id])
}

func (tx *memoryProcTx) nextID() int64 {
	tx.repo.nextID++
	return tx.repo.nextID
}

func (tx *memoryProcTx) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return tx.repo.getOrder(id)
}

func (tx *memoryProcTx) CreateOrder(ctx context.Context, order PurchaseOrder) (int64, error) {
	id := tx.nextID()
	order.ID = id
	order.Version = 1
	order.Items = nil
	tx.repo.orders[id] = order
	return id, nil
}

func (tx *memoryProcTx) InsertItem(ctx context.Context, item PurchaseOrderItem) (int64, error) {
	order, ok := tx.repo.orders[item.OrderID]
	if !ok {
		return 0, ErrNotFound
	}
	item.ID = tx.nextID()
	order.Items = append(order.Items, item)
	tx.repo.orders[item.OrderID] = order
	return item.ID, nil
}

func (tx *memoryProcTx) UpdateOrder(ctx context.Context, order PurchaseOrder) error {
	if tx.repo.failUpdates > 0 {
		tx.repo.failUpdates--
		return ErrConcurrentUpdate
	}
	stored, ok := tx.repo.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != order.Version {
		return ErrConcurrentUpdate
	}
	stored.Status = order.Status
	stored.PaymentStatus = order.PaymentStatus
	stored.Version++
	tx.repo.orders[order.ID] = stored
	return nil
}

func (tx *memoryProcTx) AddReceived(ctx context.Context, itemID int64, qty int, sellingPrice decimal.Decimal) error {
	for id, order := range tx.repo.orders {
		for i, item := range order.Items {
			if item.ID != itemID {
				continue
			}
			if item.QuantityReceived+qty > item.QuantityOrdered {
				return invalid("items", "item %d cannot receive %d more unit(s)", itemID, qty)
			}
			order.Items[i].QuantityReceived += qty
			order.Items[i].SellingPrice = decimal.NewNullDecimal(sellingPrice)
			tx.repo.orders[id] = order
			return nil
		}
	}
	return ErrNotFound
}

func (tx *memoryProcTx) SaveReceiptAttempt(ctx context.Context, attempt ReceiptAttempt) error {
	tx.repo.attempts[attempt.AttemptID] = attempt
	return nil
}

func (tx *memoryProcTx) InsertPayment(ctx context.Context, payment Payment) (int64, error) {
	if tx.repo.failPayments > 0 {
		tx.repo.failPayments--
		return 0, errStoreDown
	}
	payment.ID = tx.nextID()
	tx.repo.payments[payment.OrderID] = append(tx.repo.payments[payment.OrderID], payment)
	return payment.ID, nil
}

func (tx *memoryProcTx) InsertReturn(ctx context.Context, ret ItemReturn) (int64, error) {
	ret.ID = tx.nextID()
	tx.repo.returns[ret.OrderID] = append(tx.repo.returns[ret.OrderID], ret)
	return ret.ID, nil
}

func (tx *memoryProcTx) ReturnedQuantity(ctx context.Context, itemID int64) (int, error) {
	total := 0
	for _, rets := range tx.repo.returns {
		for _, ret := range rets {
			if ret.ItemID == itemID {
				total += ret.Quantity
			}
		}
	}
	return total, nil
}

// stubInventory replays the first result recorded for an attempt id, like the
// real inventory service.
type stubInventory struct {
	mu         sync.Mutex
	requests   []InventoryCommitRequest
	committed  map[string]int
	failures   int
	rejections int
	during     func()
}

func (s *stubInventory) CommitInventory(ctx context.Context, req InventoryCommitRequest) (InventoryCommitResult, error) {
	if s.during != nil {
		s.during()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.failures > 0 {
		s.failures--
		return InventoryCommitResult{}, errors.New("inventory unavailable")
	}
	if s.rejections > 0 {
		s.rejections--
		return InventoryCommitResult{Success: false, Message: "serial already in stock"}, nil
	}
	if added, ok := s.committed[req.AttemptID]; ok {
		return InventoryCommitResult{Success: true, ItemsAdded: added, Message: "receipt already recorded"}, nil
	}
	added := 0
	for _, unit := range req.Units {
		added += unit.Quantity
	}
	if s.committed == nil {
		s.committed = make(map[string]int)
	}
	s.committed[req.AttemptID] = added
	return InventoryCommitResult{Success: true, ItemsAdded: added}, nil
}

func (s *stubInventory) stockFor(attemptID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[attemptID]
}

type stubLedger struct {
	mu     sync.Mutex
	reject map[string]string
	calls  []LedgerRequest
}

func (s *stubLedger) ProcessPayment(ctx context.Context, req LedgerRequest) (LedgerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if msg, ok := s.reject[req.Reference]; ok {
		return LedgerResult{Success: false, Message: msg}, nil
	}
	return LedgerResult{Success: true, Message: "ok"}, nil
}

type stubQuality struct {
	summary QualitySummary
	err     error
}

func (s stubQuality) Summary(ctx context.Context, orderID int64) (QualitySummary, error) {
	return s.summary, s.err
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]struct{})
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type memoryAudit struct {
	mu      sync.Mutex
	actions []string
}

func (m *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, log.Action)
	return nil
}

func newSessionStore(t *testing.T) *progress.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return progress.NewStore(client, time.Hour)
}

// logBuffer collects JSON log lines from concurrent writers.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	logs      *logBuffer
	quality   QualityGate
	repo      *memoryProcRepo
	sessions  *progress.Store
	inventory *stubInventory
	ledger    *stubLedger
	idem      *memoryIdempotency
	audit     *memoryAudit
	svc       *Service
}

func newFixture(t *testing.T, quality QualityGate) *fixture {
	t.Helper()
	f := &fixture{
		logs:      &logBuffer{},
		quality:   quality,
		repo:      newMemoryProcRepo(),
		sessions:  newSessionStore(t),
		inventory: &stubInventory{},
		ledger:    &stubLedger{reject: map[string]string{}},
		idem:      &memoryIdempotency{},
		audit:     &memoryAudit{},
	}
	f.bind(f.repo, f.sessions)
	return f
}

// bind rebuilds the service over repo and sessions, keeping the other
// collaborators.
func (f *fixture) bind(repo RepositoryPort, sessions SessionStore) {
	f.svc = NewService(Deps{
		Repo:        repo,
		Sessions:    sessions,
		Inventory:   f.inventory,
		Ledger:      f.ledger,
		Quality:     f.quality,
		Idempotency: f.idem,
		Audit:       f.audit,
		Logger:      slog.New(slog.NewJSONHandler(f.logs, nil)),
	}, Config{BaseCurrency: "TZS", DefaultMarkup: decimal.NewFromInt(30), PaymentTolerance: decimal.NewFromInt(1)})
}

var admin = Actor{ID: 1, Permissions: shared.ProcurementScopes()}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(fmt.Sprintf("decimal %q: %v", v, err))
	}
	return d
}
