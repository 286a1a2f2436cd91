package procurement

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-procure/internal/procurement/progress"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

func TestSelectModeRejectsOrdersNotOpenForReceiving(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order, err := f.svc.CreatePurchaseOrder(ctx, admin, CreateOrderInput{SupplierID: 1, Items: []CreateItemInput{{ProductID: 1, Quantity: 2, CostPrice: dec("10")}}})
	require.NoError(t, err)

	_, err = f.svc.SelectMode(ctx, order.ID, admin, ModeFull)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, ok, err := f.sessions.Load(ctx, order.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.svc.SelectMode(ctx, order.ID, admin, "everything")
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.SelectMode(ctx, 999, admin, ModeFull)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSelectModeRejectsEmptyOrders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.repo.put(PurchaseOrder{ID: 70, Status: StatusSent, PaymentStatus: PaymentUnpaid, Currency: "TZS", Version: 1,
		Items: []PurchaseOrderItem{{ID: 71, OrderID: 70, ProductID: 1, QuantityOrdered: 0}}})

	_, err := f.svc.SelectMode(ctx, 70, admin, ModePartial)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, "sum to zero")

	f.repo.put(PurchaseOrder{ID: 80, Status: StatusShipped, PaymentStatus: PaymentUnpaid, Currency: "TZS", Version: 1,
		Items: []PurchaseOrderItem{{ID: 81, OrderID: 80, ProductID: 1, QuantityOrdered: 2, QuantityReceived: 2}}})
	_, err = f.svc.SelectMode(ctx, 80, admin, ModeFull)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "nothing to receive", verr.Reason)
}

func TestSelectModeRequiresReceivePermission(t *testing.T) {
	f := newFixture(t, nil)
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 1, CostPrice: dec("10")})
	viewer := Actor{ID: 5, Permissions: []string{shared.PermProcurementView}}

	_, err := f.svc.SelectMode(context.Background(), order.ID, viewer, ModeFull)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestCaptureItemsValidatesEntries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f,
		CreateItemInput{ProductID: 1, Quantity: 3, CostPrice: dec("10")},
		CreateItemInput{ProductID: 2, Quantity: 2, CostPrice: dec("99"), SerialTracked: true},
	)
	plain, tracked := order.Items[0].ID, order.Items[1].ID

	_, err := f.svc.CaptureItems(ctx, order.ID, admin, []progress.ItemCapture{{ItemID: plain, ReceivedQuantity: 1}})
	require.ErrorIs(t, err, ErrNoSession)

	_, err = f.svc.SelectMode(ctx, order.ID, admin, ModePartial)
	require.NoError(t, err)

	cases := map[string][]progress.ItemCapture{
		"over receive":     {{ItemID: plain, ReceivedQuantity: 4}},
		"negative":         {{ItemID: plain, ReceivedQuantity: -1}},
		"serial mismatch":  {{ItemID: tracked, ReceivedQuantity: 2, Serials: []string{"A"}}},
		"duplicate serial": {{ItemID: tracked, ReceivedQuantity: 2, Serials: []string{"A", "A"}}},
		"untracked serial": {{ItemID: plain, ReceivedQuantity: 1, Serials: []string{"A"}}},
		"duplicate item":   {{ItemID: plain, ReceivedQuantity: 1}, {ItemID: plain, ReceivedQuantity: 1}},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CaptureItems(ctx, order.ID, admin, entries)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	_, err = f.svc.CaptureItems(ctx, order.ID, admin, []progress.ItemCapture{{ItemID: 12345, ReceivedQuantity: 1}})
	require.ErrorIs(t, err, ErrNotFound)

	sess, err := f.svc.CaptureItems(ctx, order.ID, admin, []progress.ItemCapture{
		{ItemID: plain, ReceivedQuantity: 3},
		{ItemID: tracked, ReceivedQuantity: 2, Serials: []string{" SN-1 ", "SN-2"}},
	})
	require.NoError(t, err)
	capture, ok := sess.Capture(tracked)
	require.True(t, ok)
	require.Equal(t, []string{"SN-1", "SN-2"}, capture.Serials)
}

func TestCommitRequiresPricingForEveryLine(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f,
		CreateItemInput{ProductID: 1, Quantity: 3, CostPrice: dec("10")},
		CreateItemInput{ProductID: 2, Quantity: 3, CostPrice: dec("20")},
	)
	_, err := f.svc.SelectMode(ctx, order.ID, admin, ModePartial)
	require.NoError(t, err)
	_, err = f.svc.CaptureItems(ctx, order.ID, admin, []progress.ItemCapture{
		{ItemID: order.Items[0].ID, ReceivedQuantity: 1},
		{ItemID: order.Items[1].ID, ReceivedQuantity: 1},
	})
	require.NoError(t, err)
	_, err = f.svc.SetPricing(ctx, order.ID, admin, map[int64]progress.Pricing{order.Items[0].ID: {CostPrice: dec("10"), SellingPrice: dec("13")}})
	require.NoError(t, err)

	_, err = f.svc.Commit(ctx, order.ID, admin)
	require.ErrorIs(t, err, ErrValidation)
	require.Empty(t, f.inventory.requests)

	_, err = f.svc.SetPricing(ctx, order.ID, admin, map[int64]progress.Pricing{order.Items[1].ID: {CostPrice: dec("-1"), SellingPrice: dec("1")}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCommitWithZeroQuantitiesHasNothingToReceive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 3, CostPrice: dec("10")})
	_, err := f.svc.SelectMode(ctx, order.ID, admin, ModePartial)
	require.NoError(t, err)
	_, err = f.svc.CaptureItems(ctx, order.ID, admin, []progress.ItemCapture{{ItemID: order.Items[0].ID, ReceivedQuantity: 0}})
	require.NoError(t, err)

	_, err = f.svc.Commit(ctx, order.ID, admin)
	require.ErrorIs(t, err, ErrValidation)
}

func TestInventoryFailureKeepsSessionForRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 4, CostPrice: dec("10")})
	f.inventory.failures = 1

	_, err := receive(t, f, order, ModeFull, map[int64]int{order.Items[0].ID: 4})
	require.ErrorIs(t, err, ErrExternalService)

	stored := f.repo.stored(order.ID)
	require.Equal(t, StatusSent, stored.Status)
	require.Equal(t, 0, stored.Items[0].QuantityReceived)

	sess, ok, err := f.sessions.Load(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	attempt, err := f.repo.GetReceiptAttempt(ctx, sess.AttemptID)
	require.NoError(t, err)
	require.Equal(t, ReceiptPending, attempt.Status)
	require.Contains(t, attempt.Message, "inventory unavailable")

	res, err := f.svc.Commit(ctx, order.ID, admin)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, res.Order.Status)
	require.Equal(t, sess.AttemptID, res.AttemptID)

	require.Len(t, f.inventory.requests, 2)
	require.Equal(t, f.inventory.requests[0].AttemptID, f.inventory.requests[1].AttemptID)
	attempt, err = f.repo.GetReceiptAttempt(ctx, sess.AttemptID)
	require.NoError(t, err)
	require.Equal(t, ReceiptCommitted, attempt.Status)
	require.Equal(t, 4, attempt.ItemsAdded)
}

func TestConcurrentCommitIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 2, CostPrice: dec("10")})

	release, ok, err := f.svc.locks.Acquire(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = receive(t, f, order, ModeFull, map[int64]int{order.Items[0].ID: 2})
	require.ErrorIs(t, err, ErrStateConflict)
	require.Empty(t, f.inventory.requests)

	_, err = f.svc.Cancel(ctx, order.ID, admin)
	var transitionErr *InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, "a receive commit is in flight", transitionErr.Guard)

	release()
	res, err := f.svc.Commit(ctx, order.ID, admin)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, res.Order.Status)
}

func TestResumeFollowsWizardProgress(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 2, CostPrice: dec("10")})
	itemID := order.Items[0].ID

	_, step, err := f.svc.Resume(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, progress.StepModeSelection, step)

	first, err := f.svc.SelectMode(ctx, order.ID, admin, ModeFull)
	require.NoError(t, err)
	_, step, err = f.svc.Resume(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, progress.StepModeConfirmation, step)

	again, err := f.svc.SelectMode(ctx, order.ID, admin, ModePartial)
	require.NoError(t, err)
	require.Equal(t, first.AttemptID, again.AttemptID)
	require.Equal(t, string(ModePartial), again.Mode)

	_, err = f.svc.CaptureItems(ctx, order.ID, admin, []progress.ItemCapture{{ItemID: itemID, ReceivedQuantity: 1}})
	require.NoError(t, err)
	_, step, err = f.svc.Resume(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, progress.StepPricing, step)

	suggested, err := f.svc.SuggestPricing(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, suggested[itemID].SellingPrice.Equal(dec("13")))
	_, err = f.svc.SetPricing(ctx, order.ID, admin, suggested)
	require.NoError(t, err)
	sess, step, err := f.svc.Resume(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, progress.StepCommitConfirmation, step)
	require.Equal(t, first.AttemptID, sess.AttemptID)

	require.NoError(t, f.svc.Discard(ctx, order.ID, admin))
	_, step, err = f.svc.Resume(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, progress.StepModeSelection, step)
}

func TestSuggestSellingPrice(t *testing.T) {
	require.True(t, SuggestSellingPrice(dec("100"), decimal.NewFromInt(30)).Equal(dec("130")))
	require.True(t, SuggestSellingPrice(dec("9.99"), decimal.NewFromInt(15)).Equal(dec("11.49")))
	require.True(t, SuggestSellingPrice(dec("0"), decimal.NewFromInt(30)).IsZero())
}

// cancellingRepo runs hook on the next receipt attempt read.
type cancellingRepo struct {
	*memoryProcRepo
	hook func()
}

func (r *cancellingRepo) GetReceiptAttempt(ctx context.Context, attemptID string) (ReceiptAttempt, error) {
	if fn := r.hook; fn != nil {
		r.hook = nil
		fn()
	}
	return r.memoryProcRepo.GetReceiptAttempt(ctx, attemptID)
}

// cancellingSessions runs before once, right after the next session load.
type cancellingSessions struct {
	SessionStore
	before func()
}

func (s *cancellingSessions) Load(ctx context.Context, orderID int64) (progress.Session, bool, error) {
	sess, ok, err := s.SessionStore.Load(ctx, orderID)
	if fn := s.before; fn != nil {
		s.before = nil
		fn()
	}
	return sess, ok, err
}

func TestCancelIsRefusedWhileCommitRuns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 3, CostPrice: dec("10")})
	itemID := order.Items[0].ID
	repo := &cancellingRepo{memoryProcRepo: f.repo}
	f.bind(repo, f.sessions)

	_, err := f.svc.SelectMode(ctx, order.ID, admin, ModeFull)
	require.NoError(t, err)
	_, err = f.svc.CaptureItems(ctx, order.ID, admin, []progress.ItemCapture{{ItemID: itemID, ReceivedQuantity: 3}})
	require.NoError(t, err)
	_, err = f.svc.SetPricing(ctx, order.ID, admin, map[int64]progress.Pricing{itemID: {CostPrice: dec("10"), SellingPrice: dec("13")}})
	require.NoError(t, err)

	var beforeInventory, duringInventory error
	repo.hook = func() {
		_, beforeInventory = f.svc.Cancel(ctx, order.ID, admin)
	}
	f.inventory.during = func() {
		f.inventory.during = nil
		_, duringInventory = f.svc.Cancel(ctx, order.ID, admin)
	}

	res, err := f.svc.Commit(ctx, order.ID, admin)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, res.Order.Status)

	for _, cancelErr := range []error{beforeInventory, duringInventory} {
		var transitionErr *InvalidTransitionError
		require.ErrorAs(t, cancelErr, &transitionErr)
		require.Equal(t, "a receive commit is in flight", transitionErr.Guard)
	}
	require.Equal(t, StatusReceived, f.repo.stored(order.ID).Status)
	require.Equal(t, 3, f.inventory.stockFor(res.AttemptID))
}

func TestCommitAfterCancelCreatesNoStock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 2, CostPrice: dec("10")})
	itemID := order.Items[0].ID

	_, err := f.svc.SelectMode(ctx, order.ID, admin, ModeFull)
	require.NoError(t, err)
	_, err = f.svc.CaptureItems(ctx, order.ID, admin, []progress.ItemCapture{{ItemID: itemID, ReceivedQuantity: 2}})
	require.NoError(t, err)
	_, err = f.svc.SetPricing(ctx, order.ID, admin, map[int64]progress.Pricing{itemID: {CostPrice: dec("10"), SellingPrice: dec("13")}})
	require.NoError(t, err)

	// The cancel lands between the session read and the receive marker.
	sessions := &cancellingSessions{SessionStore: f.sessions}
	var cancelErr error
	sessions.before = func() {
		_, cancelErr = f.svc.Cancel(ctx, order.ID, admin)
	}
	f.bind(f.repo, sessions)

	_, err = f.svc.Commit(ctx, order.ID, admin)
	require.NoError(t, cancelErr)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Empty(t, f.inventory.requests)
	stored := f.repo.stored(order.ID)
	require.Equal(t, StatusCancelled, stored.Status)
	require.Equal(t, 0, stored.Items[0].QuantityReceived)
}

func TestPendingAttemptFreezesSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 4, CostPrice: dec("10")})
	itemID := order.Items[0].ID

	// Inventory accepts the receipt but the order write fails.
	f.repo.failNext(1, 0)
	_, err := receive(t, f, order, ModeFull, map[int64]int{itemID: 4})
	require.ErrorIs(t, err, ErrConcurrentUpdate)

	sess, ok, err := f.sessions.Load(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	attempt, found := f.repo.attempt(sess.AttemptID)
	require.True(t, found)
	require.Equal(t, ReceiptPending, attempt.Status)
	require.Equal(t, 4, f.inventory.stockFor(sess.AttemptID))
	require.Equal(t, 0, f.repo.stored(order.ID).Items[0].QuantityReceived)

	_, err = f.svc.CaptureItems(ctx, order.ID, admin, []progress.ItemCapture{{ItemID: itemID, ReceivedQuantity: 2}})
	require.ErrorIs(t, err, ErrStateConflict)
	_, err = f.svc.SetPricing(ctx, order.ID, admin, map[int64]progress.Pricing{itemID: {CostPrice: dec("10"), SellingPrice: dec("99")}})
	require.ErrorIs(t, err, ErrStateConflict)
	require.ErrorIs(t, f.svc.Discard(ctx, order.ID, admin), ErrStateConflict)
	_, err = f.svc.Cancel(ctx, order.ID, admin)
	var transitionErr *InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, "a receive commit is in flight", transitionErr.Guard)

	res, err := f.svc.Commit(ctx, order.ID, admin)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, res.Order.Status)
	require.Equal(t, 4, res.ItemsAdded)
	require.Equal(t, 4, f.repo.stored(order.ID).Items[0].QuantityReceived)
	require.Len(t, f.inventory.requests, 2)
	require.Equal(t, sess.AttemptID, f.inventory.requests[1].AttemptID)
	require.Equal(t, 4, f.inventory.stockFor(sess.AttemptID))
}

func TestPendingAttemptRetryMustMatchLines(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 4, CostPrice: dec("10")})

	f.repo.failNext(1, 0)
	_, err := receive(t, f, order, ModeFull, map[int64]int{order.Items[0].ID: 4})
	require.ErrorIs(t, err, ErrConcurrentUpdate)
	sess, _, err := f.sessions.Load(ctx, order.ID)
	require.NoError(t, err)
	sent, _ := f.repo.attempt(sess.AttemptID)

	changed := sent
	changed.Lines = append([]ReceiptLine(nil), sent.Lines...)
	changed.Lines[0].Quantity = 3
	require.NoError(t, f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveReceiptAttempt(ctx, changed)
	}))

	_, err = f.svc.Commit(ctx, order.ID, admin)
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	require.Contains(t, conflict.Reason, "different lines")
	require.Len(t, f.inventory.requests, 1)

	require.NoError(t, f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveReceiptAttempt(ctx, sent)
	}))
	res, err := f.svc.Commit(ctx, order.ID, admin)
	require.NoError(t, err)
	require.Equal(t, 4, res.ItemsAdded)
}

func TestRejectedAttemptRotatesOnEdit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 4, CostPrice: dec("10")})
	itemID := order.Items[0].ID
	f.inventory.rejections = 1

	_, err := receive(t, f, order, ModeFull, map[int64]int{itemID: 4})
	require.ErrorIs(t, err, ErrExternalService)
	before, _, err := f.sessions.Load(ctx, order.ID)
	require.NoError(t, err)
	rejected, _ := f.repo.attempt(before.AttemptID)
	require.Equal(t, ReceiptFailed, rejected.Status)
	require.Equal(t, "serial already in stock", rejected.Message)
	require.Zero(t, f.inventory.stockFor(before.AttemptID))

	after, err := f.svc.CaptureItems(ctx, order.ID, admin, []progress.ItemCapture{{ItemID: itemID, ReceivedQuantity: 3}})
	require.NoError(t, err)
	require.NotEqual(t, before.AttemptID, after.AttemptID)

	res, err := f.svc.Commit(ctx, order.ID, admin)
	require.NoError(t, err)
	require.Equal(t, after.AttemptID, res.AttemptID)
	require.Equal(t, StatusPartialReceived, res.Order.Status)
	require.Equal(t, 3, f.inventory.stockFor(after.AttemptID))
}

func TestCommitCarriesQualityCheckID(t *testing.T) {
	f := newFixture(t, stubQuality{summary: QualitySummary{Satisfied: true, QualityCheckID: "QC-7"}})
	order := createSentOrder(t, f, CreateItemInput{ProductID: 1, Quantity: 1, CostPrice: dec("10")})

	_, err := receive(t, f, order, ModeFull, map[int64]int{order.Items[0].ID: 1})
	require.NoError(t, err)
	require.Len(t, f.inventory.requests, 1)
	require.Equal(t, "QC-7", f.inventory.requests[0].QualityCheckID)
}
