package procurement

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// Guards carries the facts transition guards are evaluated against.
type Guards struct {
	Actor           Actor
	ReceiveInFlight bool
	Quality         QualityDecision
}

// QualityDecision is the quality gate outcome presented at completion.
type QualityDecision struct {
	Satisfied     bool
	Skippable     bool
	SkipRequested bool
}

// guardFunc returns the unmet guard and, for permission guards, the missing
// permission. An empty guard means the transition is allowed.
type guardFunc func(order PurchaseOrder, g Guards) (guard string, perm string)

type transitionRule struct {
	from  []OrderStatus
	to    OrderStatus
	guard guardFunc
}

// StateMachine owns transition legality for purchase orders.
type StateMachine struct {
	rules []transitionRule
}

// NewStateMachine returns the canonical purchase order state machine.
func NewStateMachine() StateMachine {
	receiveFrom := []OrderStatus{StatusSent, StatusConfirmed, StatusShipped}
	return StateMachine{rules: []transitionRule{
		{from: []OrderStatus{StatusDraft}, to: StatusSent, guard: guardAll(hasItems, requirePermission(shared.PermProcurementApprove))},
		{from: []OrderStatus{StatusSent}, to: StatusConfirmed, guard: requirePermission(shared.PermProcurementEdit)},
		{from: []OrderStatus{StatusSent, StatusConfirmed}, to: StatusShipped, guard: requirePermission(shared.PermProcurementEdit)},
		{from: append(receiveFrom, StatusPartialReceived), to: StatusPartialReceived, guard: leftShort},
		{from: append(receiveFrom, StatusPartialReceived), to: StatusReceived, guard: allReceived},
		{from: []OrderStatus{StatusReceived}, to: StatusCompleted, guard: guardAll(isPaid, qualityCleared)},
		{from: []OrderStatus{StatusDraft, StatusSent, StatusConfirmed, StatusShipped, StatusPartialReceived, StatusReceived}, to: StatusCancelled, guard: guardAll(requirePermission(shared.PermProcurementCancel), noReceiveInFlight)},
	}}
}

// Check validates a transition without applying it.
func (m StateMachine) Check(order PurchaseOrder, to OrderStatus, g Guards) error {
	_, _, err := m.Transition(order, to, g)
	return err
}

// Transition returns the next status for order. Re-invoking a transition the
// order already made succeeds without change.
func (m StateMachine) Transition(order PurchaseOrder, to OrderStatus, g Guards) (OrderStatus, bool, error) {
	if order.Status == to && to != StatusPartialReceived {
		return to, false, nil
	}
	if order.Status.Terminal() {
		return order.Status, false, &InvalidTransitionError{From: order.Status, To: to, Guard: fmt.Sprintf("%s is terminal", order.Status)}
	}
	rule, ok := m.rule(order.Status, to)
	if !ok {
		return order.Status, false, &InvalidTransitionError{From: order.Status, To: to, Guard: "no such transition"}
	}
	if guard, perm := rule.guard(order, g); guard != "" {
		return order.Status, false, &InvalidTransitionError{From: order.Status, To: to, Guard: guard, Permission: perm}
	}
	return to, order.Status != to, nil
}

func (m StateMachine) rule(from, to OrderStatus) (transitionRule, bool) {
	for _, r := range m.rules {
		if r.to != to {
			continue
		}
		for _, f := range r.from {
			if f == from {
				return r, true
			}
		}
	}
	return transitionRule{}, false
}

// ReceiveTarget is the status a receive commit drives the order to.
func ReceiveTarget(order PurchaseOrder) OrderStatus {
	if order.FullyReceived() {
		return StatusReceived
	}
	return StatusPartialReceived
}

// HealStatus derives the receive status implied by item quantities for orders
// whose stored status lags behind them.
func HealStatus(order PurchaseOrder) (OrderStatus, bool) {
	switch order.Status {
	case StatusSent, StatusConfirmed, StatusShipped, StatusPartialReceived:
	default:
		return order.Status, false
	}
	_, received := order.QuantityTotals()
	if received == 0 {
		return order.Status, false
	}
	target := ReceiveTarget(order)
	if target == order.Status {
		return order.Status, false
	}
	return target, true
}

func guardAll(guards ...guardFunc) guardFunc {
	return func(order PurchaseOrder, g Guards) (string, string) {
		for _, guard := range guards {
			if unmet, perm := guard(order, g); unmet != "" {
				return unmet, perm
			}
		}
		return "", ""
	}
}

func requirePermission(perm string) guardFunc {
	return func(_ PurchaseOrder, g Guards) (string, string) {
		if g.Actor.Can(perm) {
			return "", ""
		}
		return "actor lacks " + perm, perm
	}
}

func hasItems(order PurchaseOrder, _ Guards) (string, string) {
	if len(order.Items) == 0 {
		return "order has no items", ""
	}
	return "", ""
}

func leftShort(order PurchaseOrder, _ Guards) (string, string) {
	if order.FullyReceived() {
		return "all items are fully received", ""
	}
	return "", ""
}

func allReceived(order PurchaseOrder, _ Guards) (string, string) {
	if !order.FullyReceived() {
		return "items remain to be received", ""
	}
	return "", ""
}

func isPaid(order PurchaseOrder, _ Guards) (string, string) {
	if order.PaymentStatus != PaymentPaid {
		return fmt.Sprintf("payment status is %s, not paid", order.PaymentStatus), ""
	}
	return "", ""
}

func qualityCleared(_ PurchaseOrder, g Guards) (string, string) {
	q := g.Quality
	if q.Satisfied || (q.SkipRequested && q.Skippable) {
		return "", ""
	}
	if q.SkipRequested {
		return "quality check cannot be skipped", ""
	}
	return "quality check not satisfied", ""
}

func noReceiveInFlight(_ PurchaseOrder, g Guards) (string, string) {
	if g.ReceiveInFlight {
		return "a receive commit is in flight", ""
	}
	return "", ""
}
