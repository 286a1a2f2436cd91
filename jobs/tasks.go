package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPaymentReconcile sweeps purchase orders for stale payment status.
	TaskPaymentReconcile = "procurement:payment_reconcile"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "shared:idempotency_cleanup"
)

// PaymentReconcilePayload bounds one reconcile sweep.
type PaymentReconcilePayload struct {
	Limit int `json:"limit"`
}

// IdempotencyCleanupPayload sets the retention of processed keys.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

func (p IdempotencyCleanupPayload) retention() time.Duration {
	if p.RetentionHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(p.RetentionHours) * time.Hour
}

// NewPaymentReconcileTask builds a reconcile sweep task.
func NewPaymentReconcileTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(PaymentReconcilePayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// DefaultSchedule returns the periodic tasks registered by the worker.
func DefaultSchedule() ([]CronRegistration, error) {
	reconcile, err := NewPaymentReconcileTask(200)
	if err != nil {
		return nil, err
	}
	cleanup, err := NewIdempotencyCleanupTask(7 * 24)
	if err != nil {
		return nil, err
	}
	return []CronRegistration{
		{Spec: "*/15 * * * *", Task: reconcile},
		{Spec: "0 3 * * *", Task: cleanup},
	}, nil
}
