package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-procure/internal/jobs"
)

// Reconciler is the procurement surface used by the sweep.
type Reconciler interface {
	ListReconcileCandidates(ctx context.Context, limit int) ([]int64, error)
	ReconcileOrder(ctx context.Context, id int64) (bool, error)
}

// PaymentReconcileJob re-derives payment status for open purchase orders and
// persists any drift.
type PaymentReconcileJob struct {
	Service Reconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPaymentReconcileJob wires dependencies for the sweep handler.
func NewPaymentReconcileJob(service Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *PaymentReconcileJob {
	return &PaymentReconcileJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes TaskPaymentReconcile tasks. One failing order does not
// stop the sweep; the run reports failure when any order failed.
func (j *PaymentReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("payment reconcile: handler not configured")
	}
	var payload PaymentReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = 200
	}

	tracker := j.Metrics.Track(TaskPaymentReconcile)
	logger := j.logger().With(slog.String("job", TaskPaymentReconcile))

	ids, err := j.Service.ListReconcileCandidates(ctx, payload.Limit)
	if err != nil {
		logger.Error("list reconcile candidates", slog.Any("error", err))
		return tracker.End(err)
	}
	var (
		corrected int
		failed    int
		firstErr  error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return tracker.End(err)
		}
		changed, err := j.Service.ReconcileOrder(ctx, id)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			logger.Warn("reconcile order", slog.Int64("order_id", id), slog.Any("error", err))
			continue
		}
		if changed {
			corrected++
		}
	}
	j.Metrics.AddItems(TaskPaymentReconcile, "corrected", corrected)
	j.Metrics.AddItems(TaskPaymentReconcile, "unchanged", len(ids)-corrected-failed)
	j.Metrics.AddItems(TaskPaymentReconcile, "failed", failed)
	logger.Info("payment reconcile finished",
		slog.Int("scanned", len(ids)),
		slog.Int("corrected", corrected),
		slog.Int("failed", failed))
	return tracker.End(firstErr)
}

func (j *PaymentReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
