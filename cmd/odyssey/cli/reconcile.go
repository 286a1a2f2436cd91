package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Reconciler re-derives the payment and receive status of purchase orders.
type Reconciler interface {
	ListReconcileCandidates(ctx context.Context, limit int) ([]int64, error)
	ReconcileOrder(ctx context.Context, id int64) (bool, error)
}

// ReconcileOptions defines the flags of the reconcile command.
type ReconcileOptions struct {
	OrderIDs   []int64
	Limit      int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ReconcileSummary is the JSON output of the reconcile command.
type ReconcileSummary struct {
	Scanned   int              `json:"scanned"`
	Corrected []int64          `json:"corrected"`
	Failed    map[int64]string `json:"failed,omitempty"`
}

// ReconcileCommand reconciles the given orders, or the stale candidates when
// none are given. It exits 0 when every order reconciled, 10 when some failed.
func ReconcileCommand(ctx context.Context, svc Reconciler, opts ReconcileOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	ids := opts.OrderIDs
	if len(ids) == 0 {
		var err error
		ids, err = svc.ListReconcileCandidates(ctx, opts.Limit)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: list candidates: %v\n", err)
			return 1
		}
	}
	summary := ReconcileSummary{Scanned: len(ids), Corrected: []int64{}}
	for _, id := range ids {
		if id <= 0 {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: invalid order id %d\n", id)
			return 1
		}
		changed, err := svc.ReconcileOrder(ctx, id)
		if err != nil {
			if summary.Failed == nil {
				summary.Failed = map[int64]string{}
			}
			summary.Failed[id] = err.Error()
			continue
		}
		if changed {
			summary.Corrected = append(summary.Corrected, id)
		}
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "Scanned %d order(s), corrected %d.\n", summary.Scanned, len(summary.Corrected))
		for _, id := range summary.Corrected {
			_, _ = fmt.Fprintf(opts.Stdout, " - order %d corrected\n", id)
		}
		for id, msg := range summary.Failed {
			_, _ = fmt.Fprintf(opts.Stdout, " - order %d failed: %s\n", id, msg)
		}
	}
	if len(summary.Failed) > 0 {
		return 10
	}
	return 0
}
