package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubReconciler struct {
	candidates []int64
	changed    map[int64]bool
	failing    map[int64]error
	listErr    error
	limit      int
}

func (s *stubReconciler) ListReconcileCandidates(_ context.Context, limit int) ([]int64, error) {
	s.limit = limit
	return s.candidates, s.listErr
}

func (s *stubReconciler) ReconcileOrder(_ context.Context, id int64) (bool, error) {
	if err := s.failing[id]; err != nil {
		return false, err
	}
	return s.changed[id], nil
}

func TestReconcileCommandJSON(t *testing.T) {
	stub := &stubReconciler{candidates: []int64{3, 4, 5}, changed: map[int64]bool{4: true}}
	var stdout, stderr bytes.Buffer

	code := ReconcileCommand(context.Background(), stub, ReconcileOptions{Limit: 25, JSONOutput: true, Stdout: &stdout, Stderr: &stderr})
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, 25, stub.limit)

	var summary ReconcileSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, 3, summary.Scanned)
	require.Equal(t, []int64{4}, summary.Corrected)
	require.Empty(t, summary.Failed)
}

func TestReconcileCommandExplicitOrdersWithFailure(t *testing.T) {
	stub := &stubReconciler{failing: map[int64]error{9: errors.New("not found")}}
	var stdout, stderr bytes.Buffer

	code := ReconcileCommand(context.Background(), stub, ReconcileOptions{OrderIDs: []int64{8, 9}, Stdout: &stdout, Stderr: &stderr})
	require.Equal(t, 10, code)
	require.Contains(t, stdout.String(), "Scanned 2 order(s), corrected 0.")
	require.Contains(t, stdout.String(), "order 9 failed: not found")
	require.Zero(t, stub.limit)
}

func TestReconcileCommandListFailure(t *testing.T) {
	stub := &stubReconciler{listErr: errors.New("connection refused")}
	var stdout, stderr bytes.Buffer

	code := ReconcileCommand(context.Background(), stub, ReconcileOptions{Stdout: &stdout, Stderr: &stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "connection refused")
}
