package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, ttl), mr
}

func TestResumeFollowsSavedProgress(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	_, ok, err := store.Load(ctx, 7)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, StepModeSelection, Session{}.ResumeStep())

	mode := "partial"
	_, err = store.Save(ctx, 7, Update{Mode: &mode, AttemptID: "attempt-1", StartedBy: 3})
	require.NoError(t, err)
	sess, ok, err := store.Load(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StepModeConfirmation, sess.ResumeStep())

	_, err = store.Save(ctx, 7, Update{Items: []ItemCapture{{ItemID: 11, ReceivedQuantity: 2, Serials: []string{"SN-1", "SN-2"}}}})
	require.NoError(t, err)
	sess, _, err = store.Load(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, StepPricing, sess.ResumeStep())

	_, err = store.Save(ctx, 7, Update{Pricing: map[int64]Pricing{11: {CostPrice: decimal.NewFromInt(100), SellingPrice: decimal.NewFromInt(130)}}})
	require.NoError(t, err)
	sess, _, err = store.Load(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, StepCommitConfirmation, sess.ResumeStep())

	require.Equal(t, "partial", sess.Mode)
	require.Equal(t, "attempt-1", sess.AttemptID)
	require.Equal(t, int64(3), sess.StartedBy)
	capture, ok := sess.Capture(11)
	require.True(t, ok)
	require.Equal(t, []string{"SN-1", "SN-2"}, capture.Serials)
	require.True(t, sess.Pricing[11].SellingPrice.Equal(decimal.NewFromInt(130)))
}

func TestSaveMergesPerItem(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	_, err := store.Save(ctx, 1, Update{Items: []ItemCapture{{ItemID: 1, ReceivedQuantity: 1}, {ItemID: 2, ReceivedQuantity: 4}}})
	require.NoError(t, err)
	sess, err := store.Save(ctx, 1, Update{Items: []ItemCapture{{ItemID: 2, ReceivedQuantity: 3}}, AttemptID: "ignored"})
	require.NoError(t, err)

	require.Len(t, sess.Items, 2)
	first, _ := sess.Capture(1)
	second, _ := sess.Capture(2)
	require.Equal(t, 1, first.ReceivedQuantity)
	require.Equal(t, 3, second.ReceivedQuantity)
	require.Empty(t, sess.Mode)
	require.Equal(t, "ignored", sess.AttemptID)

	again, err := store.Save(ctx, 1, Update{AttemptID: "other"})
	require.NoError(t, err)
	require.Equal(t, "ignored", again.AttemptID)

	rotated, err := store.Save(ctx, 1, Update{AttemptID: "fresh", RotateAttempt: true})
	require.NoError(t, err)
	require.Equal(t, "fresh", rotated.AttemptID)
	require.Len(t, rotated.Items, 2)
}

func TestClearAndExpiry(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()
	mode := "full"

	_, err := store.Save(ctx, 5, Update{Mode: &mode})
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx, 5))
	_, ok, err := store.Load(ctx, 5)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, store.Clear(ctx, 5))

	_, err = store.Save(ctx, 6, Update{Mode: &mode})
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, ok, err = store.Load(ctx, 6)
	require.NoError(t, err)
	require.False(t, ok)
}
