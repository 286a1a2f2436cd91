package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReceiveLockKey builds the redis key marking a receive commit in flight.
func ReceiveLockKey(orderID int64) string {
	return fmt.Sprintf("procurement:order:%d:receiving", orderID)
}

var releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// ReceiveLocks marks purchase orders whose receive commit is in flight so
// that concurrent commits and cancellations can be refused across processes.
type ReceiveLocks struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReceiveLocks constructs ReceiveLocks. The ttl bounds how long a crashed
// commit can keep an order marked.
func NewReceiveLocks(client *redis.Client, ttl time.Duration) *ReceiveLocks {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &ReceiveLocks{client: client, ttl: ttl}
}

// Acquire sets the marker unless another holder has it. The returned release
// only removes a marker this call set.
func (l *ReceiveLocks) Acquire(ctx context.Context, orderID int64) (func(), bool, error) {
	key := ReceiveLockKey(orderID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return func() {}, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, true, nil
}

// Held reports whether a commit is in flight for the order.
func (l *ReceiveLocks) Held(ctx context.Context, orderID int64) (bool, error) {
	n, err := l.client.Exists(ctx, ReceiveLockKey(orderID)).Result()
	if err != nil {
		return false, fmt.Errorf("shared: check %s: %w", ReceiveLockKey(orderID), err)
	}
	return n > 0, nil
}
