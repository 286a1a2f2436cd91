// Package progress keeps resumable receiving-wizard state in Redis.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Step is the wizard step a resumed session should show next.
type Step string

const (
	StepModeSelection      Step = "mode_selection"
	StepModeConfirmation   Step = "mode_confirmation"
	StepPricing            Step = "pricing"
	StepCommitConfirmation Step = "commit_confirmation"
)

// ItemCapture is the quantity and serials captured for one order line.
type ItemCapture struct {
	ItemID           int64    `json:"item_id"`
	ReceivedQuantity int      `json:"received_quantity"`
	Serials          []string `json:"serials,omitempty"`
}

// Pricing is the draft cost and selling price for one order line.
type Pricing struct {
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

// Session is the serializable snapshot of one in-flight receive.
type Session struct {
	OrderID   int64             `json:"order_id"`
	Mode      string            `json:"mode,omitempty"`
	Items     []ItemCapture     `json:"items,omitempty"`
	Pricing   map[int64]Pricing `json:"pricing,omitempty"`
	AttemptID string            `json:"attempt_id,omitempty"`
	StartedBy int64             `json:"started_by,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ResumeStep returns the step an interrupted session continues at.
func (s Session) ResumeStep() Step {
	switch {
	case len(s.Pricing) > 0:
		return StepCommitConfirmation
	case len(s.Items) > 0:
		return StepPricing
	case s.Mode != "":
		return StepModeConfirmation
	default:
		return StepModeSelection
	}
}

// Capture returns the captured entry for an item.
func (s Session) Capture(itemID int64) (ItemCapture, bool) {
	for _, item := range s.Items {
		if item.ItemID == itemID {
			return item, true
		}
	}
	return ItemCapture{}, false
}

// Update is a partial write; nil or empty fields keep stored values. An
// AttemptID is only written to a session that has none, unless RotateAttempt
// is set.
type Update struct {
	Mode          *string
	Items         []ItemCapture
	Pricing       map[int64]Pricing
	AttemptID     string
	RotateAttempt bool
	StartedBy     int64
}

func (s *Session) apply(u Update) {
	if u.Mode != nil {
		s.Mode = *u.Mode
	}
	for _, capture := range u.Items {
		replaced := false
		for i := range s.Items {
			if s.Items[i].ItemID == capture.ItemID {
				s.Items[i] = capture
				replaced = true
				break
			}
		}
		if !replaced {
			s.Items = append(s.Items, capture)
		}
	}
	if len(u.Pricing) > 0 {
		if s.Pricing == nil {
			s.Pricing = make(map[int64]Pricing, len(u.Pricing))
		}
		for id, p := range u.Pricing {
			s.Pricing[id] = p
		}
	}
	if u.AttemptID != "" && (s.AttemptID == "" || u.RotateAttempt) {
		s.AttemptID = u.AttemptID
	}
	if s.StartedBy == 0 {
		s.StartedBy = u.StartedBy
	}
}

const maxSaveRetries = 3

// ErrSaveContention is returned when concurrent writers kept invalidating a save.
var ErrSaveContention = errors.New("progress: session save contention")

// Store persists receiving sessions keyed by order id.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewStore constructs a Store. Sessions expire ttl after their last save.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// Save merges u into the stored session, creating it when absent.
func (s *Store) Save(ctx context.Context, orderID int64, u Update) (Session, error) {
	key := redisKey(orderID)
	var saved Session
	txf := func(tx *redis.Tx) error {
		sess, _, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		sess.OrderID = orderID
		sess.apply(u)
		sess.UpdatedAt = s.now()
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			saved = sess
		}
		return err
	}
	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return saved, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Session{}, fmt.Errorf("progress: save order %d: %w", orderID, err)
	}
	return Session{}, ErrSaveContention
}

// Load returns the stored session; ok is false when none exists.
func (s *Store) Load(ctx context.Context, orderID int64) (Session, bool, error) {
	sess, ok, err := s.read(ctx, s.client, redisKey(orderID))
	if err != nil {
		return Session{}, false, fmt.Errorf("progress: load order %d: %w", orderID, err)
	}
	return sess, ok, nil
}

// Clear removes the session. Clearing a missing session is not an error.
func (s *Store) Clear(ctx context.Context, orderID int64) error {
	if err := s.client.Del(ctx, redisKey(orderID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("progress: clear order %d: %w", orderID, err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, cmd getter, key string) (Session, bool, error) {
	payload, err := cmd.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func redisKey(orderID int64) string {
	return fmt.Sprintf("procurement:receiving:%d", orderID)
}
