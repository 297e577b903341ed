package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidState is returned when a tracked key holds an unrecognized value.
var ErrInvalidState = errors.New("idempotency: invalid state")

// State describes what is known about an idempotency key in the tracker.
//
// The tracker is advisory: the durable replay answer lives in the relational
// store, inside the same transaction that created the protected resource.
// This layer only suppresses concurrent duplicate submissions of one key
// while the first transaction is still in flight.
type State string

const (
	// StateNone means the key was unseen and is now held by this caller.
	StateNone State = "none"
	// StateInProgress means another request holds the key right now.
	StateInProgress State = "in_progress"
	// StateCompleted means a request with this key committed recently.
	StateCompleted State = "completed"
	// StateError means the tracker could not determine the state.
	StateError State = "error"
)

func (s State) String() string {
	return string(s)
}

// Tracker marks idempotency keys as in-flight or completed.
type Tracker interface {
	// Acquire attempts to claim the key for the duration of one request.
	Acquire(ctx context.Context, key string, lockDuration time.Duration) (State, error)
	// MarkCompleted records that the request with this key committed.
	MarkCompleted(ctx context.Context, key string, ttl time.Duration) error
	// Release drops the claim so the caller may retry immediately.
	Release(ctx context.Context, key string) error
}

// StateTracker is a Redis-backed Tracker.
type StateTracker struct {
	client *redis.Client
	prefix string
}

// New returns a StateTracker using the given Redis client.
func New(client *redis.Client) *StateTracker {
	return &StateTracker{
		client: client,
		prefix: "idempotency:",
	}
}

// Acquire tries to claim the key, reporting the existing state when it cannot.
func (s *StateTracker) Acquire(ctx context.Context, key string, lockDuration time.Duration) (State, error) {
	fk := s.prefix + key

	acquired, err := s.client.SetNX(ctx, fk, StateInProgress.String(), lockDuration).Result()
	if err != nil {
		return StateError, err
	}
	if acquired {
		return StateNone, nil
	}

	result, err := s.client.Get(ctx, fk).Result()
	if errors.Is(err, redis.Nil) {
		// The holder expired between SetNX and Get; claim again.
		acquired, err = s.client.SetNX(ctx, fk, StateInProgress.String(), lockDuration).Result()
		if err != nil {
			return StateError, err
		}
		if acquired {
			return StateNone, nil
		}
		return StateError, ErrInvalidState
	}
	if err != nil {
		return StateError, err
	}

	switch result {
	case StateInProgress.String():
		return StateInProgress, nil
	case StateCompleted.String():
		return StateCompleted, nil
	default:
		return StateError, ErrInvalidState
	}
}

// MarkCompleted records a committed request under the key.
func (s *StateTracker) MarkCompleted(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, StateCompleted.String(), ttl).Err()
}

// Release deletes the claim for the key.
func (s *StateTracker) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
