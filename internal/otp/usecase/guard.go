package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
	"github.com/shandysiswandi/otpgate/internal/pkg/idempotency"
)

const defaultIdempotencyTTLMinutes = 10

func (s *Usecase) idempotencyTTL() time.Duration {
	if ttl := s.cfg.GetMinute("modules.otp.idempotency_ttl_minutes"); ttl > 0 {
		return ttl
	}
	return defaultIdempotencyTTLMinutes * time.Minute
}

// acquireKey claims the idempotency key in the tracker so two simultaneous
// submissions of one key do not both open a transaction. The tracker is
// advisory and fails open: if it is unreachable the relational store still
// gives the correct replay answer, just without the early rejection.
func (s *Usecase) acquireKey(ctx context.Context, key string) (release func(), err error) {
	state, err := s.tracker.Acquire(ctx, key, s.idempotencyTTL())
	if err != nil {
		slog.WarnContext(ctx, "idempotency tracker unavailable, continuing", "error", err)
		return func() {}, nil
	}

	switch state {
	case idempotency.StateInProgress:
		return nil, goerror.NewBusiness(
			"request with this Idempotency-Key is still being processed",
			goerror.CodeConflict,
		)

	case idempotency.StateNone:
		return func() {
			if rErr := s.tracker.Release(ctx, key); rErr != nil {
				slog.WarnContext(ctx, "failed to release idempotency key", "error", rErr)
			}
		}, nil

	default:
		// Completed or indeterminate: the store decides.
		return func() {}, nil
	}
}

func (s *Usecase) markKeyCompleted(ctx context.Context, key string) {
	if err := s.tracker.MarkCompleted(ctx, key, s.idempotencyTTL()); err != nil {
		slog.WarnContext(ctx, "failed to mark idempotency key completed", "error", err)
	}
}

// fingerprint condenses the request payload so a reused key with a different
// body can be rejected instead of silently replaying an unrelated response.
func (s *Usecase) fingerprint(body []byte) (string, error) {
	sum, err := s.hmac.Hash(string(body))
	if err != nil {
		return "", err
	}

	return string(sum), nil
}
