package usecase

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/samber/lo"
	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
)

const (
	defaultThrottleWindowMinutes = 15
	defaultUserRequestLimit      = 3
	defaultIPRequestLimit        = 8
)

func (s *Usecase) throttleWindow() time.Duration {
	if w := s.cfg.GetMinute("modules.otp.throttle.window_minutes"); w > 0 {
		return w
	}
	return defaultThrottleWindowMinutes * time.Minute
}

func (s *Usecase) throttleLimit(scope entity.ThrottleScope) int {
	switch scope {
	case entity.ThrottleScopeUser:
		if l := s.cfg.GetInt("modules.otp.throttle.user_limit"); l > 0 {
			return l
		}
		return defaultUserRequestLimit
	default:
		if l := s.cfg.GetInt("modules.otp.throttle.ip_limit"); l > 0 {
			return l
		}
		return defaultIPRequestLimit
	}
}

// checkThrottle counts accepted requests for the identifier inside the
// trailing window. When the budget is spent, the retry delay is anchored to
// the moment the oldest counted request falls out of the window, so the
// caller is told exactly when a slot frees up.
func (s *Usecase) checkThrottle(
	ctx context.Context,
	store Store,
	scope entity.ThrottleScope,
	identifier string,
	now time.Time,
) error {
	window := s.throttleWindow()
	limit := s.throttleLimit(scope)

	times, err := store.RequestTimesInWindow(ctx, scope, identifier, now.Add(-window))
	if err != nil {
		slog.ErrorContext(ctx, "failed to count requests in window",
			"scope", scope.String(), "error", err)
		return goerror.NewServer(err)
	}

	if len(times) < limit {
		return nil
	}

	// The store returns the rows unordered.
	oldest := lo.MinBy(times, func(a, b time.Time) bool { return a.Before(b) })
	retryAfter := int64(math.Ceil(oldest.Add(window).Sub(now).Seconds()))

	slog.WarnContext(ctx, "issuance throttled",
		"scope", scope.String(), "retry_after", retryAfter)

	switch scope {
	case entity.ThrottleScopeUser:
		return goerror.NewThrottled("Too many requests for this user", retryAfter)
	default:
		return goerror.NewThrottled("Too many requests from this IP", retryAfter)
	}
}
