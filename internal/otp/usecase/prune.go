package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
)

const defaultPasscodeRetentionHours = 24

// Prune removes rows that can no longer influence any decision: passcodes
// past the audit retention, request logs older than the throttle window,
// and idempotency records past their validity. Runs on a background ticker.
func (s *Usecase) Prune(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Prune")
	defer span.End()

	now := s.clock.Now()

	retention := s.cfg.GetHour("modules.otp.prune.passcode_retention_hours")
	if retention <= 0 {
		retention = defaultPasscodeRetentionHours * time.Hour
	}

	passcodes, err := s.repoDB.DeleteDeadPasscodes(ctx, now.Add(-retention))
	if err != nil {
		slog.ErrorContext(ctx, "failed to prune passcodes", "error", err)
		return goerror.NewServer(err)
	}

	logs, err := s.repoDB.DeleteOldRequestLogs(ctx, now.Add(-s.throttleWindow()))
	if err != nil {
		slog.ErrorContext(ctx, "failed to prune request logs", "error", err)
		return goerror.NewServer(err)
	}

	keys, err := s.repoDB.DeleteOldIdempotencyRecords(ctx, now.Add(-s.idempotencyTTL()))
	if err != nil {
		slog.ErrorContext(ctx, "failed to prune idempotency records", "error", err)
		return goerror.NewServer(err)
	}

	if passcodes+logs+keys > 0 {
		slog.InfoContext(ctx, "pruned dead rows",
			"passcodes", passcodes, "request_logs", logs, "idempotency_keys", keys)
	}

	return nil
}
