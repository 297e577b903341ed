package db

import (
	"context"
	"time"
)

// DeleteDeadPasscodes removes passcodes whose expiry is older than the audit
// cutoff. Live rows are never touched: the cutoff is always in the past
// relative to any verifiable record.
func (s *DB) DeleteDeadPasscodes(ctx context.Context, before time.Time) (n int64, err error) {
	ctx, span := s.startSpan(ctx, "DeleteDeadPasscodes")
	defer func() { s.endSpan(span, err) }()

	tag, err := s.conn.Exec(ctx,
		`DELETE FROM otp_passcodes WHERE expires_at < $1`, before)
	if err != nil {
		return 0, s.mapError(err)
	}

	return tag.RowsAffected(), nil
}

func (s *DB) DeleteOldRequestLogs(ctx context.Context, before time.Time) (n int64, err error) {
	ctx, span := s.startSpan(ctx, "DeleteOldRequestLogs")
	defer func() { s.endSpan(span, err) }()

	tag, err := s.conn.Exec(ctx,
		`DELETE FROM otp_request_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, s.mapError(err)
	}

	return tag.RowsAffected(), nil
}

func (s *DB) DeleteOldIdempotencyRecords(ctx context.Context, before time.Time) (n int64, err error) {
	ctx, span := s.startSpan(ctx, "DeleteOldIdempotencyRecords")
	defer func() { s.endSpan(span, err) }()

	tag, err := s.conn.Exec(ctx,
		`DELETE FROM otp_idempotency WHERE created_at < $1`, before)
	if err != nil {
		return 0, s.mapError(err)
	}

	return tag.RowsAffected(), nil
}
