package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shandysiswandi/otpgate/internal/otp/entity"
)

// atomic is the transactional store view handed to a unit of work. All
// methods run on the open transaction; errors bubble to RunAtomic, which
// rolls back.
type atomic struct {
	tx     pgx.Tx
	parent *DB
}

// LockThrottleKeys takes transaction-scoped advisory locks on the user and
// address identifiers, always in that order so two issuance transactions
// touching the same pair cannot deadlock. The locks serialize the window
// count with the log insert and release on commit or rollback.
func (a *atomic) LockThrottleKeys(ctx context.Context, userID, ip string) (err error) {
	ctx, span := a.parent.startSpan(ctx, "LockThrottleKeys")
	defer func() { a.parent.endSpan(span, err) }()

	if _, err = a.tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, "otp:user:"+userID,
	); err != nil {
		return a.parent.mapError(err)
	}

	if _, err = a.tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, "otp:ip:"+ip,
	); err != nil {
		return a.parent.mapError(err)
	}

	return nil
}

// RequestTimesInWindow returns the accepted-request timestamps inside the
// window in no particular order; callers derive the oldest themselves.
func (a *atomic) RequestTimesInWindow(
	ctx context.Context,
	scope entity.ThrottleScope,
	identifier string,
	since time.Time,
) (times []time.Time, err error) {
	ctx, span := a.parent.startSpan(ctx, "RequestTimesInWindow")
	defer func() { a.parent.endSpan(span, err) }()

	query := `SELECT created_at FROM otp_request_logs
		WHERE user_id = $1 AND created_at > $2`
	if scope == entity.ThrottleScopeIP {
		query = `SELECT created_at FROM otp_request_logs
		WHERE ip = $1 AND created_at > $2`
	}

	rows, err := a.tx.Query(ctx, query, identifier, since)
	if err != nil {
		return nil, a.parent.mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var t time.Time
		if err = rows.Scan(&t); err != nil {
			return nil, a.parent.mapError(err)
		}
		times = append(times, t)
	}
	if err = rows.Err(); err != nil {
		return nil, a.parent.mapError(err)
	}

	return times, nil
}

func (a *atomic) CreateRequestLog(ctx context.Context, log entity.RequestLog) (err error) {
	ctx, span := a.parent.startSpan(ctx, "CreateRequestLog")
	defer func() { a.parent.endSpan(span, err) }()

	_, err = a.tx.Exec(ctx,
		`INSERT INTO otp_request_logs (id, user_id, ip, created_at)
		VALUES ($1, $2, $3, $4)`,
		log.ID, log.UserID, log.IP, log.CreatedAt,
	)

	return a.parent.mapError(err)
}

func (a *atomic) GetIdempotencyRecord(
	ctx context.Context,
	key string,
	since time.Time,
) (rec *entity.IdempotencyRecord, err error) {
	ctx, span := a.parent.startSpan(ctx, "GetIdempotencyRecord")
	defer func() { a.parent.endSpan(span, err) }()

	var out entity.IdempotencyRecord
	err = a.tx.QueryRow(ctx,
		`SELECT idempotency_key, fingerprint, response, created_at
		FROM otp_idempotency
		WHERE idempotency_key = $1 AND created_at > $2`,
		key, since,
	).Scan(&out.Key, &out.Fingerprint, &out.Response, &out.CreatedAt)
	if err != nil {
		return nil, a.parent.mapError(err)
	}

	return &out, nil
}

func (a *atomic) CreateIdempotencyRecord(ctx context.Context, rec entity.IdempotencyRecord) (err error) {
	ctx, span := a.parent.startSpan(ctx, "CreateIdempotencyRecord")
	defer func() { a.parent.endSpan(span, err) }()

	_, err = a.tx.Exec(ctx,
		`INSERT INTO otp_idempotency (idempotency_key, fingerprint, response, created_at)
		VALUES ($1, $2, $3, $4)`,
		rec.Key, rec.Fingerprint, rec.Response, rec.CreatedAt,
	)

	return a.parent.mapError(err)
}

func (a *atomic) DeleteLivePasscodes(ctx context.Context, userID, purpose string, now time.Time) (err error) {
	ctx, span := a.parent.startSpan(ctx, "DeleteLivePasscodes")
	defer func() { a.parent.endSpan(span, err) }()

	_, err = a.tx.Exec(ctx,
		`DELETE FROM otp_passcodes
		WHERE user_id = $1 AND purpose = $2 AND used = FALSE AND expires_at > $3`,
		userID, purpose, now,
	)

	return a.parent.mapError(err)
}

func (a *atomic) CreatePasscode(ctx context.Context, p entity.Passcode) (err error) {
	ctx, span := a.parent.startSpan(ctx, "CreatePasscode")
	defer func() { a.parent.endSpan(span, err) }()

	_, err = a.tx.Exec(ctx,
		`INSERT INTO otp_passcodes (id, user_id, purpose, code, used, attempts, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.UserID, p.Purpose, p.Code, p.Used, p.Attempts, p.CreatedAt, p.ExpiresAt,
	)

	return a.parent.mapError(err)
}

func (a *atomic) GetLivePasscodeForUpdate(
	ctx context.Context,
	userID, purpose string,
	now time.Time,
) (p *entity.Passcode, err error) {
	ctx, span := a.parent.startSpan(ctx, "GetLivePasscodeForUpdate")
	defer func() { a.parent.endSpan(span, err) }()

	var out entity.Passcode
	err = a.tx.QueryRow(ctx,
		`SELECT id, user_id, purpose, code, used, attempts, created_at, expires_at
		FROM otp_passcodes
		WHERE user_id = $1 AND purpose = $2 AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE`,
		userID, purpose, now,
	).Scan(&out.ID, &out.UserID, &out.Purpose, &out.Code,
		&out.Used, &out.Attempts, &out.CreatedAt, &out.ExpiresAt)
	if err != nil {
		return nil, a.parent.mapError(err)
	}

	return &out, nil
}

func (a *atomic) MarkPasscodeUsed(ctx context.Context, id int64) (err error) {
	ctx, span := a.parent.startSpan(ctx, "MarkPasscodeUsed")
	defer func() { a.parent.endSpan(span, err) }()

	_, err = a.tx.Exec(ctx, `UPDATE otp_passcodes SET used = TRUE WHERE id = $1`, id)

	return a.parent.mapError(err)
}

func (a *atomic) IncrementPasscodeAttempts(ctx context.Context, id int64) (err error) {
	ctx, span := a.parent.startSpan(ctx, "IncrementPasscodeAttempts")
	defer func() { a.parent.endSpan(span, err) }()

	_, err = a.tx.Exec(ctx, `UPDATE otp_passcodes SET attempts = attempts + 1 WHERE id = $1`, id)

	return a.parent.mapError(err)
}
