package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
)

type RequestOtpInput struct {
	UserID         string `validate:"required,max=100"`
	Purpose        string `validate:"required,max=100"`
	IP             string `validate:"required,max=64"`
	IdempotencyKey string `validate:"required,max=255"`
	// Payload is the request body exactly as sent on the wire, used to
	// fingerprint the idempotency key.
	Payload []byte
}

type RequestOtpOutput struct {
	OtpID int64
	TTL   int
	// Body is the exact response payload. On replay it is the bytes stored
	// by the original call, so the client sees an identical response.
	Body     []byte
	Replayed bool
}

// issuedResponse is the persisted response shape for an issuance. Replays
// must be byte-identical, so this is marshaled once and stored as-is.
type issuedResponse struct {
	OtpID int64 `json:"otp_id"`
	TTL   int   `json:"ttl"`
}

func (s *Usecase) RequestOtp(ctx context.Context, in RequestOtpInput) (*RequestOtpOutput, error) {
	ctx, span := s.startSpan(ctx, "RequestOtp")
	defer span.End()

	if in.UserID == "" || in.Purpose == "" {
		return nil, goerror.NewInvalidFormat("user_id and purpose required")
	}
	if in.IdempotencyKey == "" {
		return nil, goerror.NewInvalidFormat("Idempotency-Key required")
	}

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	release, err := s.acquireKey(ctx, in.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	out, issued, err := s.requestOtpTx(ctx, in)
	if err != nil {
		release()
		return nil, err
	}

	s.markKeyCompleted(ctx, in.IdempotencyKey)

	if issued != nil {
		if err := s.repoMessaging.PublishPasscodeIssued(ctx, PasscodeIssuedEvent{
			OtpID:     issued.ID,
			UserID:    issued.UserID,
			Purpose:   issued.Purpose,
			Code:      issued.Code,
			ExpiresAt: issued.ExpiresAt,
		}); err != nil {
			slog.ErrorContext(ctx, "failed to publish passcode issued event",
				"otp_id", issued.ID, "error", err)
		}
	}

	return out, nil
}

// requestOtpTx runs the throttle check, idempotency lookup, and issuance as
// one transaction. It returns the freshly issued passcode only on a
// non-replayed call, so the caller knows whether to publish the event.
func (s *Usecase) requestOtpTx(
	ctx context.Context,
	in RequestOtpInput,
) (*RequestOtpOutput, *entity.Passcode, error) {
	var (
		out    *RequestOtpOutput
		issued *entity.Passcode
	)

	err := s.runAtomic(ctx, func(ctx context.Context, store Store) error {
		// A retried attempt starts from scratch: anything captured by a
		// previous, rolled-back attempt must not leak into this one,
		// otherwise a replay could publish a passcode that never committed.
		out, issued = nil, nil

		now := s.clock.Now()

		if err := store.LockThrottleKeys(ctx, in.UserID, in.IP); err != nil {
			slog.ErrorContext(ctx, "failed to lock throttle keys", "error", err)
			return goerror.NewServer(err)
		}

		if err := s.checkThrottle(ctx, store, entity.ThrottleScopeUser, in.UserID, now); err != nil {
			return err
		}
		if err := s.checkThrottle(ctx, store, entity.ThrottleScopeIP, in.IP, now); err != nil {
			return err
		}

		rec, err := store.GetIdempotencyRecord(ctx, in.IdempotencyKey, now.Add(-s.idempotencyTTL()))
		if err == nil {
			if !s.hmac.Verify(rec.Fingerprint, string(in.Payload)) {
				return goerror.NewBusiness(
					"Idempotency-Key already used with a different payload",
					goerror.CodeConflict,
				)
			}

			out = &RequestOtpOutput{Body: rec.Response, Replayed: true}
			return nil
		}
		if !errors.Is(err, goerror.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to look up idempotency key", "error", err)
			return goerror.NewServer(err)
		}

		if err := store.CreateRequestLog(ctx, entity.RequestLog{
			ID:        s.uid.Generate(),
			UserID:    in.UserID,
			IP:        in.IP,
			CreatedAt: now,
		}); err != nil {
			slog.ErrorContext(ctx, "failed to append request log", "error", err)
			return goerror.NewServer(err)
		}

		passcode, err := s.issuePasscode(ctx, store, in.UserID, in.Purpose, now)
		if err != nil {
			return err
		}

		body, err := json.Marshal(issuedResponse{OtpID: passcode.ID, TTL: PasscodeTTLSeconds})
		if err != nil {
			return goerror.NewServer(err)
		}

		fp, err := s.fingerprint(in.Payload)
		if err != nil {
			slog.ErrorContext(ctx, "failed to fingerprint payload", "error", err)
			return goerror.NewServer(err)
		}

		if err := store.CreateIdempotencyRecord(ctx, entity.IdempotencyRecord{
			Key:         in.IdempotencyKey,
			Fingerprint: fp,
			Response:    body,
			CreatedAt:   now,
		}); err != nil {
			slog.ErrorContext(ctx, "failed to store idempotency record", "error", err)
			return goerror.NewServer(err)
		}

		out = &RequestOtpOutput{
			OtpID: passcode.ID,
			TTL:   PasscodeTTLSeconds,
			Body:  body,
		}
		issued = passcode

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return out, issued, nil
}
