package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
)

// PasscodeTTLSeconds is how long an issued passcode stays verifiable.
const PasscodeTTLSeconds = 300

// verifyOutcome is the explicit result of one verification transition.
// Outcomes are not transaction failures: a mismatch commits its attempt
// increment and is translated to an error only after the commit.
type verifyOutcome int

const (
	verifyOutcomeSuccess verifyOutcome = iota
	verifyOutcomeNoActive
	verifyOutcomeCodeUsed
	verifyOutcomeLocked
	verifyOutcomeMismatch
)

func (o verifyOutcome) err() error {
	switch o {
	case verifyOutcomeNoActive:
		return goerror.NewBusiness("No active OTP", goerror.CodeInvalidInput)
	case verifyOutcomeCodeUsed:
		return goerror.NewBusiness("code_used", goerror.CodeGone)
	case verifyOutcomeLocked:
		return goerror.NewBusiness("Too many attempts", goerror.CodeTooManyRequest)
	case verifyOutcomeMismatch:
		return goerror.NewBusiness("Invalid code", goerror.CodeUnauthorized)
	default:
		return nil
	}
}

// issuePasscode supersedes any live passcode for the key and inserts a fresh
// one, keeping the single-live invariant inside the caller's transaction.
func (s *Usecase) issuePasscode(
	ctx context.Context,
	store Store,
	userID, purpose string,
	now time.Time,
) (*entity.Passcode, error) {
	if err := store.DeleteLivePasscodes(ctx, userID, purpose, now); err != nil {
		slog.ErrorContext(ctx, "failed to supersede live passcodes", "error", err)
		return nil, goerror.NewServer(err)
	}

	code, err := s.codes.Generate()
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate passcode", "error", err)
		return nil, goerror.NewServer(err)
	}

	passcode := entity.Passcode{
		ID:        s.uid.Generate(),
		UserID:    userID,
		Purpose:   purpose,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(PasscodeTTLSeconds * time.Second),
	}

	if err := store.CreatePasscode(ctx, passcode); err != nil {
		slog.ErrorContext(ctx, "failed to create passcode", "error", err)
		return nil, goerror.NewServer(err)
	}

	return &passcode, nil
}

// verifyPasscode applies one verification attempt against the live passcode
// for the key. The record is read under an exclusive lock, so racing
// attempts serialize and at most one can consume the code.
func (s *Usecase) verifyPasscode(
	ctx context.Context,
	store Store,
	userID, purpose, code string,
	now time.Time,
) (verifyOutcome, error) {
	passcode, err := store.GetLivePasscodeForUpdate(ctx, userID, purpose, now)
	if err != nil {
		if errors.Is(err, goerror.ErrNotFound) {
			return verifyOutcomeNoActive, nil
		}
		slog.ErrorContext(ctx, "failed to read passcode for verification", "error", err)
		return verifyOutcomeNoActive, goerror.NewServer(err)
	}

	switch passcode.StateAt(now) {
	case entity.PasscodeStateUsed:
		return verifyOutcomeCodeUsed, nil
	case entity.PasscodeStateLocked:
		return verifyOutcomeLocked, nil
	case entity.PasscodeStateExpired:
		return verifyOutcomeNoActive, nil
	}

	if subtle.ConstantTimeCompare([]byte(passcode.Code), []byte(code)) == 1 {
		if err := store.MarkPasscodeUsed(ctx, passcode.ID); err != nil {
			slog.ErrorContext(ctx, "failed to mark passcode used", "error", err)
			return verifyOutcomeSuccess, goerror.NewServer(err)
		}
		return verifyOutcomeSuccess, nil
	}

	if err := store.IncrementPasscodeAttempts(ctx, passcode.ID); err != nil {
		slog.ErrorContext(ctx, "failed to count failed attempt", "error", err)
		return verifyOutcomeMismatch, goerror.NewServer(err)
	}

	return verifyOutcomeMismatch, nil
}
