package usecase

import (
	"context"

	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
)

type VerifyOtpInput struct {
	UserID  string `validate:"required,max=100"`
	Purpose string `validate:"required,max=100"`
	Code    string `validate:"required,otpcode"`
}

type VerifyOtpOutput struct {
	Success bool
}

func (s *Usecase) VerifyOtp(ctx context.Context, in VerifyOtpInput) (*VerifyOtpOutput, error) {
	ctx, span := s.startSpan(ctx, "VerifyOtp")
	defer span.End()

	if in.UserID == "" || in.Purpose == "" || in.Code == "" {
		return nil, goerror.NewInvalidFormat("user_id, purpose, and code required")
	}

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	// The outcome is carried out of the transaction instead of returned as
	// an error: a mismatched code must commit its attempts increment, and
	// rolling back on the domain error would lose it.
	var outcome verifyOutcome

	err := s.runAtomic(ctx, func(ctx context.Context, store Store) error {
		var err error
		outcome, err = s.verifyPasscode(ctx, store, in.UserID, in.Purpose, in.Code, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := outcome.err(); err != nil {
		return nil, err
	}

	return &VerifyOtpOutput{Success: true}, nil
}
