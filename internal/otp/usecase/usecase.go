package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/clock"
	"github.com/shandysiswandi/otpgate/internal/pkg/config"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
	"github.com/shandysiswandi/otpgate/internal/pkg/hash"
	"github.com/shandysiswandi/otpgate/internal/pkg/idempotency"
	"github.com/shandysiswandi/otpgate/internal/pkg/instrument"
	"github.com/shandysiswandi/otpgate/internal/pkg/otpcode"
	"github.com/shandysiswandi/otpgate/internal/pkg/uid"
	"github.com/shandysiswandi/otpgate/internal/pkg/validator"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/trace"
)

type PasscodeIssuedEvent struct {
	OtpID     int64
	UserID    string
	Purpose   string
	Code      string
	ExpiresAt time.Time
}

type repoMessaging interface {
	PublishPasscodeIssued(ctx context.Context, msg PasscodeIssuedEvent) error
}

// Store is the transactional view the db layer hands to a unit of work.
// Every method runs inside the transaction opened by RunAtomic; a returned
// error aborts it and rolls back all prior writes.
type Store interface {
	// LockThrottleKeys serializes concurrent issuance for the same user or
	// address so the window count and the log insert act as one step.
	LockThrottleKeys(ctx context.Context, userID, ip string) error
	RequestTimesInWindow(ctx context.Context, scope entity.ThrottleScope, identifier string, since time.Time) ([]time.Time, error)
	CreateRequestLog(ctx context.Context, log entity.RequestLog) error

	GetIdempotencyRecord(ctx context.Context, key string, since time.Time) (*entity.IdempotencyRecord, error)
	CreateIdempotencyRecord(ctx context.Context, rec entity.IdempotencyRecord) error

	DeleteLivePasscodes(ctx context.Context, userID, purpose string, now time.Time) error
	CreatePasscode(ctx context.Context, p entity.Passcode) error
	// GetLivePasscodeForUpdate reads the unexpired passcode for the key under
	// an exclusive row lock, so concurrent verifications serialize.
	GetLivePasscodeForUpdate(ctx context.Context, userID, purpose string, now time.Time) (*entity.Passcode, error)
	MarkPasscodeUsed(ctx context.Context, id int64) error
	IncrementPasscodeAttempts(ctx context.Context, id int64) error
}

type repoDB interface {
	RunAtomic(ctx context.Context, fn func(ctx context.Context, store Store) error) error

	DeleteDeadPasscodes(ctx context.Context, before time.Time) (int64, error)
	DeleteOldRequestLogs(ctx context.Context, before time.Time) (int64, error)
	DeleteOldIdempotencyRecords(ctx context.Context, before time.Time) (int64, error)
}

type Usecase struct {
	repoDB        repoDB
	repoMessaging repoMessaging
	tracker       idempotency.Tracker
	validator     validator.Validator
	cfg           config.Config
	hmac          hash.Hash
	codes         otpcode.Generator
	uid           uid.NumberID
	clock         clock.Clocker
	ins           instrument.Instrumentation
}

type Dependency struct {
	RepoDB        repoDB
	RepoMessaging repoMessaging
	Tracker       idempotency.Tracker
	Validator     validator.Validator
	Config        config.Config
	HMAC          hash.Hash
	Codes         otpcode.Generator
	UID           uid.NumberID
	Clock         clock.Clocker
	Instrument    instrument.Instrumentation
}

func New(dep Dependency) *Usecase {
	return &Usecase{
		repoDB:        dep.RepoDB,
		repoMessaging: dep.RepoMessaging,
		tracker:       dep.Tracker,
		validator:     dep.Validator,
		cfg:           dep.Config,
		hmac:          dep.HMAC,
		codes:         dep.Codes,
		uid:           dep.UID,
		clock:         dep.Clock,
		ins:           dep.Instrument,
	}
}

func (s *Usecase) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.ins.Tracer("otp.usecase").Start(ctx, name)
}

// runAtomic executes fn as one transaction, retrying the whole unit of work
// when the store aborts on a serialization failure or deadlock.
func (s *Usecase) runAtomic(ctx context.Context, fn func(ctx context.Context, store Store) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(10*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.repoDB.RunAtomic(ctx, fn)
		if errors.Is(err, goerror.ErrSerialization) {
			return retry.RetryableError(err)
		}

		return err
	})
}
