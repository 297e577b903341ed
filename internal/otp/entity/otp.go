package entity

import "time"

// Passcode is one issued OTP for a (user, purpose) key.
//
// At most one passcode per key may be live (unused, unexpired) at a time;
// issuing a new one supersedes any live predecessor. Rows for consumed or
// locked passcodes are kept for audit until the pruner removes them.
type Passcode struct {
	ID        int64
	UserID    string
	Purpose   string
	Code      string
	Used      bool
	Attempts  int16
	CreatedAt time.Time
	ExpiresAt time.Time
}

// MaxAttempts is the verification attempt budget per passcode.
const MaxAttempts int16 = 3

// StateAt derives the lifecycle state of the passcode at the given instant.
//
// Order matters: a consumed passcode stays Used even after its expiry time,
// and an exhausted one stays Locked, because both outcomes are terminal for
// this record regardless of the clock.
func (p Passcode) StateAt(now time.Time) PasscodeState {
	switch {
	case p.Used:
		return PasscodeStateUsed
	case p.Attempts >= MaxAttempts:
		return PasscodeStateLocked
	case !p.ExpiresAt.After(now):
		return PasscodeStateExpired
	default:
		return PasscodeStateActive
	}
}

// RequestLog is one accepted issuance request, kept for sliding-window
// throttle accounting. Append-only.
type RequestLog struct {
	ID        int64
	UserID    string
	IP        string
	CreatedAt time.Time
}

// IdempotencyRecord caches the exact response produced for one
// Idempotency-Key, written in the same transaction as the passcode it
// answers for.
type IdempotencyRecord struct {
	Key         string
	Fingerprint string
	Response    []byte
	CreatedAt   time.Time
}
