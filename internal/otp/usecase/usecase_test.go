package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/config"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
	"github.com/shandysiswandi/otpgate/internal/pkg/hash"
	"github.com/shandysiswandi/otpgate/internal/pkg/idempotency"
	"github.com/shandysiswandi/otpgate/internal/pkg/instrument"
	"github.com/shandysiswandi/otpgate/internal/pkg/otpcode"
	"github.com/shandysiswandi/otpgate/internal/pkg/validator"
)

// memStore is an in-memory stand-in for the relational store. RunAtomic
// serializes units of work behind one mutex and restores a snapshot when fn
// fails, mirroring transaction rollback.
type memStore struct {
	mu        sync.Mutex
	logs      []entity.RequestLog
	idem      map[string]entity.IdempotencyRecord
	passcodes []entity.Passcode
}

func newMemStore() *memStore {
	return &memStore{idem: map[string]entity.IdempotencyRecord{}}
}

func (m *memStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, store Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logs := append([]entity.RequestLog(nil), m.logs...)
	passcodes := append([]entity.Passcode(nil), m.passcodes...)
	idem := make(map[string]entity.IdempotencyRecord, len(m.idem))
	for k, v := range m.idem {
		idem[k] = v
	}

	if err := fn(ctx, (*memTx)(m)); err != nil {
		m.logs, m.passcodes, m.idem = logs, passcodes, idem
		return err
	}

	return nil
}

func (m *memStore) DeleteDeadPasscodes(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []entity.Passcode
	var n int64
	for _, p := range m.passcodes {
		if p.ExpiresAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.passcodes = kept

	return n, nil
}

func (m *memStore) DeleteOldRequestLogs(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []entity.RequestLog
	var n int64
	for _, l := range m.logs {
		if l.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept

	return n, nil
}

func (m *memStore) DeleteOldIdempotencyRecords(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.idem {
		if rec.CreatedAt.Before(before) {
			delete(m.idem, k)
			n++
		}
	}

	return n, nil
}

func (m *memStore) livePasscode(userID, purpose string, now time.Time) (entity.Passcode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return (*memTx)(m).latest(userID, purpose, now)
}

// serializationOnceStore aborts the first unit of work with a serialization
// failure after it has run, then installs a competing idempotency record
// before the retry, mimicking a concurrent request winning the commit race.
type serializationOnceStore struct {
	*memStore
	winner  entity.IdempotencyRecord
	aborted bool
}

func (s *serializationOnceStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, store Store) error) error {
	if s.aborted {
		return s.memStore.RunAtomic(ctx, fn)
	}
	s.aborted = true

	err := s.memStore.RunAtomic(ctx, func(ctx context.Context, store Store) error {
		if err := fn(ctx, store); err != nil {
			return err
		}
		return goerror.ErrSerialization
	})
	if errors.Is(err, goerror.ErrSerialization) {
		s.mu.Lock()
		s.idem[s.winner.Key] = s.winner
		s.mu.Unlock()
	}

	return err
}

// memTx is the transactional view of memStore. The RunAtomic mutex is held
// for its whole lifetime, so methods touch state directly.
type memTx memStore

func (m *memTx) LockThrottleKeys(context.Context, string, string) error { return nil }

func (m *memTx) RequestTimesInWindow(
	_ context.Context,
	scope entity.ThrottleScope,
	identifier string,
	since time.Time,
) ([]time.Time, error) {
	var times []time.Time
	for _, l := range m.logs {
		id := l.UserID
		if scope == entity.ThrottleScopeIP {
			id = l.IP
		}
		if id == identifier && l.CreatedAt.After(since) {
			times = append(times, l.CreatedAt)
		}
	}

	return times, nil
}

func (m *memTx) CreateRequestLog(_ context.Context, log entity.RequestLog) error {
	m.logs = append(m.logs, log)
	return nil
}

func (m *memTx) GetIdempotencyRecord(_ context.Context, key string, since time.Time) (*entity.IdempotencyRecord, error) {
	rec, ok := m.idem[key]
	if !ok || !rec.CreatedAt.After(since) {
		return nil, goerror.ErrNotFound
	}

	return &rec, nil
}

func (m *memTx) CreateIdempotencyRecord(_ context.Context, rec entity.IdempotencyRecord) error {
	if _, ok := m.idem[rec.Key]; ok {
		return goerror.ErrConflict
	}
	m.idem[rec.Key] = rec

	return nil
}

func (m *memTx) DeleteLivePasscodes(_ context.Context, userID, purpose string, now time.Time) error {
	var kept []entity.Passcode
	for _, p := range m.passcodes {
		if p.UserID == userID && p.Purpose == purpose && !p.Used && p.ExpiresAt.After(now) {
			continue
		}
		kept = append(kept, p)
	}
	m.passcodes = kept

	return nil
}

func (m *memTx) CreatePasscode(_ context.Context, p entity.Passcode) error {
	m.passcodes = append(m.passcodes, p)
	return nil
}

func (m *memTx) GetLivePasscodeForUpdate(
	_ context.Context,
	userID, purpose string,
	now time.Time,
) (*entity.Passcode, error) {
	p, ok := m.latest(userID, purpose, now)
	if !ok {
		return nil, goerror.ErrNotFound
	}

	return &p, nil
}

func (m *memTx) latest(userID, purpose string, now time.Time) (entity.Passcode, bool) {
	var found entity.Passcode
	var ok bool
	for _, p := range m.passcodes {
		if p.UserID != userID || p.Purpose != purpose || !p.ExpiresAt.After(now) {
			continue
		}
		if !ok || p.CreatedAt.After(found.CreatedAt) {
			found, ok = p, true
		}
	}

	return found, ok
}

func (m *memTx) MarkPasscodeUsed(_ context.Context, id int64) error {
	for i := range m.passcodes {
		if m.passcodes[i].ID == id {
			m.passcodes[i].Used = true
			return nil
		}
	}

	return goerror.ErrNotFound
}

func (m *memTx) IncrementPasscodeAttempts(_ context.Context, id int64) error {
	for i := range m.passcodes {
		if m.passcodes[i].ID == id {
			m.passcodes[i].Attempts++
			return nil
		}
	}

	return goerror.ErrNotFound
}

type fakeTracker struct {
	mu        sync.Mutex
	state     idempotency.State
	err       error
	released  []string
	completed []string
}

func (f *fakeTracker) Acquire(context.Context, string, time.Duration) (idempotency.State, error) {
	if f.err != nil {
		return idempotency.StateError, f.err
	}
	if f.state == "" {
		return idempotency.StateNone, nil
	}

	return f.state, nil
}

func (f *fakeTracker) MarkCompleted(_ context.Context, key string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, key)

	return nil
}

func (f *fakeTracker) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, key)

	return nil
}

type fakeMessaging struct {
	mu     sync.Mutex
	events []PasscodeIssuedEvent
}

func (f *fakeMessaging) PublishPasscodeIssued(_ context.Context, msg PasscodeIssuedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, msg)

	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type seqUID struct{ n int64 }

func (s *seqUID) Generate() int64 { return atomic.AddInt64(&s.n, 1) }

// fixedCodes always issues the same passcode so tests can verify it.
type fixedCodes struct{ code string }

func (f fixedCodes) Generate() (string, error) { return f.code, nil }

type testEnv struct {
	uc        *Usecase
	store     *memStore
	tracker   *fakeTracker
	messaging *fakeMessaging
	clock     *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg, err := config.NewViperFromBytes("yaml", []byte(""))
	if err != nil {
		t.Fatalf("init config: %v", err)
	}

	v10, err := validator.NewV10Validator()
	if err != nil {
		t.Fatalf("init validator: %v", err)
	}

	ins, err := instrument.New(context.Background(), nil)
	if err != nil {
		t.Fatalf("init instrumentation: %v", err)
	}

	env := &testEnv{
		store:     newMemStore(),
		tracker:   &fakeTracker{},
		messaging: &fakeMessaging{},
		clock:     &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
	}

	env.uc = New(Dependency{
		RepoDB:        env.store,
		RepoMessaging: env.messaging,
		Tracker:       env.tracker,
		Validator:     v10,
		Config:        cfg,
		HMAC:          hash.NewHMACSHA256("test-secret"),
		Codes:         fixedCodes{code: "654321"},
		UID:           &seqUID{},
		Clock:         env.clock,
		Instrument:    ins,
	})

	return env
}

var _ otpcode.Generator = fixedCodes{}
