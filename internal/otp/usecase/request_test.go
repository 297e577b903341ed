package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
	"github.com/shandysiswandi/otpgate/internal/pkg/idempotency"
)

func requestInput(userID, ip, key string) RequestOtpInput {
	return RequestOtpInput{
		UserID:         userID,
		Purpose:        "login",
		IP:             ip,
		IdempotencyKey: key,
		Payload:        []byte(`{"user_id":"` + userID + `","purpose":"login"}`),
	}
}

func asGoError(t *testing.T, err error) *goerror.Error {
	t.Helper()

	var gerr *goerror.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *goerror.Error, got %T: %v", err, err)
	}

	return gerr
}

func TestRequestOtp(t *testing.T) {
	t.Run("MissingUserOrPurpose", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)

		// Act
		_, err := env.uc.RequestOtp(context.Background(), RequestOtpInput{
			IP:             "10.0.0.1",
			IdempotencyKey: "key-1",
		})

		// Assert
		gerr := asGoError(t, err)
		if gerr.Msg() != "user_id and purpose required" {
			t.Fatalf("unexpected message: %q", gerr.Msg())
		}
		if gerr.Code() != goerror.CodeInvalidFormat {
			t.Fatalf("unexpected code: %v", gerr.Code())
		}
	})

	t.Run("MissingIdempotencyKey", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		in := requestInput("user-1", "10.0.0.1", "")

		// Act
		_, err := env.uc.RequestOtp(context.Background(), in)

		// Assert
		gerr := asGoError(t, err)
		if gerr.Msg() != "Idempotency-Key required" {
			t.Fatalf("unexpected message: %q", gerr.Msg())
		}
	})

	t.Run("IssuesFreshPasscode", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		in := requestInput("user-1", "10.0.0.1", "key-1")

		// Act
		out, err := env.uc.RequestOtp(context.Background(), in)

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Replayed {
			t.Fatalf("expected a fresh issuance, got a replay")
		}
		if out.TTL != PasscodeTTLSeconds {
			t.Fatalf("unexpected ttl: %d", out.TTL)
		}
		p, ok := env.store.livePasscode("user-1", "login", env.clock.Now())
		if !ok {
			t.Fatalf("expected a live passcode")
		}
		if p.Code != "654321" {
			t.Fatalf("unexpected code: %q", p.Code)
		}
		if len(env.store.logs) != 1 {
			t.Fatalf("expected 1 request log, got %d", len(env.store.logs))
		}
		if len(env.messaging.events) != 1 {
			t.Fatalf("expected 1 published event, got %d", len(env.messaging.events))
		}
		if env.messaging.events[0].OtpID != out.OtpID {
			t.Fatalf("event otp id mismatch: %d vs %d", env.messaging.events[0].OtpID, out.OtpID)
		}
	})

	t.Run("ReplaysByteIdenticalResponse", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		in := requestInput("user-1", "10.0.0.1", "key-1")
		first, err := env.uc.RequestOtp(context.Background(), in)
		if err != nil {
			t.Fatalf("first request: %v", err)
		}

		// Act
		second, err := env.uc.RequestOtp(context.Background(), in)

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !second.Replayed {
			t.Fatalf("expected a replay")
		}
		if !bytes.Equal(first.Body, second.Body) {
			t.Fatalf("replay body differs: %s vs %s", first.Body, second.Body)
		}
		if len(env.store.logs) != 1 {
			t.Fatalf("replay must not append a request log, got %d", len(env.store.logs))
		}
		if len(env.store.passcodes) != 1 {
			t.Fatalf("replay must not issue a new passcode, got %d", len(env.store.passcodes))
		}
		if len(env.messaging.events) != 1 {
			t.Fatalf("replay must not publish again, got %d events", len(env.messaging.events))
		}
	})

	t.Run("RetriedAttemptReplaysWinnerWithoutEvent", func(t *testing.T) {

		// Arrange: the first attempt issues a passcode but aborts on a
		// serialization failure; a concurrent request with the same key
		// commits before the retry runs.
		env := newTestEnv(t)
		in := requestInput("user-1", "10.0.0.1", "key-1")
		fp, err := env.uc.fingerprint(in.Payload)
		if err != nil {
			t.Fatalf("fingerprint: %v", err)
		}
		winnerBody := []byte(`{"otp_id":777,"ttl":300}`)
		env.uc.repoDB = &serializationOnceStore{
			memStore: env.store,
			winner: entity.IdempotencyRecord{
				Key:         "key-1",
				Fingerprint: fp,
				Response:    winnerBody,
				CreatedAt:   env.clock.Now(),
			},
		}

		// Act
		out, err := env.uc.RequestOtp(context.Background(), in)

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !out.Replayed {
			t.Fatalf("expected the committed response replayed")
		}
		if !bytes.Equal(out.Body, winnerBody) {
			t.Fatalf("unexpected body: %s", out.Body)
		}
		if len(env.messaging.events) != 0 {
			t.Fatalf("rolled-back issuance must not publish, got %d events", len(env.messaging.events))
		}
		if len(env.store.passcodes) != 0 {
			t.Fatalf("rolled-back passcode must not survive, got %d rows", len(env.store.passcodes))
		}
	})

	t.Run("RejectsReusedKeyWithDifferentPayload", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		in := requestInput("user-1", "10.0.0.1", "key-1")
		if _, err := env.uc.RequestOtp(context.Background(), in); err != nil {
			t.Fatalf("first request: %v", err)
		}
		in.Payload = []byte(`{"user_id":"user-1","purpose":"reset"}`)

		// Act
		_, err := env.uc.RequestOtp(context.Background(), in)

		// Assert
		gerr := asGoError(t, err)
		if gerr.Code() != goerror.CodeConflict {
			t.Fatalf("unexpected code: %v", gerr.Code())
		}
		if gerr.Msg() != "Idempotency-Key already used with a different payload" {
			t.Fatalf("unexpected message: %q", gerr.Msg())
		}
	})

	t.Run("ThrottlesUserAtLimit", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		for i := range 3 {
			in := requestInput("user-1", fmt.Sprintf("10.0.0.%d", i+1), fmt.Sprintf("key-%d", i))
			if _, err := env.uc.RequestOtp(context.Background(), in); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
			env.clock.Advance(time.Minute)
		}

		// Act
		_, err := env.uc.RequestOtp(context.Background(), requestInput("user-1", "10.0.0.9", "key-9"))

		// Assert
		gerr := asGoError(t, err)
		if gerr.Code() != goerror.CodeTooManyRequest {
			t.Fatalf("unexpected code: %v", gerr.Code())
		}
		if gerr.Msg() != "Too many requests for this user" {
			t.Fatalf("unexpected message: %q", gerr.Msg())
		}
		retryAfter, ok := gerr.RetryAfter()
		if !ok {
			t.Fatalf("expected a retry delay")
		}
		// Oldest request was 3 minutes ago, so the slot frees in 12 minutes.
		if retryAfter != 12*60 {
			t.Fatalf("unexpected retry_after: %d", retryAfter)
		}
	})

	t.Run("ThrottleAnchorsOnOldestRegardlessOfRowOrder", func(t *testing.T) {

		// Arrange: window rows in the store are not ordered; the oldest is
		// in the middle.
		env := newTestEnv(t)
		base := env.clock.Now()
		for i, offset := range []time.Duration{2 * time.Minute, 0, time.Minute} {
			env.store.logs = append(env.store.logs, entity.RequestLog{
				ID:        int64(i + 1),
				UserID:    "user-1",
				IP:        "10.0.0.1",
				CreatedAt: base.Add(offset),
			})
		}
		env.clock.Advance(3 * time.Minute)

		// Act
		_, err := env.uc.RequestOtp(context.Background(), requestInput("user-1", "10.0.0.9", "key-9"))

		// Assert
		gerr := asGoError(t, err)
		retryAfter, ok := gerr.RetryAfter()
		if !ok {
			t.Fatalf("expected a retry delay")
		}
		// Oldest accepted request was 3 minutes ago, so the slot frees in 12.
		if retryAfter != 12*60 {
			t.Fatalf("unexpected retry_after: %d", retryAfter)
		}
	})

	t.Run("ThrottlesIPAtLimit", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		for i := range 8 {
			in := requestInput(fmt.Sprintf("user-%d", i), "10.0.0.1", fmt.Sprintf("key-%d", i))
			if _, err := env.uc.RequestOtp(context.Background(), in); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
		}

		// Act
		_, err := env.uc.RequestOtp(context.Background(), requestInput("user-9", "10.0.0.1", "key-9"))

		// Assert
		gerr := asGoError(t, err)
		if gerr.Msg() != "Too many requests from this IP" {
			t.Fatalf("unexpected message: %q", gerr.Msg())
		}
		retryAfter, ok := gerr.RetryAfter()
		if !ok {
			t.Fatalf("expected a retry delay")
		}
		if retryAfter != 15*60 {
			t.Fatalf("unexpected retry_after: %d", retryAfter)
		}
	})

	t.Run("WindowSlidesPastOldRequests", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		for i := range 3 {
			in := requestInput("user-1", fmt.Sprintf("10.0.0.%d", i+1), fmt.Sprintf("key-%d", i))
			if _, err := env.uc.RequestOtp(context.Background(), in); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
		}
		env.clock.Advance(16 * time.Minute)

		// Act
		out, err := env.uc.RequestOtp(context.Background(), requestInput("user-1", "10.0.0.9", "key-9"))

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Replayed {
			t.Fatalf("expected a fresh issuance")
		}
	})

	t.Run("SupersedesPreviousLivePasscode", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		if _, err := env.uc.RequestOtp(context.Background(), requestInput("user-1", "10.0.0.1", "key-1")); err != nil {
			t.Fatalf("first request: %v", err)
		}

		// Act
		out, err := env.uc.RequestOtp(context.Background(), requestInput("user-1", "10.0.0.2", "key-2"))

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(env.store.passcodes) != 1 {
			t.Fatalf("expected the old passcode superseded, got %d rows", len(env.store.passcodes))
		}
		if env.store.passcodes[0].ID != out.OtpID {
			t.Fatalf("expected the fresh passcode to survive")
		}
	})

	t.Run("RejectsKeyStillInFlight", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		env.tracker.state = idempotency.StateInProgress

		// Act
		_, err := env.uc.RequestOtp(context.Background(), requestInput("user-1", "10.0.0.1", "key-1"))

		// Assert
		gerr := asGoError(t, err)
		if gerr.Code() != goerror.CodeConflict {
			t.Fatalf("unexpected code: %v", gerr.Code())
		}
	})

	t.Run("TrackerOutageFailsOpen", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		env.tracker.err = errors.New("redis down")

		// Act
		out, err := env.uc.RequestOtp(context.Background(), requestInput("user-1", "10.0.0.1", "key-1"))

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.OtpID == 0 {
			t.Fatalf("expected an issued passcode")
		}
	})

	t.Run("ThrottledRequestLeavesNoTrace", func(t *testing.T) {

		// Arrange
		env := newTestEnv(t)
		for i := range 3 {
			in := requestInput("user-1", fmt.Sprintf("10.0.0.%d", i+1), fmt.Sprintf("key-%d", i))
			if _, err := env.uc.RequestOtp(context.Background(), in); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
		}

		// Act
		_, err := env.uc.RequestOtp(context.Background(), requestInput("user-1", "10.0.0.9", "key-9"))

		// Assert
		if err == nil {
			t.Fatalf("expected a throttle error")
		}
		if len(env.store.logs) != 3 {
			t.Fatalf("throttled request must not be logged, got %d", len(env.store.logs))
		}
		if _, ok := env.store.idem["key-9"]; ok {
			t.Fatalf("throttled request must not store an idempotency record")
		}
	})
}
