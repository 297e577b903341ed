package inbound

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shandysiswandi/otpgate/internal/otp/usecase"
	"github.com/shandysiswandi/otpgate/internal/pkg/config"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
	"github.com/shandysiswandi/otpgate/internal/pkg/instrument"
	"github.com/shandysiswandi/otpgate/internal/pkg/router"
	"github.com/shandysiswandi/otpgate/internal/pkg/uid"
)

type fakeUsecase struct {
	requestFn func(ctx context.Context, in usecase.RequestOtpInput) (*usecase.RequestOtpOutput, error)
	verifyFn  func(ctx context.Context, in usecase.VerifyOtpInput) (*usecase.VerifyOtpOutput, error)
}

func (f *fakeUsecase) RequestOtp(ctx context.Context, in usecase.RequestOtpInput) (*usecase.RequestOtpOutput, error) {
	return f.requestFn(ctx, in)
}

func (f *fakeUsecase) VerifyOtp(ctx context.Context, in usecase.VerifyOtpInput) (*usecase.VerifyOtpOutput, error) {
	return f.verifyFn(ctx, in)
}

func newTestServer(t *testing.T, uc *fakeUsecase) *httptest.Server {
	t.Helper()

	cfg, err := config.NewViperFromBytes("yaml", []byte(""))
	if err != nil {
		t.Fatalf("init config: %v", err)
	}

	ins, err := instrument.New(context.Background(), nil)
	if err != nil {
		t.Fatalf("init instrumentation: %v", err)
	}

	r := router.NewRouter(router.Config{
		Config:     cfg,
		UUID:       uid.NewUUID(),
		Instrument: ins,
	})
	RegisterHTTPEndpoint(r, uc)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return srv
}

func postJSON(t *testing.T, url, body, idempotencyKey string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	return resp.StatusCode, raw
}

func TestRequestOtpEndpoint(t *testing.T) {
	t.Run("FreshIssuanceReturns201", func(t *testing.T) {

		// Arrange
		uc := &fakeUsecase{
			requestFn: func(_ context.Context, in usecase.RequestOtpInput) (*usecase.RequestOtpOutput, error) {
				if in.UserID != "user-1" || in.Purpose != "login" {
					t.Errorf("unexpected input: %+v", in)
				}
				if in.IdempotencyKey != "key-1" {
					t.Errorf("unexpected idempotency key: %q", in.IdempotencyKey)
				}
				if in.IP == "" {
					t.Errorf("expected a client address")
				}
				return &usecase.RequestOtpOutput{
					OtpID: 42,
					TTL:   300,
					Body:  []byte(`{"otp_id":42,"ttl":300}`),
				}, nil
			},
		}
		srv := newTestServer(t, uc)

		// Act
		status, body := postJSON(t, srv.URL+"/api/v1/otp/request", `{"user_id":"user-1","purpose":"login"}`, "key-1")

		// Assert
		if status != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", status, body)
		}
		if string(body) != `{"otp_id":42,"ttl":300}` {
			t.Fatalf("unexpected body: %s", body)
		}
	})

	t.Run("ReplayReturns200WithStoredBytes", func(t *testing.T) {

		// Arrange
		stored := `{"otp_id":42,"ttl":300}`
		uc := &fakeUsecase{
			requestFn: func(context.Context, usecase.RequestOtpInput) (*usecase.RequestOtpOutput, error) {
				return &usecase.RequestOtpOutput{Body: []byte(stored), Replayed: true}, nil
			},
		}
		srv := newTestServer(t, uc)

		// Act
		status, body := postJSON(t, srv.URL+"/api/v1/otp/request", `{"user_id":"user-1","purpose":"login"}`, "key-1")

		// Assert
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if string(body) != stored {
			t.Fatalf("replay body differs: %s", body)
		}
	})

	t.Run("MissingFieldsReturn400", func(t *testing.T) {

		// Arrange
		uc := &fakeUsecase{
			requestFn: func(context.Context, usecase.RequestOtpInput) (*usecase.RequestOtpOutput, error) {
				return nil, goerror.NewInvalidFormat("user_id and purpose required")
			},
		}
		srv := newTestServer(t, uc)

		// Act
		status, body := postJSON(t, srv.URL+"/api/v1/otp/request", `{}`, "key-1")

		// Assert
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
		var resp map[string]any
		if err := json.Unmarshal(body, &resp); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if resp["error"] != "user_id and purpose required" {
			t.Fatalf("unexpected error message: %v", resp["error"])
		}
	})

	t.Run("ThrottledReturns429WithRetryAfter", func(t *testing.T) {

		// Arrange
		uc := &fakeUsecase{
			requestFn: func(context.Context, usecase.RequestOtpInput) (*usecase.RequestOtpOutput, error) {
				return nil, goerror.NewThrottled("Too many requests for this user", 720)
			},
		}
		srv := newTestServer(t, uc)

		// Act
		status, body := postJSON(t, srv.URL+"/api/v1/otp/request", `{"user_id":"user-1","purpose":"login"}`, "key-1")

		// Assert
		if status != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", status)
		}
		var resp struct {
			Error      string `json:"error"`
			RetryAfter *int64 `json:"retry_after"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if resp.RetryAfter == nil || *resp.RetryAfter != 720 {
			t.Fatalf("expected retry_after 720, got %v", resp.RetryAfter)
		}
	})

	t.Run("MalformedBodyReturns400", func(t *testing.T) {

		// Arrange
		uc := &fakeUsecase{
			requestFn: func(context.Context, usecase.RequestOtpInput) (*usecase.RequestOtpOutput, error) {
				t.Errorf("usecase must not be reached on a malformed body")
				return nil, goerror.NewInvalidFormat()
			},
		}
		srv := newTestServer(t, uc)

		// Act
		status, _ := postJSON(t, srv.URL+"/api/v1/otp/request", `{not json`, "key-1")

		// Assert
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})
}

func TestVerifyOtpEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "NoActivePasscode",
			err:        goerror.NewBusiness("No active OTP", goerror.CodeInvalidInput),
			wantStatus: http.StatusBadRequest,
			wantError:  "No active OTP",
		},
		{
			name:       "ConsumedPasscode",
			err:        goerror.NewBusiness("code_used", goerror.CodeGone),
			wantStatus: http.StatusGone,
			wantError:  "code_used",
		},
		{
			name:       "ExhaustedAttempts",
			err:        goerror.NewBusiness("Too many attempts", goerror.CodeTooManyRequest),
			wantStatus: http.StatusTooManyRequests,
			wantError:  "Too many attempts",
		},
		{
			name:       "WrongCode",
			err:        goerror.NewBusiness("Invalid code", goerror.CodeUnauthorized),
			wantStatus: http.StatusUnauthorized,
			wantError:  "Invalid code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {

			// Arrange
			uc := &fakeUsecase{
				verifyFn: func(context.Context, usecase.VerifyOtpInput) (*usecase.VerifyOtpOutput, error) {
					return nil, tt.err
				},
			}
			srv := newTestServer(t, uc)

			// Act
			status, body := postJSON(t, srv.URL+"/api/v1/otp/verify", `{"user_id":"user-1","purpose":"login","code":"123456"}`, "")

			// Assert
			if status != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, status, body)
			}
			var resp map[string]any
			if err := json.Unmarshal(body, &resp); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if resp["error"] != tt.wantError {
				t.Fatalf("unexpected error message: %v", resp["error"])
			}
		})
	}

	t.Run("MatchReturnsSuccess", func(t *testing.T) {

		// Arrange
		uc := &fakeUsecase{
			verifyFn: func(_ context.Context, in usecase.VerifyOtpInput) (*usecase.VerifyOtpOutput, error) {
				if in.Code != "123456" {
					t.Errorf("unexpected code: %q", in.Code)
				}
				return &usecase.VerifyOtpOutput{Success: true}, nil
			},
		}
		srv := newTestServer(t, uc)

		// Act
		status, body := postJSON(t, srv.URL+"/api/v1/otp/verify", `{"user_id":"user-1","purpose":"login","code":"123456"}`, "")

		// Assert
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		var resp struct {
			Success bool `json:"success"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if !resp.Success {
			t.Fatalf("expected success true, got %s", body)
		}
	})
}
