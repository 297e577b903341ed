package inbound

import (
	"encoding/json"

	"github.com/shandysiswandi/otpgate/internal/otp/usecase"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
	"github.com/shandysiswandi/otpgate/internal/pkg/router"
)

// HTTPEndpoint exposes HTTP handlers for passcode issuance and verification.
type HTTPEndpoint struct {
	uc uc
}

// HeaderIdempotencyKey deduplicates retried issuance requests.
const HeaderIdempotencyKey = "Idempotency-Key"

// RequestOtp issues a one-time passcode for a user and purpose.
// @Summary Request one-time passcode
// @Description Issues a short-lived passcode for the given user and purpose. Retries with the same Idempotency-Key replay the original response.
// @Tags OTP
// @Accept json
// @Produce json
// @Param Idempotency-Key header string true "Client-supplied request deduplication key"
// @Param request body RequestOtpRequest true "Issuance payload"
// @Success 201 {object} RequestOtpResponse "Fresh issuance"
// @Success 200 {object} RequestOtpResponse "Idempotent replay"
// @Failure 400 {object} router.errorResponse "Missing user_id, purpose, or Idempotency-Key"
// @Failure 409 {object} router.errorResponse "Idempotency-Key conflict"
// @Failure 429 {object} router.errorResponse "Throttled; retry_after tells when a slot frees up"
// @Failure 500 {object} router.errorResponse "Internal server error"
// @Router /api/v1/otp/request [post]
func (h *HTTPEndpoint) RequestOtp(r *router.Request) (any, error) {
	payload, err := r.BodyBytes()
	if err != nil {
		return nil, err
	}

	var req RequestOtpRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerror.NewInvalidFormat()
	}

	resp, err := h.uc.RequestOtp(r.Context(), usecase.RequestOtpInput{
		UserID:         req.UserID,
		Purpose:        req.Purpose,
		IP:             r.ClientIP(),
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		Payload:        payload,
	})
	if err != nil {
		return nil, err
	}

	return RequestOtpResponse{
		body:     resp.Body,
		replayed: resp.Replayed,
	}, nil
}

// VerifyOtp checks a submitted passcode against the live record for the key.
// @Summary Verify one-time passcode
// @Description Consumes the passcode on a match. Wrong codes count against the attempt budget; an exhausted budget locks the record.
// @Tags OTP
// @Accept json
// @Produce json
// @Param request body VerifyOtpRequest true "Verification payload"
// @Success 200 {object} VerifyOtpResponse "Passcode consumed"
// @Failure 400 {object} router.errorResponse "Missing fields or no active passcode"
// @Failure 401 {object} router.errorResponse "Wrong code"
// @Failure 410 {object} router.errorResponse "Passcode already consumed"
// @Failure 429 {object} router.errorResponse "Attempt budget exhausted"
// @Failure 500 {object} router.errorResponse "Internal server error"
// @Router /api/v1/otp/verify [post]
func (h *HTTPEndpoint) VerifyOtp(r *router.Request) (any, error) {
	var req VerifyOtpRequest
	if err := r.DecodeBody(&req); err != nil {
		return nil, err
	}

	resp, err := h.uc.VerifyOtp(r.Context(), usecase.VerifyOtpInput{
		UserID:  req.UserID,
		Purpose: req.Purpose,
		Code:    req.Code,
	})
	if err != nil {
		return nil, err
	}

	return VerifyOtpResponse{Success: resp.Success}, nil
}
