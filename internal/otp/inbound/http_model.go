package inbound

import "net/http"

type RequestOtpRequest struct {
	UserID  string `json:"user_id"`
	Purpose string `json:"purpose"`
}

// RequestOtpResponse carries the exact payload bytes produced inside the
// issuance transaction. A replayed key returns the original call's bytes
// with status 200; a fresh issuance returns 201.
type RequestOtpResponse struct {
	body     []byte
	replayed bool
}

func (r RequestOtpResponse) Raw() []byte {
	return r.body
}

func (r RequestOtpResponse) StatusCode() int {
	if r.replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

type VerifyOtpRequest struct {
	UserID  string `json:"user_id"`
	Purpose string `json:"purpose"`
	Code    string `json:"code"`
}

type VerifyOtpResponse struct {
	Success bool `json:"success"`
}
