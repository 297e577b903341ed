package event

import "time"

// PasscodeIssuedDestination is the topic carrying issued-passcode events.
// Delivery channels (SMS, email) consume it outside this service.
const PasscodeIssuedDestination string = "otp_passcode_issued"

type PasscodeIssuedMessage struct {
	OtpID     int64     `json:"otp_id"`
	UserID    string    `json:"user_id"`
	Purpose   string    `json:"purpose"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}
