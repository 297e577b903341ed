// Package otpcode generates short-lived numeric passcodes.
//
// Codes are random, not time-derived: each one is minted once, stored, and
// compared against a single submission window. Randomness always comes from
// crypto/rand.
package otpcode
