package otpcode

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strconv"
)

// ErrInvalidDigits is returned when a generator is built with fewer than 4
// or more than 9 digits.
var ErrInvalidDigits = errors.New("otpcode: digits must be between 4 and 9")

// Generator produces one-time passcodes.
type Generator interface {
	// Generate returns a fixed-width numeric passcode string.
	Generate() (string, error)
}

// Numeric generates fixed-width numeric codes from a CSPRNG.
//
// For the default 6 digits the produced codes fall in "100000".."999999":
// the first digit is never zero, so the string width equals the numeric
// width everywhere it is stored or compared.
type Numeric struct {
	low  int64
	span int64
}

// NewNumeric builds a Numeric generator producing codes of the given width.
func NewNumeric(digits int) (*Numeric, error) {
	if digits < 4 || digits > 9 {
		return nil, ErrInvalidDigits
	}

	low := int64(1)
	for i := 1; i < digits; i++ {
		low *= 10
	}

	return &Numeric{low: low, span: low * 9}, nil
}

// Generate returns a new passcode using crypto/rand.
func (n *Numeric) Generate() (string, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(n.span))
	if err != nil {
		return "", err
	}

	return strconv.FormatInt(n.low+v.Int64(), 10), nil
}
