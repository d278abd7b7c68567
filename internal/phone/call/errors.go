package call

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknown is returned for call ids that are not tracked.
	ErrUnknown = errors.New("unknown call")
	// ErrUnknownAccount is returned when dialling from an account that is not tracked.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrInvalidDigit is matched by every InvalidDigitError.
	ErrInvalidDigit = errors.New("invalid DTMF digit")
)

// InvalidDigitError identifies the first character outside the DTMF alphabet.
type InvalidDigitError struct {
	Digit rune
	Index int
}

func (e *InvalidDigitError) Error() string {
	return fmt.Sprintf("invalid DTMF digit %q at position %d", e.Digit, e.Index)
}

func (e *InvalidDigitError) Unwrap() error {
	return ErrInvalidDigit
}

// DTMFDigits is the set of characters accepted by SendDTMF.
const DTMFDigits = "0123456789*#ABCDabcd"

// ValidateDigits returns an *InvalidDigitError for the first invalid character.
func ValidateDigits(digits string) error {
	i := 0
	for _, r := range digits {
		if !validDigit(r) {
			return &InvalidDigitError{Digit: r, Index: i}
		}
		i++
	}
	return nil
}

func validDigit(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == '*' || r == '#':
		return true
	case r >= 'A' && r <= 'D', r >= 'a' && r <= 'd':
		return true
	}
	return false
}
