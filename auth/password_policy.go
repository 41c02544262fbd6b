package auth

import (
	"unicode"

	"github.com/pkg/errors"
)

// MinPasswordLength is the shortest password accepted on reset or change.
const MinPasswordLength = 6

// ValidateResetPassword enforces the reset policy: at least MinPasswordLength characters,
// and either all digits or all letters.
//
// TODO: this policy rejects mixed letters and digits and needs product review before it is
// tightened or relaxed.
func ValidateResetPassword(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return errors.Wrapf(ErrWeakCredential, "password must be at least %d characters long", MinPasswordLength)
	}
	if !allRunes(password, unicode.IsDigit) && !allRunes(password, unicode.IsLetter) {
		return errors.Wrap(ErrWeakCredential, "password must contain only digits or only letters")
	}
	return nil
}

func allRunes(s string, pred func(rune) bool) bool {
	for _, r := range s {
		if !pred(r) {
			return false
		}
	}
	return true
}
