package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

const (
	codeMin  = 100000
	codeSpan = 900000
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// NewVerificationCode returns a uniformly random 6-digit code (100000–999999)
// for out-of-band verification entry. Store only its hash.
func NewVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", fmt.Errorf("auth: generating verification code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}

// LooksLikeCode reports whether s has the shape of a verification code.
func LooksLikeCode(s string) bool {
	return codePattern.MatchString(s)
}
