package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Alphabets for generated codes. The no-confusion variant drops 0 and 1,
// which read ambiguously when codes are relayed by voice or handwriting.
const (
	codeAlphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	noConfusionAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ23456789"
)

// Code lengths. Invite codes are short enough to type; approve and login
// codes are longer because they act as one-time secrets.
const (
	inviteCodeLength  = 8
	approveCodeLength = 12
	loginCodeLength   = 12
)

// maxCodeAttempts bounds the insert-retry loop on unique-constraint
// collisions.
const maxCodeAttempts = 100

// generateCode draws a random alphanumeric code. Uniqueness is enforced by
// the database unique constraint, not here; callers retry on collision.
func generateCode(length int, noConfusion bool) (string, error) {
	alphabet := codeAlphabet
	if noConfusion {
		alphabet = noConfusionAlphabet
	}

	code := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw random index: %w", err)
		}
		code[i] = alphabet[n.Int64()]
	}
	return string(code), nil
}
