// Package credential is the boundary to salted-hash secret storage. The
// core never sees or stores plaintext beyond the verify/set calls.
package credential

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// Store verifies and replaces subject secrets. Failures are collaborator
// failures and map to upstream (>=500) statuses at the calling layer.
type Store interface {
	Verify(ctx context.Context, subjectID, candidateSecret string) (bool, error)
	SetSecret(ctx context.Context, subjectID, newSecret string) error
}

// HashSecret hashes a plaintext secret with bcrypt.
func HashSecret(secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("credential: secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CompareSecret compares a plaintext secret with a stored hash, returning
// false (not an error) on mismatch.
func CompareSecret(hash, secret string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const (
	temporarySecretLength   = 10
	temporarySecretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewTemporarySecret draws a 10-character alphanumeric secret uniformly
// from crypto/rand, used when recovering a locked-out subject.
func NewTemporarySecret() (string, error) {
	out := make([]byte, temporarySecretLength)
	max := big.NewInt(int64(len(temporarySecretAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = temporarySecretAlphabet[n.Int64()]
	}
	return string(out), nil
}
