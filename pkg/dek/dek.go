// Package dek manages the key material behind a TDF payload key: random
// split secrets, their wrapping for key access servers, policy bindings and
// the XOR fold that turns the secrets into one data encryption key.
package dek

import (
	"crypto/rand"
	"errors"
	"io"

	"github.com/opentdf/tdf/pkg/crypto"
)

const (
	// DEKSize is the size of a DEK or split secret in bytes (256 bits for AES-256).
	DEKSize = 32
)

var (
	ErrInvalidDEKSize = errors.New("invalid DEK size: must be 32 bytes")
)

// Generate creates a new cryptographically secure 256-bit secret. It is used
// both for split secrets and for standalone data encryption keys.
func Generate() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, err
	}
	return dek, nil
}

// Validate checks if a DEK has the correct size.
func Validate(dek []byte) error {
	if len(dek) != DEKSize {
		return ErrInvalidDEKSize
	}
	return nil
}

// CalculatePolicyBinding computes the policy binding hash of a split secret.
// The binding is Base64(Hex(HMAC-SHA256(secret, Base64EncodedPolicy))).
//
// A key access server verifies this binding before releasing the secret, so
// the policy cannot be swapped after wrapping.
func CalculatePolicyBinding(secret []byte, policyBase64 string) (string, error) {
	if err := Validate(secret); err != nil {
		return "", err
	}
	return crypto.CalculatePolicyBinding(secret, policyBase64), nil
}

// VerifyPolicyBinding verifies that a policy binding hash is correct.
// Returns nil if valid, an error if the binding doesn't match.
func VerifyPolicyBinding(secret []byte, policyBase64, expectedHashBase64 string) error {
	if err := Validate(secret); err != nil {
		return err
	}
	return crypto.VerifyPolicyBinding(secret, policyBase64, expectedHashBase64)
}
