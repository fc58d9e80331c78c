package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// AlgHS256 selects HMAC-SHA256 as an integrity algorithm.
	AlgHS256 = "HS256"

	// AlgGMAC selects the AES-GCM authentication tag as an integrity algorithm.
	AlgGMAC = "GMAC"
)

var (
	ErrPolicyBindingMismatch = errors.New("policy binding verification failed: hash mismatch")
	ErrUnknownIntegrityAlg   = errors.New("unknown integrity algorithm")
)

// HMACSHA256 computes HMAC-SHA256 of the message using the provided key.
func HMACSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// GMACTag returns the authentication tag of an AES-GCM output, which is its
// last GCMTagSize bytes.
func GMACTag(data []byte) ([]byte, error) {
	if len(data) < GCMTagSize {
		return nil, fmt.Errorf("gmac: %d bytes is shorter than the tag", len(data))
	}
	tag := make([]byte, GCMTagSize)
	copy(tag, data[len(data)-GCMTagSize:])
	return tag, nil
}

// CalculateSignature computes an integrity value over data with the named
// algorithm. HS256 is keyed with key; GMAC ignores the key and takes the tag
// of data, which must be AES-GCM output.
func CalculateSignature(alg string, key, data []byte) ([]byte, error) {
	switch alg {
	case AlgHS256:
		return HMACSHA256(key, data), nil
	case AlgGMAC:
		return GMACTag(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntegrityAlg, alg)
	}
}

// CalculatePolicyBinding computes the policy binding hash for one key split.
// The binding is Base64(Hex(HMAC-SHA256(secret, Base64EncodedPolicy))), which
// is what key access servers check before releasing a split.
func CalculatePolicyBinding(secret []byte, policyBase64 string) string {
	mac := HMACSHA256(secret, []byte(policyBase64))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac)))
}

// VerifyPolicyBinding verifies that the policy binding hash is correct.
// Returns nil if valid, ErrPolicyBindingMismatch if invalid.
func VerifyPolicyBinding(secret []byte, policyBase64, expectedHashBase64 string) error {
	computed := CalculatePolicyBinding(secret, policyBase64)

	if !hmac.Equal([]byte(computed), []byte(expectedHashBase64)) {
		return ErrPolicyBindingMismatch
	}

	return nil
}
