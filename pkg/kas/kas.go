// Package kas defines the key access server capability the TDF codec
// depends on, plus the pieces that sit around it: a time-boxed public key
// cache, a caching decorator, an in-process key access server and a router
// that dispatches by server URL.
//
// Network transports are not part of this package; a transport implements
// KAS and applies its own timeout and retry policy.
package kas

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opentdf/tdf/pkg/crypto"
	"github.com/opentdf/tdf/pkg/manifest"
)

// Key algorithms a key access server may publish.
const (
	AlgorithmRSA2048 = "rsa:2048"
	AlgorithmRSA4096 = "rsa:4096"
	AlgorithmECP256  = "ec:secp256r1"
	AlgorithmECP384  = "ec:secp384r1"
	AlgorithmECP521  = "ec:secp521r1"

	// DefaultAlgorithm is assumed when a KASInfo names none.
	DefaultAlgorithm = AlgorithmRSA2048
)

var (
	ErrUnknownKAS           = errors.New("kas: unknown key access server")
	ErrUnsupportedAlgorithm = errors.New("kas: unsupported key algorithm")
	ErrPolicyBinding        = errors.New("kas: policy binding mismatch")
	ErrUnwrapFailed         = errors.New("kas: unwrap failed")
	ErrNoPublicKey          = errors.New("kas: no public key")
)

// KAS is a key access server as seen by the codec.
type KAS interface {
	// PublicKey returns info completed with the server's public key (and key
	// id, when the server has one) for info's URL and algorithm.
	PublicKey(ctx context.Context, info KASInfo) (KASInfo, error)

	// Unwrap returns the split secret carried by keyAccess after the server
	// has checked the policy binding against policy, the Base64 policy blob.
	Unwrap(ctx context.Context, keyAccess manifest.KeyAccess, policy string) ([]byte, error)
}

// KASInfo identifies a key access server and, once known, its public key.
type KASInfo struct {
	// URL is the server's base URL.
	URL string `yaml:"url" json:"url"`

	// Algorithm of the public key, e.g. "rsa:2048" or "ec:secp256r1".
	Algorithm string `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`

	// KID identifies the key at the server.
	KID string `yaml:"kid,omitempty" json:"kid,omitempty"`

	// PublicKey is the PEM encoded public key; empty until fetched.
	PublicKey string `yaml:"public_key,omitempty" json:"publicKey,omitempty"`

	// Default marks the server as a default for attribute-based planning.
	Default bool `yaml:"default,omitempty" json:"default,omitempty"`
}

// KeyAlgorithm returns the algorithm, or DefaultAlgorithm when unset.
func (k KASInfo) KeyAlgorithm() string {
	if k.Algorithm == "" {
		return DefaultAlgorithm
	}
	return k.Algorithm
}

// IsEC reports whether the key is an elliptic curve key.
func (k KASInfo) IsEC() bool {
	return strings.HasPrefix(k.KeyAlgorithm(), "ec:")
}

// ECMode returns the curve of an EC key algorithm.
func (k KASInfo) ECMode() (crypto.ECCMode, error) {
	if !k.IsEC() {
		return 0, fmt.Errorf("%w: %q is not an EC algorithm", ErrUnsupportedAlgorithm, k.Algorithm)
	}
	mode, err := crypto.ParseECCMode(strings.TrimPrefix(k.KeyAlgorithm(), "ec:"))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnsupportedAlgorithm, err)
	}
	return mode, nil
}

// NormalizeURL strips trailing slashes so equivalent URLs compare equal.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
