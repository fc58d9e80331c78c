package kas

import (
	"context"
	"crypto/ecdh"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opentdf/tdf/pkg/crypto"
	"github.com/opentdf/tdf/pkg/dek"
	"github.com/opentdf/tdf/pkg/manifest"
)

// Local is an in-process key access server holding its private keys in
// memory. It performs the same policy binding check a remote server does
// before releasing a split secret.
type Local struct {
	url    string
	kid    string
	rsaKey *rsa.PrivateKey
	ecKey  *ecdh.PrivateKey
	ecMode crypto.ECCMode
	logger logrus.FieldLogger
}

// LocalOption configures a Local server.
type LocalOption func(*Local)

// WithKID sets the key id reported with the public key.
func WithKID(kid string) LocalOption {
	return func(l *Local) {
		l.kid = kid
	}
}

// WithECKey adds an elliptic curve key for "ec-wrapped" key access.
func WithECKey(mode crypto.ECCMode, key *ecdh.PrivateKey) LocalOption {
	return func(l *Local) {
		l.ecMode = mode
		l.ecKey = key
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) LocalOption {
	return func(l *Local) {
		l.logger = logger
	}
}

// NewLocal creates a server for url holding rsaKey.
func NewLocal(url string, rsaKey *rsa.PrivateKey, opts ...LocalOption) (*Local, error) {
	if url == "" {
		return nil, errors.New("kas: local server needs a URL")
	}
	if rsaKey == nil {
		return nil, fmt.Errorf("%w: nil RSA key", ErrNoPublicKey)
	}

	l := &Local{
		url:    NormalizeURL(url),
		rsaKey: rsaKey,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// GenerateLocal creates a server for url with a fresh RSA-2048 key.
func GenerateLocal(url string, opts ...LocalOption) (*Local, error) {
	key, err := crypto.GenerateRSAKeyPair(2048)
	if err != nil {
		return nil, err
	}
	return NewLocal(url, key, opts...)
}

// URL returns the server URL.
func (l *Local) URL() string {
	return l.url
}

// Info returns the RSA public key info of the server.
func (l *Local) Info() (KASInfo, error) {
	return l.PublicKey(context.Background(), KASInfo{URL: l.url})
}

// PublicKey implements KAS.
func (l *Local) PublicKey(ctx context.Context, info KASInfo) (KASInfo, error) {
	if err := ctx.Err(); err != nil {
		return KASInfo{}, err
	}
	if NormalizeURL(info.URL) != l.url {
		return KASInfo{}, fmt.Errorf("%w: %s", ErrUnknownKAS, info.URL)
	}

	out := KASInfo{URL: l.url, Algorithm: info.KeyAlgorithm(), KID: l.kid, Default: info.Default}

	var (
		pemKey string
		err    error
	)
	if info.IsEC() {
		mode, modeErr := info.ECMode()
		if modeErr != nil {
			return KASInfo{}, modeErr
		}
		if l.ecKey == nil || mode != l.ecMode {
			return KASInfo{}, fmt.Errorf("%w: %s has no %s key", ErrUnsupportedAlgorithm, l.url, info.Algorithm)
		}
		pemKey, err = crypto.MarshalECPublicKeyPEM(l.ecKey.PublicKey())
	} else {
		pemKey, err = crypto.MarshalRSAPublicKeyPEM(&l.rsaKey.PublicKey)
	}
	if err != nil {
		return KASInfo{}, err
	}

	out.PublicKey = pemKey
	return out, nil
}

// Unwrap implements KAS.
func (l *Local) Unwrap(ctx context.Context, keyAccess manifest.KeyAccess, policy string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if NormalizeURL(keyAccess.URL) != l.url {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKAS, keyAccess.URL)
	}

	logger := l.logger.WithFields(logrus.Fields{
		"kas":      l.url,
		"split_id": keyAccess.SplitID,
		"type":     keyAccess.Type,
	})

	var (
		secret []byte
		err    error
	)
	switch keyAccess.Type {
	case manifest.KeyAccessTypeWrapped, "":
		secret, err = dek.UnwrapFromBase64(keyAccess.WrappedKey, l.rsaKey)
	case manifest.KeyAccessTypeECWrapped:
		if l.ecKey == nil {
			return nil, fmt.Errorf("%w: %s has no EC key", ErrUnsupportedAlgorithm, l.url)
		}
		secret, err = dek.UnwrapECFromBase64(keyAccess.WrappedKey, keyAccess.EphemeralPublicKey, l.ecKey)
	default:
		return nil, fmt.Errorf("%w: key access type %q", ErrUnsupportedAlgorithm, keyAccess.Type)
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to unwrap key")
		return nil, fmt.Errorf("%w: %w", ErrUnwrapFailed, err)
	}

	if err := dek.VerifyPolicyBinding(secret, policy, keyAccess.PolicyBinding.Hash); err != nil {
		logger.Warn("Policy binding mismatch")
		return nil, fmt.Errorf("%w: %w", ErrPolicyBinding, err)
	}

	logger.Debug("Released split secret")
	return secret, nil
}

// Rewrap unwraps keyAccess, checks its policy binding and wraps the secret
// again for recipient. The plaintext secret never leaves the server.
func (l *Local) Rewrap(ctx context.Context, keyAccess manifest.KeyAccess, policy string, recipient *rsa.PublicKey) ([]byte, error) {
	secret, err := l.Unwrap(ctx, keyAccess, policy)
	if err != nil {
		return nil, err
	}

	rewrapped, err := dek.Wrap(secret, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrap secret: %w", err)
	}
	return rewrapped, nil
}
