package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ECCMode names the NIST curve used for EC key wrapping.
type ECCMode uint8

const (
	ECCModeSecp256r1 ECCMode = iota
	ECCModeSecp384r1
	ECCModeSecp521r1
)

var (
	ErrUnsupportedCurve = errors.New("unsupported elliptic curve")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrCurveMismatch    = errors.New("curve mismatch between private and public key")
)

// CurveForMode returns the ecdh.Curve for a given ECCMode.
func CurveForMode(mode ECCMode) (ecdh.Curve, error) {
	switch mode {
	case ECCModeSecp256r1:
		return ecdh.P256(), nil
	case ECCModeSecp384r1:
		return ecdh.P384(), nil
	case ECCModeSecp521r1:
		return ecdh.P521(), nil
	default:
		return nil, ErrUnsupportedCurve
	}
}

// ParseECCMode maps a curve name such as "secp256r1" or "P-256" to its mode.
func ParseECCMode(name string) (ECCMode, error) {
	switch name {
	case "secp256r1", "P-256", "p256":
		return ECCModeSecp256r1, nil
	case "secp384r1", "P-384", "p384":
		return ECCModeSecp384r1, nil
	case "secp521r1", "P-521", "p521":
		return ECCModeSecp521r1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCurve, name)
	}
}

// GenerateECKeyPair generates a new ECDH key pair on the curve for mode.
func GenerateECKeyPair(mode ECCMode) (*ecdh.PrivateKey, error) {
	curve, err := CurveForMode(mode)
	if err != nil {
		return nil, err
	}

	key, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate EC key pair: %w", err)
	}
	return key, nil
}

// ECDH computes the shared secret between a private and a public key.
func ECDH(privateKey *ecdh.PrivateKey, publicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil || publicKey == nil {
		return nil, ErrInvalidPublicKey
	}
	if privateKey.Curve() != publicKey.Curve() {
		return nil, ErrCurveMismatch
	}

	shared, err := privateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("ECDH computation failed: %w", err)
	}
	return shared, nil
}

// WrapKeyEC wraps a symmetric key for the holder of publicKey. A fresh
// ephemeral key pair on the same curve is used for ECDH, the shared secret is
// run through HKDF with ECWrapSalt, and the result seals the key with AES-GCM.
// The ephemeral public key is returned PEM encoded.
func WrapKeyEC(symmetricKey []byte, publicKey *ecdh.PublicKey) (wrapped []byte, ephemeralPEM string, err error) {
	if publicKey == nil {
		return nil, "", ErrInvalidPublicKey
	}

	ephemeral, err := publicKey.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	kek, err := ecWrapKey(ephemeral, publicKey)
	if err != nil {
		return nil, "", err
	}

	gcm, err := NewAESGCM(kek)
	if err != nil {
		return nil, "", err
	}
	wrapped, err = gcm.Encrypt(symmetricKey)
	if err != nil {
		return nil, "", err
	}

	ephemeralPEM, err = MarshalECPublicKeyPEM(ephemeral.PublicKey())
	if err != nil {
		return nil, "", err
	}
	return wrapped, ephemeralPEM, nil
}

// UnwrapKeyEC reverses WrapKeyEC using the recipient's private key.
func UnwrapKeyEC(wrapped []byte, ephemeralPEM string, privateKey *ecdh.PrivateKey) ([]byte, error) {
	ephemeral, err := ParseECPublicKeyPEM([]byte(ephemeralPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral key: %w", err)
	}

	kek, err := ecWrapKey(privateKey, ephemeral)
	if err != nil {
		return nil, err
	}

	gcm, err := NewAESGCM(kek)
	if err != nil {
		return nil, err
	}
	return gcm.Decrypt(wrapped)
}

func ecWrapKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	shared, err := ECDH(priv, pub)
	if err != nil {
		return nil, err
	}
	return DeriveKey(shared, ECWrapSalt, nil, AESKeySize)
}

// ParseECPublicKeyPEM parses a PKIX or certificate PEM block holding a NIST
// curve public key.
func ParseECPublicKeyPEM(data []byte) (*ecdh.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	var pub any
	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		pub = cert.PublicKey
	} else {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		pub = key
	}

	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return k.ECDH()
	case *ecdh.PublicKey:
		return k, nil
	default:
		return nil, ErrInvalidPublicKey
	}
}

// MarshalECPublicKeyPEM encodes an EC public key as a PKIX PEM block.
func MarshalECPublicKeyPEM(pub *ecdh.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParseECPrivateKeyPEM parses a PKCS#8 or SEC 1 EC private key.
func ParseECPrivateKeyPEM(data []byte) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key.ECDH()
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return k.ECDH()
	case *ecdh.PrivateKey:
		return k, nil
	default:
		return nil, ErrUnsupportedCurve
	}
}

// MarshalECPrivateKeyPEM encodes an EC private key as a PKCS#8 PEM block.
func MarshalECPrivateKeyPEM(key *ecdh.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}
