package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// MinRSAKeySize is the minimum supported RSA key size in bits.
	MinRSAKeySize = 2048
)

var (
	ErrRSAKeyTooSmall = errors.New("RSA key size too small: minimum 2048 bits required")
	ErrRSADecryption  = errors.New("RSA decryption failed")
	ErrInvalidPEM     = errors.New("invalid PEM data")
	ErrNotRSAKey      = errors.New("key is not an RSA key")
)

// WrapKeyRSA wraps (encrypts) a symmetric key using RSA-OAEP with SHA-256.
// This is how a split secret is wrapped with a key access server's public key.
func WrapKeyRSA(symmetricKey []byte, publicKey *rsa.PublicKey) ([]byte, error) {
	if publicKey == nil {
		return nil, errors.New("public key is nil")
	}

	if publicKey.Size()*8 < MinRSAKeySize {
		return nil, ErrRSAKeyTooSmall
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, symmetricKey, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP encryption failed: %w", err)
	}

	return wrapped, nil
}

// UnwrapKeyRSA unwraps (decrypts) a symmetric key using RSA-OAEP with SHA-256.
// Only a key access server holds the private key needed for this.
func UnwrapKeyRSA(wrappedKey []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("private key is nil")
	}

	if privateKey.Size()*8 < MinRSAKeySize {
		return nil, ErrRSAKeyTooSmall
	}

	unwrapped, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, wrappedKey, nil)
	if err != nil {
		return nil, ErrRSADecryption
	}

	return unwrapped, nil
}

// GenerateRSAKeyPair generates a new RSA key pair with the specified bit size.
// Supported sizes: 2048, 3072, 4096 bits.
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSAKeySize {
		return nil, ErrRSAKeyTooSmall
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}

	return privateKey, nil
}

// ParseRSAPublicKeyPEM parses a PEM block holding either a PKIX public key or
// an X.509 certificate and returns its RSA public key.
func ParseRSAPublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	var pub any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		pub = cert.PublicKey
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 public key: %w", err)
		}
		pub = key
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		pub = key
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return rsaPub, nil
}

// MarshalRSAPublicKeyPEM encodes an RSA public key as a PKIX PEM block.
func MarshalRSAPublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParseRSAPrivateKeyPEM parses a PKCS#1 or PKCS#8 RSA private key.
func ParseRSAPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return rsaKey, nil
}

// MarshalRSAPrivateKeyPEM encodes an RSA private key as a PKCS#8 PEM block.
func MarshalRSAPrivateKeyPEM(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}
