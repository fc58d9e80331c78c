package dek

import (
	"crypto/ecdh"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/opentdf/tdf/pkg/crypto"
)

// Wrap encrypts a split secret using the key access server's RSA public key
// (RSA-OAEP with SHA-256).
func Wrap(secret []byte, kasPublicKey *rsa.PublicKey) ([]byte, error) {
	if err := Validate(secret); err != nil {
		return nil, err
	}
	return crypto.WrapKeyRSA(secret, kasPublicKey)
}

// WrapToBase64 wraps a secret and returns the result as a Base64 string,
// the format of the manifest's keyAccess.wrappedKey field.
func WrapToBase64(secret []byte, kasPublicKey *rsa.PublicKey) (string, error) {
	wrapped, err := Wrap(secret, kasPublicKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// Unwrap decrypts a wrapped secret. Only a key access server holds the
// private key needed for this.
func Unwrap(wrapped []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	secret, err := crypto.UnwrapKeyRSA(wrapped, privateKey)
	if err != nil {
		return nil, err
	}

	if err := Validate(secret); err != nil {
		return nil, fmt.Errorf("unwrapped key has invalid size: %w", err)
	}

	return secret, nil
}

// UnwrapFromBase64 decrypts a Base64-encoded wrapped secret.
func UnwrapFromBase64(wrappedBase64 string, privateKey *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(wrappedBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped key: %w", err)
	}
	return Unwrap(wrapped, privateKey)
}

// WrapECToBase64 wraps a secret for an EC key access server and returns the
// Base64 wrapped key together with the PEM ephemeral public key.
func WrapECToBase64(secret []byte, kasPublicKey *ecdh.PublicKey) (string, string, error) {
	if err := Validate(secret); err != nil {
		return "", "", err
	}
	wrapped, ephemeral, err := crypto.WrapKeyEC(secret, kasPublicKey)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), ephemeral, nil
}

// UnwrapECFromBase64 reverses WrapECToBase64.
func UnwrapECFromBase64(wrappedBase64, ephemeralPEM string, privateKey *ecdh.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(wrappedBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped key: %w", err)
	}

	secret, err := crypto.UnwrapKeyEC(wrapped, ephemeralPEM, privateKey)
	if err != nil {
		return nil, err
	}
	if err := Validate(secret); err != nil {
		return nil, fmt.Errorf("unwrapped key has invalid size: %w", err)
	}
	return secret, nil
}
