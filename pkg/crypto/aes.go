// Package crypto provides the cryptographic primitives used by the TDF codec:
// authenticated symmetric encryption, asymmetric key wrapping, keyed hashing
// and key derivation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// AESKeySize is the key size for AES-256 in bytes.
	AESKeySize = 32

	// GCMNonceSize is the nonce size for AES-GCM (96 bits).
	GCMNonceSize = 12

	// GCMTagSize is the authentication tag size for AES-GCM (128 bits).
	GCMTagSize = 16

	// GCMOverhead is the number of bytes AESGCM.Encrypt adds to a plaintext.
	GCMOverhead = GCMNonceSize + GCMTagSize
)

var (
	ErrInvalidKeySize   = errors.New("invalid key size: must be 32 bytes for AES-256")
	ErrInvalidNonceSize = errors.New("invalid nonce size")
	ErrCiphertextShort  = errors.New("ciphertext shorter than nonce and tag")
	ErrDecryptionFailed = errors.New("decryption failed: authentication error")
)

// GenerateNonce generates a cryptographically secure random nonce for AES-GCM.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, GCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// AESGCM is AES-256-GCM with the nonce carried in front of the ciphertext.
// The output of Encrypt is nonce || ciphertext || tag.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates a new AESGCM from a 256-bit key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != AESKeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCM{aead: aead}, nil
}

// Encrypt encrypts plaintext under a fresh random nonce.
func (g *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	return g.EncryptWithIV(nonce, plaintext)
}

// EncryptWithIV encrypts plaintext under the given nonce. The nonce must never
// be reused with the same key.
func (g *AESGCM) EncryptWithIV(nonce, plaintext []byte) ([]byte, error) {
	if len(nonce) != GCMNonceSize {
		return nil, ErrInvalidNonceSize
	}

	out := make([]byte, GCMNonceSize, GCMNonceSize+len(plaintext)+GCMTagSize)
	copy(out, nonce)

	// Seal appends the ciphertext and tag after the nonce
	return g.aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. Any modification of the nonce, ciphertext or tag
// yields ErrDecryptionFailed.
func (g *AESGCM) Decrypt(data []byte) ([]byte, error) {
	if len(data) < GCMOverhead {
		return nil, ErrCiphertextShort
	}

	nonce, ciphertext := data[:GCMNonceSize], data[GCMNonceSize:]
	plaintext, err := g.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// EncryptedSize returns the size of the output of Encrypt for a plaintext of
// the given size.
func EncryptedSize(plaintextSize int) int {
	return plaintextSize + GCMOverhead
}
