package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ECWrapSalt is the HKDF salt for deriving a key wrapping key from an ECDH
// shared secret: SHA256("TDF").
var ECWrapSalt = func() []byte {
	sum := sha256.Sum256([]byte("TDF"))
	return sum[:]
}()

// DeriveKey derives a symmetric key from a shared secret using HKDF-SHA256.
//
// Parameters:
//   - sharedSecret: The ECDH shared secret
//   - salt: The salt for HKDF (ECWrapSalt for wrapped key shares)
//   - info: Context/application-specific info (may be empty)
//   - keySize: The desired output key size in bytes (e.g., 32 for AES-256)
func DeriveKey(sharedSecret, salt, info []byte, keySize int) ([]byte, error) {
	reader := hkdf.New(sha256.New, sharedSecret, salt, info)

	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}

	return key, nil
}

// DeriveKeys derives multiple keys from a shared secret in one HKDF pass.
func DeriveKeys(sharedSecret, salt, info []byte, keySizes ...int) ([][]byte, error) {
	totalSize := 0
	for _, size := range keySizes {
		totalSize += size
	}

	material, err := DeriveKey(sharedSecret, salt, info, totalSize)
	if err != nil {
		return nil, err
	}

	keys := make([][]byte, len(keySizes))
	offset := 0
	for i, size := range keySizes {
		keys[i] = material[offset : offset+size : offset+size]
		offset += size
	}

	return keys, nil
}
