package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, AESKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestAESGCMEncryptDecrypt(t *testing.T) {
	gcm, err := NewAESGCM(randomKey(t))
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}

	for _, size := range []int{0, 1, 15, 16, 1024} {
		plaintext := bytes.Repeat([]byte{0x5a}, size)

		ciphertext, err := gcm.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encryption failed: %v", err)
		}

		if len(ciphertext) != EncryptedSize(size) {
			t.Errorf("ciphertext size: got %d, want %d", len(ciphertext), EncryptedSize(size))
		}

		decrypted, err := gcm.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("decryption failed: %v", err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("decrypted text doesn't match for size %d", size)
		}
	}
}

func TestAESGCMNonceLayout(t *testing.T) {
	gcm, _ := NewAESGCM(randomKey(t))

	nonce := bytes.Repeat([]byte{0x01}, GCMNonceSize)
	ct, err := gcm.EncryptWithIV(nonce, []byte("payload"))
	if err != nil {
		t.Fatalf("encryption failed: %v", err)
	}

	if !bytes.Equal(ct[:GCMNonceSize], nonce) {
		t.Error("output must start with the nonce")
	}

	// Fresh nonces differ between calls
	a, _ := gcm.Encrypt([]byte("x"))
	b, _ := gcm.Encrypt([]byte("x"))
	if bytes.Equal(a[:GCMNonceSize], b[:GCMNonceSize]) {
		t.Error("SECURITY: Encrypt reused a nonce")
	}

	if _, err := gcm.EncryptWithIV([]byte{1, 2, 3}, nil); !errors.Is(err, ErrInvalidNonceSize) {
		t.Errorf("expected ErrInvalidNonceSize, got %v", err)
	}
}

func TestAESGCMTamperedCiphertext(t *testing.T) {
	gcm, _ := NewAESGCM(randomKey(t))
	ciphertext, _ := gcm.Encrypt([]byte("secret message"))

	for i := range ciphertext {
		tampered := bytes.Clone(ciphertext)
		tampered[i] ^= 0x01

		if _, err := gcm.Decrypt(tampered); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("SECURITY: flipping byte %d was not detected: %v", i, err)
		}
	}

	if _, err := gcm.Decrypt(ciphertext[:GCMOverhead-1]); !errors.Is(err, ErrCiphertextShort) {
		t.Errorf("expected ErrCiphertextShort, got %v", err)
	}
}

func TestAESGCMInvalidKey(t *testing.T) {
	if _, err := NewAESGCM(make([]byte, 16)); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestRSAWrapUnwrap(t *testing.T) {
	privateKey, err := GenerateRSAKeyPair(2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key pair: %v", err)
	}

	secret := randomKey(t)

	wrapped, err := WrapKeyRSA(secret, &privateKey.PublicKey)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	unwrapped, err := UnwrapKeyRSA(wrapped, privateKey)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}

	if !bytes.Equal(unwrapped, secret) {
		t.Error("unwrapped key doesn't match original")
	}
}

func TestRSAWrongKeyFails(t *testing.T) {
	correctKey, _ := GenerateRSAKeyPair(2048)
	wrongKey, _ := GenerateRSAKeyPair(2048)

	wrapped, err := WrapKeyRSA(randomKey(t), &correctKey.PublicKey)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	// Attempt to unwrap with wrong private key - MUST fail
	_, err = UnwrapKeyRSA(wrapped, wrongKey)
	if !errors.Is(err, ErrRSADecryption) {
		t.Error("SECURITY: unwrap should fail with wrong private key")
	}
}

func TestRSAPEMRoundTrip(t *testing.T) {
	key, _ := GenerateRSAKeyPair(2048)

	pubPEM, err := MarshalRSAPublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key failed: %v", err)
	}
	pub, err := ParseRSAPublicKeyPEM([]byte(pubPEM))
	if err != nil {
		t.Fatalf("parse public key failed: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Error("parsed public key doesn't match")
	}

	privPEM, err := MarshalRSAPrivateKeyPEM(key)
	if err != nil {
		t.Fatalf("marshal private key failed: %v", err)
	}
	priv, err := ParseRSAPrivateKeyPEM([]byte(privPEM))
	if err != nil {
		t.Fatalf("parse private key failed: %v", err)
	}
	if !priv.Equal(key) {
		t.Error("parsed private key doesn't match")
	}

	if _, err := ParseRSAPublicKeyPEM([]byte("not pem")); !errors.Is(err, ErrInvalidPEM) {
		t.Errorf("expected ErrInvalidPEM, got %v", err)
	}

	ecKey, _ := GenerateECKeyPair(ECCModeSecp256r1)
	ecPEM, _ := MarshalECPublicKeyPEM(ecKey.PublicKey())
	if _, err := ParseRSAPublicKeyPEM([]byte(ecPEM)); !errors.Is(err, ErrNotRSAKey) {
		t.Errorf("expected ErrNotRSAKey, got %v", err)
	}
}

func TestHMACSHA256(t *testing.T) {
	key := []byte("secret-key")
	message := []byte("message to authenticate")

	mac1 := HMACSHA256(key, message)
	mac2 := HMACSHA256(key, message)

	if !bytes.Equal(mac1, mac2) {
		t.Error("HMAC should be deterministic")
	}

	mac3 := HMACSHA256(key, []byte("different message"))
	if bytes.Equal(mac1, mac3) {
		t.Error("different messages should produce different MACs")
	}
}

func TestCalculateSignature(t *testing.T) {
	gcm, _ := NewAESGCM(randomKey(t))
	segment, _ := gcm.Encrypt([]byte("segment data"))
	key := randomKey(t)

	tests := []struct {
		name string
		alg  string
		want []byte
	}{
		{"hs256", AlgHS256, HMACSHA256(key, segment)},
		{"gmac", AlgGMAC, segment[len(segment)-GCMTagSize:]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateSignature(tt.alg, key, segment)
			if err != nil {
				t.Fatalf("signature failed: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("signature mismatch: got %x, want %x", got, tt.want)
			}
		})
	}

	if _, err := CalculateSignature("MD5", key, segment); !errors.Is(err, ErrUnknownIntegrityAlg) {
		t.Errorf("expected ErrUnknownIntegrityAlg, got %v", err)
	}
	if _, err := GMACTag([]byte("short")); err == nil {
		t.Error("GMAC of short input should fail")
	}
}

func TestPolicyBinding(t *testing.T) {
	secret := randomKey(t)
	policyBase64 := "eyJ1dWlkIjoiMTIzIn0="

	binding := CalculatePolicyBinding(secret, policyBase64)

	// Binding is base64 of the hex digest
	raw, err := base64.StdEncoding.DecodeString(binding)
	if err != nil {
		t.Fatalf("binding is not base64: %v", err)
	}
	if string(raw) != hex.EncodeToString(HMACSHA256(secret, []byte(policyBase64))) {
		t.Error("binding should encode the hex HMAC digest")
	}

	if err := VerifyPolicyBinding(secret, policyBase64, binding); err != nil {
		t.Errorf("verification failed: %v", err)
	}

	if err := VerifyPolicyBinding(secret, "wrong-policy", binding); !errors.Is(err, ErrPolicyBindingMismatch) {
		t.Error("SECURITY: verification should fail with wrong policy")
	}
}

func TestECDH(t *testing.T) {
	for _, mode := range []ECCMode{ECCModeSecp256r1, ECCModeSecp384r1, ECCModeSecp521r1} {
		t.Run(modeName(mode), func(t *testing.T) {
			aliceKey, err := GenerateECKeyPair(mode)
			if err != nil {
				t.Fatalf("key generation failed: %v", err)
			}
			bobKey, _ := GenerateECKeyPair(mode)

			aliceShared, err := ECDH(aliceKey, bobKey.PublicKey())
			if err != nil {
				t.Fatalf("Alice ECDH failed: %v", err)
			}
			bobShared, err := ECDH(bobKey, aliceKey.PublicKey())
			if err != nil {
				t.Fatalf("Bob ECDH failed: %v", err)
			}

			if !bytes.Equal(aliceShared, bobShared) {
				t.Error("ECDH shared secrets don't match")
			}
		})
	}

	p256, _ := GenerateECKeyPair(ECCModeSecp256r1)
	p384, _ := GenerateECKeyPair(ECCModeSecp384r1)
	if _, err := ECDH(p256, p384.PublicKey()); !errors.Is(err, ErrCurveMismatch) {
		t.Errorf("expected ErrCurveMismatch, got %v", err)
	}
}

func TestECWrapUnwrap(t *testing.T) {
	recipient, _ := GenerateECKeyPair(ECCModeSecp256r1)
	secret := randomKey(t)

	wrapped, ephemeral, err := WrapKeyEC(secret, recipient.PublicKey())
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	unwrapped, err := UnwrapKeyEC(wrapped, ephemeral, recipient)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if !bytes.Equal(unwrapped, secret) {
		t.Error("unwrapped key doesn't match original")
	}

	other, _ := GenerateECKeyPair(ECCModeSecp256r1)
	if _, err := UnwrapKeyEC(wrapped, ephemeral, other); err == nil {
		t.Error("SECURITY: unwrap should fail with wrong private key")
	}
}

func TestECPEMRoundTrip(t *testing.T) {
	key, _ := GenerateECKeyPair(ECCModeSecp384r1)

	privPEM, err := MarshalECPrivateKeyPEM(key)
	if err != nil {
		t.Fatalf("marshal private key failed: %v", err)
	}
	parsed, err := ParseECPrivateKeyPEM([]byte(privPEM))
	if err != nil {
		t.Fatalf("parse private key failed: %v", err)
	}
	if !parsed.Equal(key) {
		t.Error("parsed private key doesn't match")
	}

	pubPEM, _ := MarshalECPublicKeyPEM(key.PublicKey())
	pub, err := ParseECPublicKeyPEM([]byte(pubPEM))
	if err != nil {
		t.Fatalf("parse public key failed: %v", err)
	}
	if !pub.Equal(key.PublicKey()) {
		t.Error("parsed public key doesn't match")
	}
}

func TestParseECCMode(t *testing.T) {
	for _, name := range []string{"secp256r1", "P-384", "p521"} {
		if _, err := ParseECCMode(name); err != nil {
			t.Errorf("ParseECCMode(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseECCMode("secp256k1"); !errors.Is(err, ErrUnsupportedCurve) {
		t.Errorf("expected ErrUnsupportedCurve, got %v", err)
	}
}

func TestHKDF(t *testing.T) {
	sharedSecret := randomKey(t)

	key, err := DeriveKey(sharedSecret, ECWrapSalt, nil, 32)
	if err != nil {
		t.Fatalf("key derivation failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("derived key size: got %d, want 32", len(key))
	}

	key2, _ := DeriveKey(sharedSecret, ECWrapSalt, nil, 32)
	if !bytes.Equal(key, key2) {
		t.Error("HKDF should be deterministic")
	}

	keys, err := DeriveKeys(sharedSecret, ECWrapSalt, nil, 32, 16)
	if err != nil {
		t.Fatalf("multi-key derivation failed: %v", err)
	}
	if len(keys[0]) != 32 || len(keys[1]) != 16 {
		t.Errorf("derived key sizes: got %d and %d", len(keys[0]), len(keys[1]))
	}
	if !bytes.Equal(keys[0], key) {
		t.Error("first derived key should match single derivation")
	}
}

func modeName(mode ECCMode) string {
	switch mode {
	case ECCModeSecp256r1:
		return "secp256r1"
	case ECCModeSecp384r1:
		return "secp384r1"
	case ECCModeSecp521r1:
		return "secp521r1"
	default:
		return "unknown"
	}
}
