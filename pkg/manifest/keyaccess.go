package manifest

import (
	"bytes"
	"encoding/json"
)

// KeyAccess describes how to obtain one split secret from a key access server.
type KeyAccess struct {
	// Type specifies how the secret is wrapped.
	// Values: "wrapped" (RSA-OAEP), "ec-wrapped", "remote" (legacy).
	Type string `json:"type"`

	// URL is the base URL of the key access server.
	URL string `json:"url"`

	// Protocol used to interact with the server. Only "kas" is defined.
	Protocol string `json:"protocol"`

	// WrappedKey is the Base64-encoded split secret encrypted with the
	// server's public key.
	WrappedKey string `json:"wrappedKey"`

	// PolicyBinding binds the policy to the split secret.
	PolicyBinding PolicyBinding `json:"policyBinding"`

	// KeyID optionally identifies the server key used to wrap the secret.
	KeyID string `json:"kid,omitempty"`

	// SplitID identifies the split this entry contributes to. Entries sharing
	// a split id are alternatives carrying the same secret.
	SplitID string `json:"sid,omitempty"`

	// EncryptedMetadata is optional Base64-encoded encrypted metadata.
	EncryptedMetadata string `json:"encryptedMetadata,omitempty"`

	// EphemeralPublicKey is the PEM ephemeral key for "ec-wrapped" entries.
	EphemeralPublicKey string `json:"ephemeralPublicKey,omitempty"`
}

// PolicyBinding provides cryptographic binding between the policy and a split
// secret. The server verifies this binding before releasing the secret.
//
// Legacy manifests encode the binding as a bare hash string; such a binding
// decodes with an empty Algorithm and encodes back to a string.
type PolicyBinding struct {
	// Algorithm used to generate the hash. Always "HS256" when set.
	Algorithm string `json:"alg"`

	// Hash is Base64(Hex(HMAC-SHA256(secret, Base64EncodedPolicy))).
	Hash string `json:"hash"`
}

type policyBindingObject PolicyBinding

// MarshalJSON implements json.Marshaler.
func (b PolicyBinding) MarshalJSON() ([]byte, error) {
	if b.Algorithm == "" {
		return json.Marshal(b.Hash)
	}
	return json.Marshal(policyBindingObject(b))
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *PolicyBinding) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		*b = PolicyBinding{}
		return json.Unmarshal(data, &b.Hash)
	}
	return json.Unmarshal(data, (*policyBindingObject)(b))
}

// EncryptedMetadata is the JSON object that EncryptedMetadata decodes to.
type EncryptedMetadata struct {
	// Ciphertext is Base64(nonce || ciphertext || tag).
	Ciphertext string `json:"ciphertext"`

	// IV is the Base64 nonce, repeated from the front of Ciphertext.
	IV string `json:"iv"`
}

// NewKeyAccess creates a new RSA wrapped KeyAccess with default values.
func NewKeyAccess(url string, wrappedKey string, policyBinding PolicyBinding) KeyAccess {
	return KeyAccess{
		Type:          KeyAccessTypeWrapped,
		URL:           url,
		Protocol:      ProtocolKAS,
		WrappedKey:    wrappedKey,
		PolicyBinding: policyBinding,
	}
}
