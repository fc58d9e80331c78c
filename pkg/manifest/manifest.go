// Package manifest defines the JSON structures of a TDF manifest and the two
// operations computed over them: the aggregate segment hash and assertion
// hashing, signing and verification.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// SchemaVersion is the manifest schema version written by this package.
	// Manifests without a schema version are treated as legacy.
	SchemaVersion = "4.3.0"

	// EncryptionTypeSplit indicates the payload key is split across key access servers.
	EncryptionTypeSplit = "split"

	// KeyAccessTypeWrapped indicates the split secret is RSA-OAEP wrapped.
	KeyAccessTypeWrapped = "wrapped"

	// KeyAccessTypeECWrapped indicates the split secret is wrapped with an
	// ECDH-derived key; the ephemeral public key travels in the key access.
	KeyAccessTypeECWrapped = "ec-wrapped"

	// KeyAccessTypeRemote indicates the key is stored remotely (legacy).
	KeyAccessTypeRemote = "remote"

	// ProtocolKAS is the standard protocol for key access.
	ProtocolKAS = "kas"

	// PayloadTypeReference indicates the payload is referenced within the archive.
	PayloadTypeReference = "reference"

	// PayloadProtocolZip indicates standard ZIP packaging.
	PayloadProtocolZip = "zip"

	// PayloadProtocolZipStream indicates streaming ZIP packaging.
	PayloadProtocolZipStream = "zipstream"

	// PayloadFilename is the payload entry name in the archive.
	PayloadFilename = "0.payload"

	// ManifestFilename is the manifest entry name in the archive.
	ManifestFilename = "0.manifest.json"

	// DefaultMIMEType is used when no MIME type is specified.
	DefaultMIMEType = "application/octet-stream"

	// AlgorithmAES256GCM is the payload encryption algorithm.
	AlgorithmAES256GCM = "AES-256-GCM"

	// AlgorithmHS256 is HMAC-SHA256, used for policy bindings and integrity.
	AlgorithmHS256 = "HS256"

	// AlgorithmGMAC selects the AES-GCM tag as a segment integrity value.
	AlgorithmGMAC = "GMAC"
)

// ErrInvalid is returned by Validate for structurally unusable manifests.
var ErrInvalid = errors.New("invalid manifest")

// Manifest represents the complete TDF manifest.json structure.
type Manifest struct {
	// SchemaVersion is the semver version of the manifest schema.
	// Empty for containers written by legacy producers.
	SchemaVersion string `json:"schemaVersion,omitempty"`

	// EncryptionInformation contains key access, method, integrity, and policy details.
	EncryptionInformation EncryptionInformation `json:"encryptionInformation"`

	// Payload describes the encrypted payload location and characteristics.
	Payload Payload `json:"payload"`

	// Assertions contains optional verifiable statements about the TDF.
	Assertions []Assertion `json:"assertions,omitempty"`
}

// EncryptionInformation holds the key splits, the payload cipher, the
// integrity tree and the policy.
type EncryptionInformation struct {
	// Type is always "split".
	Type string `json:"type"`

	// KeyAccess lists one entry per (key access server, split) pair.
	KeyAccess []KeyAccess `json:"keyAccess"`

	Method Method `json:"method"`

	IntegrityInformation IntegrityInformation `json:"integrityInformation"`

	// Policy is Base64(JSON(Policy)). Policy bindings are computed over this
	// exact string.
	Policy string `json:"policy"`
}

// Method names the payload cipher.
type Method struct {
	Algorithm string `json:"algorithm"`

	// IsStreamable is set for segmented payloads.
	IsStreamable bool `json:"isStreamable"`

	// IV is unused by segmented payloads, where each segment carries its own
	// nonce.
	IV string `json:"iv"`
}

// Payload locates the encrypted payload inside the archive.
type Payload struct {
	// Type is always "reference".
	Type string `json:"type"`

	// Reference is the archive entry name of the payload.
	Reference string `json:"url"`

	// Protocol is "zip" or "zipstream".
	Protocol string `json:"protocol"`

	IsEncrypted bool `json:"isEncrypted"`

	// MIMEType of the plaintext.
	MIMEType string `json:"mimeType,omitempty"`
}

// NewManifest creates a new manifest with default values.
func NewManifest() *Manifest {
	return &Manifest{
		SchemaVersion: SchemaVersion,
		Payload: Payload{
			Type:        PayloadTypeReference,
			Reference:   PayloadFilename,
			Protocol:    PayloadProtocolZip,
			IsEncrypted: true,
			MIMEType:    DefaultMIMEType,
		},
		EncryptionInformation: EncryptionInformation{
			Type:      EncryptionTypeSplit,
			KeyAccess: []KeyAccess{},
			Method: Method{
				Algorithm:    AlgorithmAES256GCM,
				IsStreamable: true,
			},
			IntegrityInformation: IntegrityInformation{
				RootSignature: RootSignature{
					Algorithm: AlgorithmHS256,
				},
				SegmentHashAlgorithm: AlgorithmGMAC,
				Segments:             []Segment{},
			},
		},
	}
}

// IsLegacy reports whether the manifest predates schema versioning. Legacy
// manifests carry hex-encoded integrity values.
func (m *Manifest) IsLegacy() bool {
	return m.SchemaVersion == ""
}

// SplitIDs returns the distinct split ids of the key access list in
// first-seen order.
func (m *Manifest) SplitIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, ka := range m.EncryptionInformation.KeyAccess {
		if !seen[ka.SplitID] {
			seen[ka.SplitID] = true
			ids = append(ids, ka.SplitID)
		}
	}
	return ids
}

// Validate checks the fields a reader depends on before any key is requested.
func (m *Manifest) Validate() error {
	ei := m.EncryptionInformation
	if len(ei.KeyAccess) == 0 {
		return fmt.Errorf("%w: no key access entries", ErrInvalid)
	}
	if ei.Method.Algorithm != "" && ei.Method.Algorithm != AlgorithmAES256GCM {
		return fmt.Errorf("%w: unsupported method %q", ErrInvalid, ei.Method.Algorithm)
	}
	for i, ka := range ei.KeyAccess {
		if ka.WrappedKey == "" {
			return fmt.Errorf("%w: key access %d has no wrapped key", ErrInvalid, i)
		}
	}

	ii := ei.IntegrityInformation
	if !knownIntegrityAlg(ii.RootSignature.Algorithm) {
		return fmt.Errorf("%w: unsupported root signature algorithm %q", ErrInvalid, ii.RootSignature.Algorithm)
	}
	if !knownIntegrityAlg(ii.SegmentHashAlgorithm) {
		return fmt.Errorf("%w: unsupported segment hash algorithm %q", ErrInvalid, ii.SegmentHashAlgorithm)
	}
	if ii.SegmentSizeDefault < 0 || ii.EncryptedSegmentSizeDefault < 0 {
		return fmt.Errorf("%w: negative segment size", ErrInvalid)
	}
	for i, seg := range ii.Segments {
		if seg.SegmentSize < 0 || seg.EncryptedSegmentSize < 0 {
			return fmt.Errorf("%w: segment %d has a negative size", ErrInvalid, i)
		}
	}

	return nil
}

func knownIntegrityAlg(alg string) bool {
	return alg == AlgorithmHS256 || alg == AlgorithmGMAC
}

// ToJSON serializes the manifest to JSON bytes.
func (m *Manifest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ToJSONPretty serializes the manifest to indented JSON bytes.
func (m *Manifest) ToJSONPretty() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// FromJSON deserializes a manifest from JSON bytes.
func FromJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
