package manifest

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// IntegrityInformation provides mechanisms to verify payload integrity.
// Essential for streaming and detecting tampering.
type IntegrityInformation struct {
	// RootSignature is a cryptographic signature over all segment hashes.
	RootSignature RootSignature `json:"rootSignature"`

	// SegmentHashAlgorithm is the algorithm used to generate segment hashes.
	// "GMAC" is the default with AES-256-GCM.
	SegmentHashAlgorithm string `json:"segmentHashAlg"`

	// Segments is an array of segment integrity information.
	// One entry per payload segment, in order.
	Segments []Segment `json:"segments"`

	// SegmentSizeDefault is the default plaintext segment size in bytes.
	SegmentSizeDefault int64 `json:"segmentSizeDefault"`

	// EncryptedSegmentSizeDefault is the default encrypted segment size in bytes.
	// Includes the nonce and authentication tag overhead (12 + 16 bytes).
	EncryptedSegmentSizeDefault int64 `json:"encryptedSegmentSizeDefault"`
}

// RootSignature contains the overall payload integrity signature.
type RootSignature struct {
	// Algorithm used for the signature: "HS256" or "GMAC".
	Algorithm string `json:"alg"`

	// Signature is the Base64-encoded signature over the aggregate hash.
	// Legacy manifests Base64-encode the hex form of the signature.
	Signature string `json:"sig"`
}

// Segment contains integrity information for a single payload segment.
type Segment struct {
	// Hash is the Base64-encoded hash/tag for this segment.
	// For GMAC, this is the AES-GCM authentication tag.
	Hash string `json:"hash"`

	// SegmentSize is the plaintext size of this segment in bytes.
	SegmentSize int64 `json:"segmentSize"`

	// EncryptedSegmentSize is the ciphertext size in bytes, nonce and tag included.
	EncryptedSegmentSize int64 `json:"encryptedSegmentSize"`
}

// ComputeAggregateHash concatenates the segment hashes in order. For an
// encrypted payload each hash is Base64-decoded first; otherwise the raw hash
// strings are used. The result is the input to the root signature and to
// every assertion binding.
func ComputeAggregateHash(segments []Segment, isEncrypted bool) ([]byte, error) {
	var buf bytes.Buffer
	for i, seg := range segments {
		if !isEncrypted {
			buf.WriteString(seg.Hash)
			continue
		}

		decoded, err := base64.StdEncoding.DecodeString(seg.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to decode hash of segment %d: %w", i, err)
		}
		buf.Write(decoded)
	}
	return buf.Bytes(), nil
}
