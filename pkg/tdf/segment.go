package tdf

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/opentdf/tdf/pkg/crypto"
)

// integrityValue returns what a signature contributes to the aggregate hash
// and to the manifest: the raw bytes, or their hex text in legacy mode.
func integrityValue(sig []byte, legacy bool) []byte {
	if legacy {
		return []byte(hex.EncodeToString(sig))
	}
	return sig
}

// segmentSignature computes the integrity value of one encrypted segment.
func segmentSignature(alg string, payloadKey, encrypted []byte, legacy bool) ([]byte, error) {
	sig, err := crypto.CalculateSignature(alg, payloadKey, encrypted)
	if err != nil {
		return nil, err
	}
	return integrityValue(sig, legacy), nil
}

// rootSignature computes the Base64 root signature over the aggregate hash.
func rootSignature(alg string, payloadKey, aggregate []byte, legacy bool) (string, error) {
	sig, err := crypto.CalculateSignature(alg, payloadKey, aggregate)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(integrityValue(sig, legacy)), nil
}
