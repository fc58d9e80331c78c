// Package tdf encrypts and decrypts TDF containers.
//
// A container is a ZIP64 archive holding a segmented AES-256-GCM payload and
// a JSON manifest. The payload key is the XOR of one secret per split; each
// split's secret is wrapped for one or more key access servers, so reading a
// container needs one successful unwrap per split.
package tdf

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"

	"github.com/opentdf/tdf/pkg/autoconfigure"
	"github.com/opentdf/tdf/pkg/crypto"
	"github.com/opentdf/tdf/pkg/kas"
	"github.com/opentdf/tdf/pkg/manifest"
	"github.com/opentdf/tdf/pkg/metrics"
)

const (
	// DefaultSegmentSize is the default plaintext segment size (2 MiB).
	DefaultSegmentSize = 2 * 1024 * 1024

	// MaxSegmentSize bounds the plaintext segment size accepted on write
	// and on read.
	MaxSegmentSize = 4 * 1024 * 1024

	// DefaultMaxPayloadSize is the default plaintext limit (64 GiB).
	DefaultMaxPayloadSize = 64 << 30

	// DefaultMaxManifestSize is the default manifest read limit (10 MiB).
	DefaultMaxManifestSize = 10 * 1024 * 1024

	// LegacyVersionThreshold is the first schema version written with
	// Base64 integrity values and a schemaVersion field. Target modes below
	// it produce legacy containers.
	LegacyVersionThreshold = manifest.SchemaVersion
)

// EncryptConfig contains configuration for TDF encryption.
type EncryptConfig struct {
	// KAS fetches public keys not already present in KASInfo or KeyCache.
	KAS kas.KAS

	// KASInfo lists the key access servers to encrypt for. Without a split
	// plan or autoconfigure, the secret is split once per entry.
	KASInfo []kas.KASInfo

	// SplitPlan assigns servers to splits explicitly.
	SplitPlan []autoconfigure.SplitStep

	// Autoconfigure derives the split plan from the policy attributes.
	Autoconfigure bool

	// Attributes are attribute value FQNs added to the policy.
	Attributes []string

	// AttributeValues are resolved attributes for offline autoconfigure.
	// When set they take precedence over AttributeService.
	AttributeValues []autoconfigure.AttributeAndValue

	// AttributeService resolves Attributes for autoconfigure.
	AttributeService autoconfigure.AttributeService

	// KeyCache caches public keys; autoconfigure seeds it from grants.
	KeyCache *kas.KeyCache

	// Policy overrides the generated policy. Attributes are appended to it.
	Policy *manifest.Policy

	// Dissem lists entities added to the policy's dissemination list.
	Dissem []string

	// SegmentSize is the plaintext segment size. Defaults to 2 MiB.
	SegmentSize int64

	// MIMEType of the plaintext. Defaults to "application/octet-stream".
	MIMEType string

	// Metadata is encrypted with each split secret and stored in the key
	// access entries.
	Metadata []byte

	// RootIntegrityAlgorithm is "HS256" (default) or "GMAC".
	RootIntegrityAlgorithm string

	// SegmentIntegrityAlgorithm is "GMAC" (default) or "HS256".
	SegmentIntegrityAlgorithm string

	// Assertions are signed into the manifest after AssertionBinders.
	Assertions []AssertionConfig

	// AssertionBinders each contribute one assertion, in order.
	AssertionBinders []AssertionBinder

	// MaxPayloadSize bounds the plaintext. Defaults to 64 GiB.
	MaxPayloadSize int64

	// TargetMode is the schema version to write, e.g. "4.2.2". Versions
	// below LegacyVersionThreshold produce legacy containers. Empty means
	// the current version.
	TargetMode string

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// DecryptConfig contains configuration for TDF decryption.
type DecryptConfig struct {
	// KAS unwraps split secrets. Required.
	KAS kas.KAS

	// MaxManifestSize bounds the manifest entry. Defaults to 10 MiB.
	MaxManifestSize int64

	// AssertionVerificationKeys selects the key per assertion. Assertions
	// without a configured key are verified with the payload key.
	AssertionVerificationKeys AssertionVerificationKeys

	// DisableAssertionVerification skips assertion checks entirely.
	DisableAssertionVerification bool

	// Permissive skips assertions signed with an asymmetric algorithm when
	// no key is configured for them. Verification failures stay fatal.
	Permissive bool

	// AssertionValidators check statements by schema once the binding is
	// verified.
	AssertionValidators []AssertionValidator

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Validate checks the encryption config for conflicting or missing fields.
func (c *EncryptConfig) Validate() error {
	if len(c.SplitPlan) > 0 && c.Autoconfigure {
		return ErrConflictingSplitOptions
	}
	if c.SegmentSize < 0 || c.SegmentSize > MaxSegmentSize {
		return fmt.Errorf("%w: %d", ErrInvalidSegmentSize, c.SegmentSize)
	}
	if c.MaxPayloadSize < 0 {
		return fmt.Errorf("%w: negative max payload size", ErrDataSizeNotSupported)
	}
	for _, alg := range []string{c.RootIntegrityAlgorithm, c.SegmentIntegrityAlgorithm} {
		if alg != "" && alg != crypto.AlgHS256 && alg != crypto.AlgGMAC {
			return fmt.Errorf("%w: %q", ErrInvalidIntegrityAlg, alg)
		}
	}
	if _, err := isLegacyTarget(c.TargetMode); err != nil {
		return err
	}
	if !c.Autoconfigure && len(c.SplitPlan) == 0 && len(c.KASInfo) == 0 {
		return ErrKASInfoMissing
	}
	return nil
}

func (c *EncryptConfig) segmentSize() int64 {
	if c.SegmentSize == 0 {
		return DefaultSegmentSize
	}
	return c.SegmentSize
}

func (c *EncryptConfig) maxPayloadSize() int64 {
	if c.MaxPayloadSize == 0 {
		return DefaultMaxPayloadSize
	}
	return c.MaxPayloadSize
}

func (c *EncryptConfig) mimeType() string {
	if c.MIMEType == "" {
		return manifest.DefaultMIMEType
	}
	return c.MIMEType
}

func (c *EncryptConfig) rootAlg() string {
	if c.RootIntegrityAlgorithm == "" {
		return crypto.AlgHS256
	}
	return c.RootIntegrityAlgorithm
}

func (c *EncryptConfig) segmentAlg() string {
	if c.SegmentIntegrityAlgorithm == "" {
		return crypto.AlgGMAC
	}
	return c.SegmentIntegrityAlgorithm
}

func (c *EncryptConfig) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// Validate checks the decryption config.
func (c *DecryptConfig) Validate() error {
	if c.KAS == nil {
		return ErrMissingKAS
	}
	if c.MaxManifestSize < 0 {
		return fmt.Errorf("%w: negative max manifest size", ErrManifestTooLarge)
	}
	return nil
}

func (c *DecryptConfig) maxManifestSize() int64 {
	if c.MaxManifestSize == 0 {
		return DefaultMaxManifestSize
	}
	return c.MaxManifestSize
}

func (c *DecryptConfig) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// isLegacyTarget reports whether the target mode is below
// LegacyVersionThreshold.
func isLegacyTarget(mode string) (bool, error) {
	if mode == "" {
		return false, nil
	}
	v := mode
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return false, fmt.Errorf("%w: %q", ErrInvalidTargetMode, mode)
	}
	return semver.Compare(v, "v"+LegacyVersionThreshold) < 0, nil
}
