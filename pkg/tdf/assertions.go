package tdf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opentdf/tdf/pkg/manifest"
)

// SystemMetadataSchema is the statement schema of SystemMetadataBinder.
const SystemMetadataSchema = "system-metadata-v1"

// SystemMetadataID is the assertion id used by SystemMetadataBinder.
const SystemMetadataID = "system-metadata"

// AssertionConfig describes one assertion to sign into a container.
type AssertionConfig struct {
	ID             string
	Type           string
	Scope          string
	AppliesToState string
	Statement      manifest.Statement

	// SigningKey signs the binding. When empty the payload key is used with
	// HS256.
	SigningKey manifest.AssertionKey
}

// AssertionBinder contributes an assertion to a container being written.
// The codec computes the hash and signs the binding.
type AssertionBinder interface {
	Bind(ctx context.Context, m *manifest.Manifest) (AssertionConfig, error)
}

// AssertionValidator checks assertions of one statement schema after their
// binding has been verified.
type AssertionValidator interface {
	Schema() string
	Validate(ctx context.Context, a manifest.Assertion, m *manifest.Manifest) error
}

// AssertionVerificationKeys selects keys for verifying assertion bindings.
type AssertionVerificationKeys struct {
	// DefaultKey applies to assertions without an entry in Keys.
	DefaultKey manifest.AssertionKey

	// Keys maps assertion id to key.
	Keys map[string]manifest.AssertionKey
}

// lookup returns the configured key for id and whether one was found.
func (k AssertionVerificationKeys) lookup(id string) (manifest.AssertionKey, bool) {
	if key, ok := k.Keys[id]; ok && !key.IsEmpty() {
		return key, true
	}
	if !k.DefaultKey.IsEmpty() {
		return k.DefaultKey, true
	}
	return manifest.AssertionKey{}, false
}

func payloadAssertionKey(payloadKey []byte) manifest.AssertionKey {
	return manifest.AssertionKey{Alg: manifest.AssertionKeyAlgHS256, Key: payloadKey}
}

// signAssertion builds and signs the assertion described by cfg.
func signAssertion(cfg AssertionConfig, aggregate, payloadKey []byte, legacy bool) (manifest.Assertion, error) {
	a := manifest.Assertion{
		ID:             cfg.ID,
		Type:           cfg.Type,
		Scope:          cfg.Scope,
		AppliesToState: cfg.AppliesToState,
		Statement:      cfg.Statement,
	}

	hash, err := a.Hash()
	if err != nil {
		return manifest.Assertion{}, err
	}
	sig, err := manifest.ComputeAssertionSignature(aggregate, hash, legacy)
	if err != nil {
		return manifest.Assertion{}, err
	}

	key := cfg.SigningKey
	if key.IsEmpty() {
		key = payloadAssertionKey(payloadKey)
	}
	if err := a.Sign(hash, sig, key); err != nil {
		return manifest.Assertion{}, err
	}
	return a, nil
}

// verifier checks a manifest's assertions on read.
type verifier struct {
	keys       AssertionVerificationKeys
	validators map[string]AssertionValidator
	permissive bool
	logger     logrus.FieldLogger
}

func newVerifier(cfg *DecryptConfig) *verifier {
	v := &verifier{
		keys:       cfg.AssertionVerificationKeys,
		validators: make(map[string]AssertionValidator, len(cfg.AssertionValidators)),
		permissive: cfg.Permissive,
		logger:     cfg.logger(),
	}
	for _, val := range cfg.AssertionValidators {
		v.validators[val.Schema()] = val
	}
	return v
}

func (v *verifier) verifyAll(ctx context.Context, m *manifest.Manifest, aggregate, payloadKey []byte) error {
	for i := range m.Assertions {
		if err := v.verify(ctx, m, &m.Assertions[i], aggregate, payloadKey); err != nil {
			return err
		}
	}
	return nil
}

func (v *verifier) verify(ctx context.Context, m *manifest.Manifest, a *manifest.Assertion, aggregate, payloadKey []byte) error {
	logger := v.logger.WithField("assertion_id", a.ID)

	key, configured := v.keys.lookup(a.ID)
	if !configured {
		alg, err := a.BindingAlgorithm()
		if err != nil {
			return assertionTampered(a.ID, fmt.Errorf("%w: %w", ErrAssertionMismatch, err))
		}
		if alg != manifest.AssertionKeyAlgHS256 {
			if v.permissive {
				logger.WithField("alg", alg).Warn("Skipping assertion without a verification key")
				return nil
			}
			return fmt.Errorf("%w: %q signed with %s", ErrMissingAssertionKey, a.ID, alg)
		}
		key = payloadAssertionKey(payloadKey)
	}

	hashClaim, sigClaim, err := a.Verify(key)
	if err != nil {
		if errors.Is(err, manifest.ErrAssertionKey) {
			return fmt.Errorf("%w: %q: %w", ErrMissingAssertionKey, a.ID, err)
		}
		return assertionTampered(a.ID, fmt.Errorf("%w: %w", ErrAssertionMismatch, err))
	}

	hash, err := a.Hash()
	if err != nil {
		return err
	}
	if hash != hashClaim {
		return assertionTampered(a.ID, fmt.Errorf("%w: hash", ErrAssertionMismatch))
	}

	sig, err := manifest.ComputeAssertionSignature(aggregate, hash, m.IsLegacy())
	if err != nil {
		return err
	}
	if sig != sigClaim {
		return assertionTampered(a.ID, fmt.Errorf("%w: signature", ErrAssertionMismatch))
	}

	if val, ok := v.validators[a.Statement.Schema]; ok {
		if err := val.Validate(ctx, *a, m); err != nil {
			return assertionTampered(a.ID, fmt.Errorf("%w: %w", ErrAssertionMismatch, err))
		}
	}

	logger.Debug("Verified assertion")
	return nil
}

// SystemMetadata is the statement SystemMetadataBinder writes.
type SystemMetadata struct {
	TDFSpecVersion  string `json:"tdf_spec_version"`
	CreationDate    string `json:"creation_date"`
	OperatingSystem string `json:"operating_system"`
	SDKVersion      string `json:"sdk_version"`
	GoVersion       string `json:"go_version"`
	Architecture    string `json:"architecture"`
}

// SystemMetadataBinder adds an assertion describing when and where the
// container was written.
type SystemMetadataBinder struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

// Bind implements AssertionBinder.
func (b SystemMetadataBinder) Bind(_ context.Context, m *manifest.Manifest) (AssertionConfig, error) {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	version := m.SchemaVersion
	if version == "" {
		version = "legacy"
	}
	value, err := json.Marshal(SystemMetadata{
		TDFSpecVersion:  version,
		CreationDate:    now().UTC().Format(time.RFC3339),
		OperatingSystem: runtime.GOOS,
		SDKVersion:      "Go-" + manifest.SchemaVersion,
		GoVersion:       runtime.Version(),
		Architecture:    runtime.GOARCH,
	})
	if err != nil {
		return AssertionConfig{}, err
	}

	return AssertionConfig{
		ID:             SystemMetadataID,
		Type:           manifest.AssertionTypeMetadata,
		Scope:          manifest.AssertionScopePayload,
		AppliesToState: manifest.AssertionStateUnencrypted,
		Statement: manifest.Statement{
			Format: manifest.StatementFormatJSONStructured,
			Schema: SystemMetadataSchema,
			Value:  string(value),
		},
	}, nil
}

// SystemMetadataValidator checks that a system metadata statement parses
// and carries a valid creation date.
type SystemMetadataValidator struct{}

func (SystemMetadataValidator) Schema() string { return SystemMetadataSchema }

// Validate implements AssertionValidator.
func (SystemMetadataValidator) Validate(_ context.Context, a manifest.Assertion, _ *manifest.Manifest) error {
	var md SystemMetadata
	if err := json.Unmarshal([]byte(a.Statement.Value), &md); err != nil {
		return fmt.Errorf("malformed system metadata: %w", err)
	}
	if _, err := time.Parse(time.RFC3339, md.CreationDate); err != nil {
		return fmt.Errorf("malformed creation date: %w", err)
	}
	return nil
}
