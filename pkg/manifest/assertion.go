package manifest

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"
)

// Assertion represents a verifiable statement about the TDF or its payload.
// Assertions are used for security labeling, handling instructions, and metadata.
type Assertion struct {
	// ID is a unique identifier for this assertion within the manifest.
	ID string `json:"id"`

	// Type categorizes the assertion's purpose.
	// Common values: "handling" (caveats, dissemination controls), "metadata"
	Type string `json:"type"`

	// Scope specifies what the assertion applies to.
	// Values: "tdo" (entire TDF object), "payload" (just the payload)
	Scope string `json:"scope"`

	// AppliesToState indicates if the statement applies to encrypted or unencrypted data.
	// Values: "encrypted", "unencrypted"
	AppliesToState string `json:"appliesToState,omitempty"`

	// Statement is the actual assertion content.
	Statement Statement `json:"statement"`

	// Binding is a cryptographic signature ensuring the assertion's integrity.
	Binding AssertionBinding `json:"binding"`
}

// Statement contains the assertion's content.
type Statement struct {
	// Format describes the content encoding format.
	// Values: "json-structured", "xml-structured", "base64binary", "string"
	Format string `json:"format"`

	// Schema is a URI identifying the schema for structured content.
	// Assertion validators are selected by schema.
	Schema string `json:"schema,omitempty"`

	// Value is the statement content, encoded per Format.
	Value string `json:"value"`
}

// AssertionBinding ensures the assertion cannot be moved to another TDF.
type AssertionBinding struct {
	// Method is the binding method used. Only "jws" is produced.
	Method string `json:"method"`

	// Signature is the compact JWS binding this assertion.
	Signature string `json:"signature"`
}

// Assertion types
const (
	AssertionTypeHandling = "handling"
	AssertionTypeMetadata = "metadata"
)

// Assertion scopes
const (
	AssertionScopeTDO     = "tdo"
	AssertionScopePayload = "payload"
)

// Assertion states
const (
	AssertionStateEncrypted   = "encrypted"
	AssertionStateUnencrypted = "unencrypted"
)

// Statement formats
const (
	StatementFormatJSONStructured = "json-structured"
	StatementFormatXMLStructured  = "xml-structured"
	StatementFormatBase64Binary   = "base64binary"
	StatementFormatString         = "string"
)

// BindingMethodJWS is the only assertion binding method.
const BindingMethodJWS = "jws"

// Assertion signing algorithms.
const (
	AssertionKeyAlgHS256 = "HS256"
	AssertionKeyAlgRS256 = "RS256"
)

const (
	claimAssertionHash = "assertionHash"
	claimAssertionSig  = "assertionSig"
)

var (
	ErrAssertionKey      = errors.New("unsupported assertion key")
	ErrAssertionBinding  = errors.New("assertion binding verification failed")
	ErrAssertionUnsigned = errors.New("assertion has no binding")
)

// AssertionKey is the key used to sign or verify an assertion binding.
//
// HS256 keys are []byte. RS256 keys are *rsa.PrivateKey for signing and
// either *rsa.PublicKey or *rsa.PrivateKey for verification.
type AssertionKey struct {
	Alg string
	Key any
}

// IsEmpty reports whether no key is configured.
func (k AssertionKey) IsEmpty() bool {
	return k.Alg == "" && k.Key == nil
}

func (k AssertionKey) signingMethod() (jwt.SigningMethod, error) {
	switch k.Alg {
	case AssertionKeyAlgHS256:
		return jwt.SigningMethodHS256, nil
	case AssertionKeyAlgRS256:
		return jwt.SigningMethodRS256, nil
	default:
		return nil, fmt.Errorf("%w: algorithm %q", ErrAssertionKey, k.Alg)
	}
}

func (k AssertionKey) verificationKey() (any, error) {
	switch key := k.Key.(type) {
	case []byte:
		if k.Alg != AssertionKeyAlgHS256 {
			return nil, fmt.Errorf("%w: symmetric key for %s", ErrAssertionKey, k.Alg)
		}
		return key, nil
	case *rsa.PublicKey:
		return key, nil
	case *rsa.PrivateKey:
		return &key.PublicKey, nil
	default:
		return nil, fmt.Errorf("%w: key type %T", ErrAssertionKey, k.Key)
	}
}

// assertionContent is an Assertion without its binding; the hash covers
// exactly these fields.
type assertionContent struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Scope          string    `json:"scope"`
	AppliesToState string    `json:"appliesToState,omitempty"`
	Statement      Statement `json:"statement"`
}

// Hash returns the hex SHA-256 of the RFC 8785 canonical JSON of the
// assertion, binding excluded.
func (a *Assertion) Hash() (string, error) {
	raw, err := json.Marshal(assertionContent{
		ID:             a.ID,
		Type:           a.Type,
		Scope:          a.Scope,
		AppliesToState: a.AppliesToState,
		Statement:      a.Statement,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal assertion: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize assertion: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeAssertionSignature returns the value an assertion's assertionSig
// claim must carry: Base64(aggregateHash || assertionHash), where the
// assertion hash is appended as its hex text for legacy containers and as
// the decoded digest otherwise.
func ComputeAssertionSignature(aggregateHash []byte, assertionHashHex string, legacy bool) (string, error) {
	var hashBytes []byte
	if legacy {
		hashBytes = []byte(assertionHashHex)
	} else {
		decoded, err := hex.DecodeString(assertionHashHex)
		if err != nil {
			return "", fmt.Errorf("failed to decode assertion hash: %w", err)
		}
		hashBytes = decoded
	}

	combined := make([]byte, 0, len(aggregateHash)+len(hashBytes))
	combined = append(combined, aggregateHash...)
	combined = append(combined, hashBytes...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// Sign sets the assertion binding to a compact JWS carrying the assertion
// hash and signature claims.
func (a *Assertion) Sign(hash, sig string, key AssertionKey) error {
	method, err := key.signingMethod()
	if err != nil {
		return err
	}

	token := jwt.NewWithClaims(method, jwt.MapClaims{
		claimAssertionHash: hash,
		claimAssertionSig:  sig,
	})

	signed, err := token.SignedString(key.Key)
	if err != nil {
		return fmt.Errorf("failed to sign assertion %q: %w", a.ID, err)
	}

	a.Binding = AssertionBinding{
		Method:    BindingMethodJWS,
		Signature: signed,
	}
	return nil
}

// Verify checks the binding JWS with key and returns the hash and signature
// claims. Comparing them to recomputed values is the caller's job.
func (a *Assertion) Verify(key AssertionKey) (hash, sig string, err error) {
	if a.Binding.Signature == "" {
		return "", "", ErrAssertionUnsigned
	}

	method, err := key.signingMethod()
	if err != nil {
		return "", "", err
	}
	verifyKey, err := key.verificationKey()
	if err != nil {
		return "", "", err
	}

	token, err := jwt.Parse(a.Binding.Signature,
		func(*jwt.Token) (any, error) { return verifyKey, nil },
		jwt.WithValidMethods([]string{method.Alg()}),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrAssertionBinding, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("%w: unexpected claims type", ErrAssertionBinding)
	}

	hash, hashOK := claims[claimAssertionHash].(string)
	sig, sigOK := claims[claimAssertionSig].(string)
	if !hashOK || !sigOK {
		return "", "", fmt.Errorf("%w: missing binding claims", ErrAssertionBinding)
	}

	return hash, sig, nil
}

// BindingAlgorithm returns the JWS algorithm named in the binding header
// without verifying the signature.
func (a *Assertion) BindingAlgorithm() (string, error) {
	if a.Binding.Signature == "" {
		return "", ErrAssertionUnsigned
	}
	token, _, err := jwt.NewParser().ParseUnverified(a.Binding.Signature, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAssertionBinding, err)
	}
	return token.Method.Alg(), nil
}
