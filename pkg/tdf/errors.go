package tdf

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opentdf/tdf/pkg/archive"
)

var (
	// Configuration errors, raised before any key material is generated
	ErrMissingKAS              = errors.New("key access server is required")
	ErrKASInfoMissing          = errors.New("no key access server information to build a split plan")
	ErrConflictingSplitOptions = errors.New("split plan and autoconfigure are mutually exclusive")
	ErrInvalidSegmentSize      = errors.New("invalid segment size")
	ErrInvalidTargetMode       = errors.New("invalid target mode")
	ErrInvalidIntegrityAlg     = errors.New("invalid integrity algorithm")

	// Input errors
	ErrDataSizeNotSupported = errors.New("payload exceeds the maximum supported size")
	ErrManifestTooLarge     = errors.New("manifest exceeds the maximum size")
	ErrInvalidManifest      = errors.New("invalid manifest")
	ErrSegmentSizeMismatch  = errors.New("segment sizes are inconsistent")
	ErrMissingAssertionKey  = errors.New("no verification key for assertion")

	// Tamper errors; every one is reported inside an *IntegrityError
	ErrTampered                 = errors.New("tamper detected")
	ErrRootSignatureMismatch    = errors.New("root signature does not match")
	ErrSegmentSignatureMismatch = errors.New("segment signature does not match")
	ErrPayloadDecryption        = errors.New("segment failed authentication")
	ErrAssertionMismatch        = errors.New("assertion does not match")

	// ErrSplitKeyReconstruction is matched by *SplitKeyError.
	ErrSplitKeyReconstruction = errors.New("unable to reconstruct split key")

	// State errors
	ErrWriterClosed = errors.New("writer is closed")
)

// IntegrityError reports detected tampering. It matches ErrTampered as well
// as the specific cause.
type IntegrityError struct {
	// Err is one of the tamper sentinels.
	Err error

	// Segment is the payload segment index, or -1.
	Segment int

	// Offset is the plaintext offset of Segment.
	Offset int64

	// AssertionID names the failing assertion, if any.
	AssertionID string
}

func (e *IntegrityError) Error() string {
	switch {
	case e.AssertionID != "":
		return fmt.Sprintf("%v: %v: assertion %q", ErrTampered, e.Err, e.AssertionID)
	case e.Segment >= 0:
		return fmt.Sprintf("%v: %v: segment %d at offset %d", ErrTampered, e.Err, e.Segment, e.Offset)
	default:
		return fmt.Sprintf("%v: %v", ErrTampered, e.Err)
	}
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func (e *IntegrityError) Is(target error) bool { return target == ErrTampered }

func rootTampered() error {
	return &IntegrityError{Err: ErrRootSignatureMismatch, Segment: -1}
}

func assertionTampered(id string, err error) error {
	return &IntegrityError{Err: err, Segment: -1, AssertionID: id}
}

// SplitFailure is one key access entry that could not be unwrapped.
type SplitFailure struct {
	SplitID string
	KAS     string
	Err     error
}

// SplitKeyError is returned when fewer splits were unwrapped than the
// manifest declares.
type SplitKeyError struct {
	Declared int
	Found    int
	Failures []SplitFailure
}

func (e *SplitKeyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %d of %d splits", ErrSplitKeyReconstruction, e.Found, e.Declared)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; split %q at %s: %v", f.SplitID, f.KAS, f.Err)
	}
	return b.String()
}

func (e *SplitKeyError) Is(target error) bool { return target == ErrSplitKeyReconstruction }

// Unwrap exposes the individual unwrap failures.
func (e *SplitKeyError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// errorType classifies err for the errors metric.
func errorType(err error) string {
	var splitErr *SplitKeyError
	switch {
	case errors.Is(err, ErrTampered):
		return "tamper"
	case errors.As(err, &splitErr):
		return "split_key"
	case errors.Is(err, ErrMissingKAS), errors.Is(err, ErrKASInfoMissing),
		errors.Is(err, ErrConflictingSplitOptions), errors.Is(err, ErrInvalidSegmentSize),
		errors.Is(err, ErrInvalidTargetMode), errors.Is(err, ErrInvalidIntegrityAlg):
		return "config"
	case errors.Is(err, ErrDataSizeNotSupported), errors.Is(err, ErrManifestTooLarge),
		errors.Is(err, ErrInvalidManifest), errors.Is(err, ErrSegmentSizeMismatch),
		errors.Is(err, archive.ErrInvalidArchive):
		return "invalid_input"
	default:
		return "other"
	}
}
