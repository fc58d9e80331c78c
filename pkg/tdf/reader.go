package tdf

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opentdf/tdf/pkg/archive"
	"github.com/opentdf/tdf/pkg/crypto"
	"github.com/opentdf/tdf/pkg/dek"
	"github.com/opentdf/tdf/pkg/manifest"
	"github.com/opentdf/tdf/pkg/metrics"
)

// Reader provides streaming decryption of a TDF container. Every segment is
// authenticated before any of its plaintext is returned.
type Reader struct {
	config   DecryptConfig
	manifest *manifest.Manifest
	logger   logrus.FieldLogger
	start    time.Time

	payload    *io.SectionReader
	payloadKey []byte
	gcm        *crypto.AESGCM
	segmentAlg string
	metadata   []byte

	// layout[i] locates segment i
	layout      []segmentLayout
	payloadSize int64

	// Sequential read state
	current   int
	plaintext []byte
	plainPos  int
	bytesRead int64

	// readErr is the first integrity failure seen by Read
	readErr error
}

type segmentLayout struct {
	encOffset   int64
	encSize     int64
	plainOffset int64
	plainSize   int64
}

// LoadTDF opens the container in r, unwraps the payload key through the
// configured KAS and verifies the root signature and the assertions. The
// payload is decrypted lazily by Read, ReadAt and ReadPayload.
func LoadTDF(ctx context.Context, r io.ReaderAt, size int64, cfg DecryptConfig) (*Reader, error) {
	tr, err := loadTDF(ctx, r, size, cfg)
	if err != nil {
		cfg.Metrics.RecordError(metrics.OperationDecrypt, errorType(err))
		return nil, err
	}
	return tr, nil
}

func loadTDF(ctx context.Context, r io.ReaderAt, size int64, cfg DecryptConfig) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	logger := cfg.logger()

	ar, err := archive.Open(r, size)
	if err != nil {
		return nil, err
	}

	m, err := readManifest(ar, cfg.maxManifestSize())
	if err != nil {
		return nil, err
	}

	payload, err := ar.Open(manifest.PayloadFilename)
	if err != nil {
		return nil, err
	}

	tr := &Reader{
		config:     cfg,
		manifest:   m,
		logger:     logger,
		start:      start,
		payload:    payload,
		segmentAlg: m.EncryptionInformation.IntegrityInformation.SegmentHashAlgorithm,
	}

	if err := tr.unwrapPayloadKey(ctx); err != nil {
		return nil, err
	}
	if tr.gcm, err = crypto.NewAESGCM(tr.payloadKey); err != nil {
		return nil, err
	}

	aggregate, err := tr.verifyRootSignature()
	if err != nil {
		return nil, err
	}

	if err := tr.buildLayout(); err != nil {
		return nil, err
	}

	if !cfg.DisableAssertionVerification {
		if err := newVerifier(&cfg).verifyAll(ctx, m, aggregate, tr.payloadKey); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"segments":   len(tr.layout),
		"assertions": len(m.Assertions),
		"legacy":     m.IsLegacy(),
	}).Debug("Loaded TDF")
	return tr, nil
}

func readManifest(ar *archive.Reader, limit int64) (*manifest.Manifest, error) {
	entry, ok := ar.Lookup(manifest.ManifestFilename)
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", ErrInvalidManifest, manifest.ManifestFilename)
	}
	if entry.Size > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrManifestTooLarge, entry.Size, limit)
	}

	sr, err := ar.Open(manifest.ManifestFilename)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(sr)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := manifest.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return m, nil
}

// unwrapPayloadKey asks the KAS for one secret per split, in manifest order,
// skipping entries whose split is already satisfied.
func (tr *Reader) unwrapPayloadKey(ctx context.Context) error {
	ei := tr.manifest.EncryptionInformation
	declared := tr.manifest.SplitIDs()

	var (
		shares   dek.Shares
		failures []SplitFailure
	)
	for _, ka := range ei.KeyAccess {
		if shares.Has(ka.SplitID) {
			continue
		}
		logger := tr.logger.WithFields(logrus.Fields{"split_id": ka.SplitID, "kas": ka.URL})

		secret, err := tr.config.KAS.Unwrap(ctx, ka, ei.Policy)
		if err == nil {
			err = dek.Validate(secret)
		}
		if err != nil {
			tr.config.Metrics.RecordKASRequest(metrics.KASOperationUnwrap, metrics.ResultFailure)
			logger.WithError(err).Warn("Failed to unwrap split")
			failures = append(failures, SplitFailure{SplitID: ka.SplitID, KAS: ka.URL, Err: err})
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}
		tr.config.Metrics.RecordKASRequest(metrics.KASOperationUnwrap, metrics.ResultSuccess)
		logger.Debug("Unwrapped split")

		shares.Add(ka.SplitID, secret)
		if tr.metadata == nil && ka.EncryptedMetadata != "" {
			md, err := decryptMetadata(secret, ka.EncryptedMetadata)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
			}
			tr.metadata = md
		}
	}

	if shares.Len() < len(declared) {
		return &SplitKeyError{Declared: len(declared), Found: shares.Len(), Failures: failures}
	}

	key, err := shares.Combine()
	if err != nil {
		return err
	}
	tr.payloadKey = key
	return nil
}

// verifyRootSignature recomputes the root signature over the aggregate hash
// and returns the aggregate for assertion checks.
func (tr *Reader) verifyRootSignature() ([]byte, error) {
	ii := tr.manifest.EncryptionInformation.IntegrityInformation

	aggregate, err := manifest.ComputeAggregateHash(ii.Segments, tr.manifest.Payload.IsEncrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	want, err := rootSignature(ii.RootSignature.Algorithm, tr.payloadKey, aggregate, tr.manifest.IsLegacy())
	if err != nil {
		return nil, rootTampered()
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(ii.RootSignature.Signature)) != 1 {
		return nil, rootTampered()
	}

	if ii.EncryptedSegmentSizeDefault != ii.SegmentSizeDefault+crypto.GCMOverhead {
		return nil, fmt.Errorf("%w: default %d, encrypted default %d",
			ErrSegmentSizeMismatch, ii.SegmentSizeDefault, ii.EncryptedSegmentSizeDefault)
	}
	return aggregate, nil
}

// buildLayout locates every segment in the payload entry.
func (tr *Reader) buildLayout() error {
	ii := tr.manifest.EncryptionInformation.IntegrityInformation

	tr.layout = make([]segmentLayout, len(ii.Segments))
	var encOffset, plainOffset int64
	for i, seg := range ii.Segments {
		encSize := seg.EncryptedSegmentSize
		if encSize == 0 {
			encSize = ii.EncryptedSegmentSizeDefault
		}
		if encSize < crypto.GCMOverhead || encSize > MaxSegmentSize+crypto.GCMOverhead {
			return fmt.Errorf("%w: segment %d is %d bytes", ErrSegmentSizeMismatch, i, encSize)
		}
		plainSize := encSize - crypto.GCMOverhead
		if seg.SegmentSize != 0 && seg.SegmentSize != plainSize {
			return fmt.Errorf("%w: segment %d declares %d plaintext bytes in %d encrypted",
				ErrSegmentSizeMismatch, i, seg.SegmentSize, encSize)
		}

		tr.layout[i] = segmentLayout{
			encOffset:   encOffset,
			encSize:     encSize,
			plainOffset: plainOffset,
			plainSize:   plainSize,
		}
		encOffset += encSize
		plainOffset += plainSize
	}

	if encOffset != tr.payload.Size() {
		return fmt.Errorf("%w: segments cover %d bytes, payload has %d",
			ErrSegmentSizeMismatch, encOffset, tr.payload.Size())
	}
	tr.payloadSize = plainOffset
	return nil
}

// decryptSegment reads, authenticates and decrypts segment i.
func (tr *Reader) decryptSegment(i int) ([]byte, error) {
	l := tr.layout[i]
	seg := tr.manifest.EncryptionInformation.IntegrityInformation.Segments[i]

	encrypted := make([]byte, l.encSize)
	if n, err := tr.payload.ReadAt(encrypted, l.encOffset); n < len(encrypted) {
		return nil, fmt.Errorf("failed to read segment %d: %w", i, err)
	}

	sig, err := segmentSignature(tr.segmentAlg, tr.payloadKey, encrypted, tr.manifest.IsLegacy())
	if err != nil {
		return nil, err
	}
	want, err := base64.StdEncoding.DecodeString(seg.Hash)
	if err != nil || subtle.ConstantTimeCompare(sig, want) != 1 {
		return nil, &IntegrityError{Err: ErrSegmentSignatureMismatch, Segment: i, Offset: l.plainOffset}
	}

	plaintext, err := tr.gcm.Decrypt(encrypted)
	if err != nil {
		return nil, &IntegrityError{Err: ErrPayloadDecryption, Segment: i, Offset: l.plainOffset}
	}

	tr.config.Metrics.RecordSegment(metrics.OperationDecrypt)
	tr.logger.WithFields(logrus.Fields{"segment": i, "bytes": len(plaintext)}).Trace("Decrypted segment")
	return plaintext, nil
}

// Read implements io.Reader over the decrypted payload.
func (tr *Reader) Read(p []byte) (int, error) {
	if tr.readErr != nil {
		return 0, tr.readErr
	}

	total := 0
	for len(p) > 0 {
		if tr.plainPos < len(tr.plaintext) {
			n := copy(p, tr.plaintext[tr.plainPos:])
			tr.plainPos += n
			p = p[n:]
			total += n
			continue
		}

		if tr.current >= len(tr.layout) {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}

		plaintext, err := tr.decryptSegment(tr.current)
		if err != nil {
			tr.fail(err)
			return total, err
		}
		tr.current++
		tr.plaintext = plaintext
		tr.plainPos = 0
		tr.bytesRead += int64(len(plaintext))

		if tr.current == len(tr.layout) {
			tr.done()
		}
	}
	return total, nil
}

// ReadPayload writes the whole decrypted payload to w, segment by segment.
func (tr *Reader) ReadPayload(w io.Writer) (int64, error) {
	var written int64
	for i := range tr.layout {
		plaintext, err := tr.decryptSegment(i)
		if err != nil {
			tr.fail(err)
			return written, err
		}
		n, err := w.Write(plaintext)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	tr.bytesRead = written
	tr.done()
	return written, nil
}

// ReadAt implements io.ReaderAt, decrypting only the segments that overlap
// [off, off+len(p)).
func (tr *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("tdf: negative offset %d", off)
	}
	if off >= tr.payloadSize {
		return 0, io.EOF
	}

	i := sort.Search(len(tr.layout), func(i int) bool {
		l := tr.layout[i]
		return l.plainOffset+l.plainSize > off
	})

	total := 0
	for ; i < len(tr.layout) && total < len(p); i++ {
		plaintext, err := tr.decryptSegment(i)
		if err != nil {
			return total, err
		}
		start := off + int64(total) - tr.layout[i].plainOffset
		total += copy(p[total:], plaintext[start:])
	}

	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

func (tr *Reader) fail(err error) {
	if tr.readErr == nil && errors.Is(err, ErrTampered) {
		tr.readErr = err
	}
	tr.config.Metrics.RecordError(metrics.OperationDecrypt, errorType(err))
}

func (tr *Reader) done() {
	tr.config.Metrics.RecordOperation(metrics.OperationDecrypt, time.Since(tr.start), tr.bytesRead)
}

// Manifest returns the parsed manifest.
func (tr *Reader) Manifest() *manifest.Manifest {
	return tr.manifest
}

// Policy returns the decoded policy.
func (tr *Reader) Policy() (*manifest.Policy, error) {
	return manifest.PolicyFromBase64(tr.manifest.EncryptionInformation.Policy)
}

// Metadata returns the decrypted metadata of the first unwrapped split that
// carries any, or nil.
func (tr *Reader) Metadata() []byte {
	return tr.metadata
}

// PayloadSize returns the plaintext size.
func (tr *Reader) PayloadSize() int64 {
	return tr.payloadSize
}

// Segments returns the number of payload segments.
func (tr *Reader) Segments() int {
	return len(tr.layout)
}
