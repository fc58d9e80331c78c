package tdf

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opentdf/tdf/pkg/archive"
	"github.com/opentdf/tdf/pkg/crypto"
	"github.com/opentdf/tdf/pkg/manifest"
	"github.com/opentdf/tdf/pkg/metrics"
)

// Writer provides streaming encryption to a TDF container.
// Implements io.WriteCloser.
type Writer struct {
	ctx    context.Context
	config EncryptConfig
	legacy bool
	start  time.Time
	logger logrus.FieldLogger

	manifest   *manifest.Manifest
	payloadKey []byte
	gcm        *crypto.AESGCM

	archive *archive.Writer
	payload io.WriteCloser

	// Plaintext of the segment being filled
	buffer    []byte
	bufferPos int

	segments     []manifest.Segment
	aggregate    []byte
	bytesWritten int64
	size         int64

	closed bool
}

// NewWriter validates cfg, plans the key splits, wraps every split secret and
// starts the payload entry of the archive written to dst. Call Close to
// finish the container.
func NewWriter(ctx context.Context, dst io.Writer, cfg EncryptConfig) (*Writer, error) {
	w, err := newWriter(ctx, dst, cfg)
	if err != nil {
		cfg.Metrics.RecordError(metrics.OperationEncrypt, errorType(err))
		return nil, err
	}
	return w, nil
}

func newWriter(ctx context.Context, dst io.Writer, cfg EncryptConfig) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	legacy, _ := isLegacyTarget(cfg.TargetMode)

	plan, attributes, err := resolvePlan(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	policy := cfg.Policy
	if policy == nil {
		policy = manifest.NewPolicy()
	}
	for _, attr := range attributes {
		policy.AddAttribute(attr)
	}
	for _, entity := range cfg.Dissem {
		policy.AddDissemination(entity)
	}
	policyB64, err := policy.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}

	split, err := buildKeySplit(ctx, &cfg, plan, policyB64, legacy)
	if err != nil {
		return nil, err
	}
	payloadKey, err := split.shares.Combine()
	if err != nil {
		return nil, fmt.Errorf("failed to combine split secrets: %w", err)
	}
	gcm, err := crypto.NewAESGCM(payloadKey)
	if err != nil {
		return nil, err
	}

	m := manifest.NewManifest()
	if legacy {
		m.SchemaVersion = ""
	}
	m.Payload.MIMEType = cfg.mimeType()
	m.EncryptionInformation.Policy = policyB64
	m.EncryptionInformation.KeyAccess = split.keyAccess
	ii := &m.EncryptionInformation.IntegrityInformation
	ii.RootSignature.Algorithm = cfg.rootAlg()
	ii.SegmentHashAlgorithm = cfg.segmentAlg()
	ii.SegmentSizeDefault = cfg.segmentSize()
	ii.EncryptedSegmentSizeDefault = cfg.segmentSize() + crypto.GCMOverhead

	aw := archive.NewWriter(dst)
	payload, err := aw.Stream(manifest.PayloadFilename)
	if err != nil {
		return nil, err
	}

	logger := cfg.logger()
	logger.WithFields(logrus.Fields{
		"splits":       split.shares.Len(),
		"key_access":   len(split.keyAccess),
		"segment_size": cfg.segmentSize(),
		"legacy":       legacy,
	}).Debug("Started TDF")

	return &Writer{
		ctx:        ctx,
		config:     cfg,
		legacy:     legacy,
		start:      time.Now(),
		logger:     logger,
		manifest:   m,
		payloadKey: payloadKey,
		gcm:        gcm,
		archive:    aw,
		payload:    payload,
		buffer:     make([]byte, cfg.segmentSize()),
	}, nil
}

// Write implements io.Writer. Data is buffered up to one segment, then
// encrypted and written to the payload entry.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if w.bytesWritten+int64(len(p)) > w.config.maxPayloadSize() {
		return 0, fmt.Errorf("%w: limit is %d bytes", ErrDataSizeNotSupported, w.config.maxPayloadSize())
	}

	total := 0
	for len(p) > 0 {
		n := copy(w.buffer[w.bufferPos:], p)
		w.bufferPos += n
		p = p[n:]
		total += n
		w.bytesWritten += int64(n)

		if w.bufferPos == len(w.buffer) {
			if err := w.flushSegment(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// flushSegment encrypts and writes the current buffer as a segment.
func (w *Writer) flushSegment() error {
	if w.bufferPos == 0 {
		return nil
	}

	encrypted, err := w.gcm.Encrypt(w.buffer[:w.bufferPos])
	if err != nil {
		return fmt.Errorf("failed to encrypt segment: %w", err)
	}

	sig, err := segmentSignature(w.config.segmentAlg(), w.payloadKey, encrypted, w.legacy)
	if err != nil {
		return err
	}

	if _, err := w.payload.Write(encrypted); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}

	w.aggregate = append(w.aggregate, sig...)
	w.segments = append(w.segments, manifest.Segment{
		Hash:                 base64.StdEncoding.EncodeToString(sig),
		SegmentSize:          int64(w.bufferPos),
		EncryptedSegmentSize: int64(len(encrypted)),
	})
	w.config.Metrics.RecordSegment(metrics.OperationEncrypt)
	w.logger.WithFields(logrus.Fields{
		"segment": len(w.segments) - 1,
		"bytes":   w.bufferPos,
	}).Trace("Encrypted segment")

	w.bufferPos = 0
	return nil
}

// Close flushes the final segment, signs the integrity tree and the
// assertions and writes the manifest and central directory.
func (w *Writer) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	defer clear(w.payloadKey)

	if err := w.finish(); err != nil {
		w.config.Metrics.RecordError(metrics.OperationEncrypt, errorType(err))
		return err
	}

	w.config.Metrics.RecordOperation(metrics.OperationEncrypt, time.Since(w.start), w.bytesWritten)
	w.logger.WithFields(logrus.Fields{
		"bytes":    w.bytesWritten,
		"segments": len(w.segments),
		"size":     w.size,
	}).Debug("Finished TDF")
	return nil
}

func (w *Writer) finish() error {
	if err := w.flushSegment(); err != nil {
		return err
	}
	if err := w.payload.Close(); err != nil {
		return err
	}

	ii := &w.manifest.EncryptionInformation.IntegrityInformation
	ii.Segments = w.segments
	if ii.Segments == nil {
		ii.Segments = []manifest.Segment{}
	}

	sig, err := rootSignature(ii.RootSignature.Algorithm, w.payloadKey, w.aggregate, w.legacy)
	if err != nil {
		return fmt.Errorf("failed to compute root signature: %w", err)
	}
	ii.RootSignature.Signature = sig

	if err := w.addAssertions(); err != nil {
		return err
	}

	data, err := w.manifest.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}
	if err := w.archive.Write(manifest.ManifestFilename, data); err != nil {
		return err
	}

	size, err := w.archive.Finish()
	if err != nil {
		return err
	}
	w.size = size
	return nil
}

func (w *Writer) addAssertions() error {
	configs := make([]AssertionConfig, 0, len(w.config.AssertionBinders)+len(w.config.Assertions))
	for _, b := range w.config.AssertionBinders {
		cfg, err := b.Bind(w.ctx, w.manifest)
		if err != nil {
			return fmt.Errorf("assertion binder failed: %w", err)
		}
		configs = append(configs, cfg)
	}
	configs = append(configs, w.config.Assertions...)

	for _, cfg := range configs {
		a, err := signAssertion(cfg, w.aggregate, w.payloadKey, w.legacy)
		if err != nil {
			return fmt.Errorf("failed to sign assertion %q: %w", cfg.ID, err)
		}
		w.manifest.Assertions = append(w.manifest.Assertions, a)
	}
	return nil
}

// Size returns the total container size once Close has returned.
func (w *Writer) Size() int64 {
	return w.size
}

// Manifest returns the manifest; it is complete once Close has returned.
func (w *Writer) Manifest() *manifest.Manifest {
	return w.manifest
}
