package tdf

import (
	"bytes"
	"context"
	"io"

	"github.com/opentdf/tdf/pkg/manifest"
)

// EncryptResult describes a container written by Encrypt.
type EncryptResult struct {
	Manifest *manifest.Manifest
	Size     int64
}

// Encrypt reads src to EOF and writes the container to dst.
func Encrypt(ctx context.Context, dst io.Writer, src io.Reader, cfg EncryptConfig) (*EncryptResult, error) {
	w, err := NewWriter(ctx, dst, cfg)
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(w, src); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return &EncryptResult{Manifest: w.Manifest(), Size: w.Size()}, nil
}

// EncryptBytes encrypts plaintext and returns the complete container.
func EncryptBytes(ctx context.Context, plaintext []byte, cfg EncryptConfig) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Encrypt(ctx, &buf, bytes.NewReader(plaintext), cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decrypt decrypts a complete container held in memory.
func Decrypt(ctx context.Context, data []byte, cfg DecryptConfig) ([]byte, error) {
	r, err := LoadTDF(ctx, bytes.NewReader(data), int64(len(data)), cfg)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Grow(int(r.PayloadSize()))
	if _, err := r.ReadPayload(&out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DecryptTo decrypts the container in src and writes the plaintext to dst.
func DecryptTo(ctx context.Context, dst io.Writer, src io.ReaderAt, size int64, cfg DecryptConfig) (int64, error) {
	r, err := LoadTDF(ctx, src, size, cfg)
	if err != nil {
		return 0, err
	}
	return r.ReadPayload(dst)
}
