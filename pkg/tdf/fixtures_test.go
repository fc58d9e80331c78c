package tdf

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/opentdf/tdf/pkg/archive"
	"github.com/opentdf/tdf/pkg/crypto"
	"github.com/opentdf/tdf/pkg/kas"
	"github.com/opentdf/tdf/pkg/manifest"
)

const (
	kasA  = "https://kas-a.example.com"
	kasB  = "https://kas-b.example.com"
	kasC  = "https://kas-c.example.com"
	kasEC = "https://kas-ec.example.com"
)

var errKASDown = errors.New("kas unavailable")

var (
	serversOnce sync.Once
	servers     map[string]*kas.Local
	serversErr  error
)

func nullLogger() logrus.FieldLogger {
	logger, _ := logtest.NewNullLogger()
	return logger
}

// testServers returns in-process key access servers shared by all tests.
// RSA key generation dominates test time, so keys are made once.
func testServers(t *testing.T) map[string]*kas.Local {
	t.Helper()
	serversOnce.Do(func() {
		servers = make(map[string]*kas.Local)
		for _, url := range []string{kasA, kasB, kasC} {
			l, err := kas.GenerateLocal(url, kas.WithLogger(nullLogger()))
			if err != nil {
				serversErr = err
				return
			}
			servers[url] = l
		}

		ecKey, err := crypto.GenerateECKeyPair(crypto.ECCModeSecp256r1)
		if err != nil {
			serversErr = err
			return
		}
		l, err := kas.GenerateLocal(kasEC,
			kas.WithLogger(nullLogger()),
			kas.WithECKey(crypto.ECCModeSecp256r1, ecKey))
		if err != nil {
			serversErr = err
			return
		}
		servers[kasEC] = l
	})
	if serversErr != nil {
		t.Fatalf("failed to create key access servers: %v", serversErr)
	}
	return servers
}

func testRouter(t *testing.T) *kas.Router {
	t.Helper()
	r := kas.NewRouter()
	for url, l := range testServers(t) {
		r.Register(url, l)
	}
	return r
}

// flakyKAS fails Unwrap for the servers marked down.
type flakyKAS struct {
	kas.KAS
	down map[string]bool
}

func (f flakyKAS) Unwrap(ctx context.Context, ka manifest.KeyAccess, policy string) ([]byte, error) {
	if f.down[ka.URL] {
		return nil, errKASDown
	}
	return f.KAS.Unwrap(ctx, ka, policy)
}

// countingKAS counts calls to the wrapped KAS.
type countingKAS struct {
	kas.KAS
	mu         sync.Mutex
	publicKeys int
	unwraps    int
}

func (c *countingKAS) PublicKey(ctx context.Context, info kas.KASInfo) (kas.KASInfo, error) {
	c.mu.Lock()
	c.publicKeys++
	c.mu.Unlock()
	return c.KAS.PublicKey(ctx, info)
}

func (c *countingKAS) Unwrap(ctx context.Context, ka manifest.KeyAccess, policy string) ([]byte, error) {
	c.mu.Lock()
	c.unwraps++
	c.mu.Unlock()
	return c.KAS.Unwrap(ctx, ka, policy)
}

func encryptConfig(t *testing.T, urls ...string) EncryptConfig {
	t.Helper()
	infos := make([]kas.KASInfo, len(urls))
	for i, url := range urls {
		infos[i] = kas.KASInfo{URL: url}
	}
	return EncryptConfig{
		KAS:     testRouter(t),
		KASInfo: infos,
		Logger:  nullLogger(),
	}
}

func decryptConfig(t *testing.T) DecryptConfig {
	t.Helper()
	return DecryptConfig{KAS: testRouter(t), Logger: nullLogger()}
}

func mustEncrypt(t *testing.T, plaintext []byte, cfg EncryptConfig) []byte {
	t.Helper()
	data, err := EncryptBytes(context.Background(), plaintext, cfg)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	return data
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

// container splits an encrypted container into its manifest and payload.
func container(t *testing.T, data []byte) (*manifest.Manifest, []byte) {
	t.Helper()
	ar, err := archive.Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}

	mr, err := ar.Open(manifest.ManifestFilename)
	if err != nil {
		t.Fatalf("failed to open manifest: %v", err)
	}
	raw, err := io.ReadAll(mr)
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	m, err := manifest.FromJSON(raw)
	if err != nil {
		t.Fatalf("failed to parse manifest: %v", err)
	}

	pr, err := ar.Open(manifest.PayloadFilename)
	if err != nil {
		t.Fatalf("failed to open payload: %v", err)
	}
	payload, err := io.ReadAll(pr)
	if err != nil {
		t.Fatalf("failed to read payload: %v", err)
	}
	return m, payload
}

// rebuild writes a container from a manifest and payload, manifest first.
func rebuild(t *testing.T, m *manifest.Manifest, payload []byte) []byte {
	t.Helper()
	raw, err := m.ToJSON()
	if err != nil {
		t.Fatalf("failed to serialize manifest: %v", err)
	}

	var buf bytes.Buffer
	aw := archive.NewWriter(&buf)
	if err := aw.Write(manifest.ManifestFilename, raw); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if err := aw.Write(manifest.PayloadFilename, payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if _, err := aw.Finish(); err != nil {
		t.Fatalf("failed to finish archive: %v", err)
	}
	return buf.Bytes()
}

func flipBase64Byte(t *testing.T, s string) string {
	t.Helper()
	raw, err := base64Decode(s)
	if err != nil {
		t.Fatalf("failed to decode %q: %v", s, err)
	}
	raw[0] ^= 0x01
	return base64Encode(raw)
}
