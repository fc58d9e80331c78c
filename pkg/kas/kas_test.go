package kas

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentdf/tdf/pkg/crypto"
	"github.com/opentdf/tdf/pkg/dek"
	"github.com/opentdf/tdf/pkg/manifest"
	"github.com/opentdf/tdf/pkg/metrics"
)

const testPolicy = "eyJ1dWlkIjoidGVzdCJ9"

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type countingKAS struct {
	calls int
	info  KASInfo
	err   error
}

func (c *countingKAS) PublicKey(_ context.Context, info KASInfo) (KASInfo, error) {
	c.calls++
	if c.err != nil {
		return KASInfo{}, c.err
	}
	out := c.info
	out.URL = info.URL
	return out, nil
}

func (c *countingKAS) Unwrap(context.Context, manifest.KeyAccess, string) ([]byte, error) {
	return []byte("secret"), nil
}

func newLocal(t *testing.T, url string, opts ...LocalOption) *Local {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	l, err := GenerateLocal(url, append([]LocalOption{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return l
}

// wrapFor builds a key access for l carrying secret with a valid binding.
func wrapFor(t *testing.T, l *Local, secret []byte) manifest.KeyAccess {
	t.Helper()
	info, err := l.Info()
	require.NoError(t, err)
	pub, err := crypto.ParseRSAPublicKeyPEM([]byte(info.PublicKey))
	require.NoError(t, err)

	wrapped, err := dek.WrapToBase64(secret, pub)
	require.NoError(t, err)
	binding, err := dek.CalculatePolicyBinding(secret, testPolicy)
	require.NoError(t, err)

	return manifest.NewKeyAccess(l.URL(), wrapped, manifest.PolicyBinding{Algorithm: manifest.AlgorithmHS256, Hash: binding})
}

func TestKeyCacheExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewKeyCache(WithClock(clock.now))

	cache.Store(KASInfo{URL: "https://kas.example/", Algorithm: AlgorithmRSA2048, KID: "r1", PublicKey: "pem"})

	got, ok := cache.Get("https://kas.example", "", "r1")
	require.True(t, ok)
	assert.Equal(t, "pem", got.PublicKey)

	// kid-less lookups find the latest key for the URL and algorithm
	_, ok = cache.Get("https://kas.example", AlgorithmRSA2048, "")
	assert.True(t, ok)

	_, ok = cache.Get("https://kas.example", AlgorithmECP256, "r1")
	assert.False(t, ok)

	clock.advance(DefaultKeyCacheTTL - time.Second)
	_, ok = cache.Get("https://kas.example", "", "r1")
	assert.True(t, ok)

	clock.advance(time.Second)
	_, ok = cache.Get("https://kas.example", "", "r1")
	assert.False(t, ok, "entry should expire at the TTL")
}

func TestKeyCacheIgnoresEmptyKeys(t *testing.T) {
	cache := NewKeyCache()
	cache.Store(KASInfo{URL: "https://kas.example"})
	assert.Equal(t, 0, cache.Len())

	cache.Store(KASInfo{URL: "https://kas.example", PublicKey: "pem"})
	assert.Equal(t, 1, cache.Len())

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}

func TestCachingServesFromCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	inner := &countingKAS{info: KASInfo{Algorithm: AlgorithmRSA2048, PublicKey: "pem"}}
	c := NewCaching(inner, nil, m)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		info, err := c.PublicKey(ctx, KASInfo{URL: "https://kas.example"})
		require.NoError(t, err)
		assert.Equal(t, "pem", info.PublicKey)
	}
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 1, c.Cache().Len())

	// A supplied key short-circuits the lookup
	info, err := c.PublicKey(ctx, KASInfo{URL: "https://other.example", PublicKey: "given"})
	require.NoError(t, err)
	assert.Equal(t, "given", info.PublicKey)
	assert.Equal(t, 1, inner.calls)

	expected := `
# HELP tdf_kas_requests_total Total number of key access server requests
# TYPE tdf_kas_requests_total counter
tdf_kas_requests_total{operation="public_key",result="cache_hit"} 2
tdf_kas_requests_total{operation="public_key",result="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "tdf_kas_requests_total"))
}

func TestCachingRecordsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	inner := &countingKAS{err: errors.New("unreachable")}
	c := NewCaching(inner, nil, m)

	_, err := c.PublicKey(context.Background(), KASInfo{URL: "https://kas.example"})
	require.Error(t, err)
	assert.Equal(t, 0, c.Cache().Len())
	expected := `
# HELP tdf_kas_requests_total Total number of key access server requests
# TYPE tdf_kas_requests_total counter
tdf_kas_requests_total{operation="public_key",result="failure"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "tdf_kas_requests_total"))
}

func TestCachingWithoutInner(t *testing.T) {
	cache := NewKeyCache()
	cache.Store(KASInfo{URL: "https://kas.example", PublicKey: "pem"})
	c := NewCaching(nil, cache, nil)

	ctx := context.Background()
	info, err := c.PublicKey(ctx, KASInfo{URL: "https://kas.example"})
	require.NoError(t, err)
	assert.Equal(t, "pem", info.PublicKey)

	_, err = c.PublicKey(ctx, KASInfo{URL: "https://other.example"})
	assert.ErrorIs(t, err, ErrUnknownKAS)

	_, err = c.Unwrap(ctx, manifest.KeyAccess{URL: "https://kas.example"}, testPolicy)
	assert.ErrorIs(t, err, ErrUnknownKAS)
}

func TestLocalPublicKey(t *testing.T) {
	ecKey, err := crypto.GenerateECKeyPair(crypto.ECCModeSecp256r1)
	require.NoError(t, err)
	l := newLocal(t, "https://kas.example/", WithKID("r1"), WithECKey(crypto.ECCModeSecp256r1, ecKey))

	ctx := context.Background()

	info, err := l.PublicKey(ctx, KASInfo{URL: "https://kas.example"})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmRSA2048, info.Algorithm)
	assert.Equal(t, "r1", info.KID)
	_, err = crypto.ParseRSAPublicKeyPEM([]byte(info.PublicKey))
	assert.NoError(t, err)

	info, err = l.PublicKey(ctx, KASInfo{URL: "https://kas.example", Algorithm: AlgorithmECP256})
	require.NoError(t, err)
	_, err = crypto.ParseECPublicKeyPEM([]byte(info.PublicKey))
	assert.NoError(t, err)

	_, err = l.PublicKey(ctx, KASInfo{URL: "https://kas.example", Algorithm: AlgorithmECP384})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = l.PublicKey(ctx, KASInfo{URL: "https://elsewhere.example"})
	assert.ErrorIs(t, err, ErrUnknownKAS)
}

func TestLocalUnwrap(t *testing.T) {
	l := newLocal(t, "https://kas.example")
	secret, err := dek.Generate()
	require.NoError(t, err)
	ka := wrapFor(t, l, secret)

	got, err := l.Unwrap(context.Background(), ka, testPolicy)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestLocalUnwrapPolicyBindingMismatch(t *testing.T) {
	l := newLocal(t, "https://kas.example")
	secret, err := dek.Generate()
	require.NoError(t, err)
	ka := wrapFor(t, l, secret)

	_, err = l.Unwrap(context.Background(), ka, "eyJ1dWlkIjoib3RoZXIifQ==")
	assert.ErrorIs(t, err, ErrPolicyBinding, "SECURITY: a changed policy must not release the secret")
}

func TestLocalUnwrapWrongServer(t *testing.T) {
	a := newLocal(t, "https://kas.a")
	b := newLocal(t, "https://kas.b")
	secret, err := dek.Generate()
	require.NoError(t, err)

	ka := wrapFor(t, a, secret)
	ka.URL = b.URL()

	_, err = b.Unwrap(context.Background(), ka, testPolicy)
	assert.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestLocalUnwrapEC(t *testing.T) {
	ecKey, err := crypto.GenerateECKeyPair(crypto.ECCModeSecp384r1)
	require.NoError(t, err)
	l := newLocal(t, "https://kas.example", WithECKey(crypto.ECCModeSecp384r1, ecKey))

	secret, err := dek.Generate()
	require.NoError(t, err)
	wrapped, ephemeral, err := dek.WrapECToBase64(secret, ecKey.PublicKey())
	require.NoError(t, err)
	binding, err := dek.CalculatePolicyBinding(secret, testPolicy)
	require.NoError(t, err)

	ka := manifest.NewKeyAccess(l.URL(), wrapped, manifest.PolicyBinding{Algorithm: manifest.AlgorithmHS256, Hash: binding})
	ka.Type = manifest.KeyAccessTypeECWrapped
	ka.EphemeralPublicKey = ephemeral

	got, err := l.Unwrap(context.Background(), ka, testPolicy)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	ka.Type = "remote"
	_, err = l.Unwrap(context.Background(), ka, testPolicy)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestLocalUnwrapCanceled(t *testing.T) {
	l := newLocal(t, "https://kas.example")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Unwrap(ctx, manifest.KeyAccess{URL: l.URL()}, testPolicy)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalRewrap(t *testing.T) {
	l := newLocal(t, "https://kas.example")
	recipient, err := crypto.GenerateRSAKeyPair(2048)
	require.NoError(t, err)

	secret, err := dek.Generate()
	require.NoError(t, err)
	ka := wrapFor(t, l, secret)

	rewrapped, err := l.Rewrap(context.Background(), ka, testPolicy, &recipient.PublicKey)
	require.NoError(t, err)

	got, err := dek.Unwrap(rewrapped, recipient)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestLocalLogsPolicyMismatch(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	l, err := GenerateLocal("https://kas.example", WithLogger(logger))
	require.NoError(t, err)

	secret, err := dek.Generate()
	require.NoError(t, err)
	ka := wrapFor(t, l, secret)

	_, err = l.Unwrap(context.Background(), ka, "e30=")
	require.Error(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "https://kas.example", entry.Data["kas"])
}

func TestRouter(t *testing.T) {
	a := newLocal(t, "https://kas.a")
	b := newLocal(t, "https://kas.b")

	r := NewRouter()
	r.Register(a.URL(), a)
	r.Register(b.URL()+"/", b)

	ctx := context.Background()
	info, err := r.PublicKey(ctx, KASInfo{URL: "https://kas.b"})
	require.NoError(t, err)
	assert.Equal(t, "https://kas.b", info.URL)

	secret, err := dek.Generate()
	require.NoError(t, err)
	got, err := r.Unwrap(ctx, wrapFor(t, a, secret), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	r.Unregister(a.URL())
	_, err = r.Unwrap(ctx, wrapFor(t, a, secret), testPolicy)
	assert.ErrorIs(t, err, ErrUnknownKAS)
}

func TestKASInfoAlgorithms(t *testing.T) {
	assert.Equal(t, AlgorithmRSA2048, KASInfo{}.KeyAlgorithm())
	assert.False(t, KASInfo{}.IsEC())

	mode, err := KASInfo{Algorithm: AlgorithmECP521}.ECMode()
	require.NoError(t, err)
	assert.Equal(t, crypto.ECCModeSecp521r1, mode)

	_, err = KASInfo{Algorithm: "ec:brainpool"}.ECMode()
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = KASInfo{Algorithm: AlgorithmRSA4096}.ECMode()
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}
