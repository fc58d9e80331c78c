// Package config loads codec settings and key access server endpoints from
// a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/opentdf/tdf/pkg/autoconfigure"
	"github.com/opentdf/tdf/pkg/crypto"
	"github.com/opentdf/tdf/pkg/kas"
	"github.com/opentdf/tdf/pkg/metrics"
	"github.com/opentdf/tdf/pkg/tdf"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete codec configuration.
type Config struct {
	LogLevel string `yaml:"log_level" env:"TDF_LOG_LEVEL"`

	Encrypt EncryptSettings `yaml:"encrypt"`
	Decrypt DecryptSettings `yaml:"decrypt"`

	// KAS lists the key access servers to encrypt for.
	KAS []KASConfig `yaml:"kas" env:"TDF_KAS_URLS"`

	// AttributeDirectory is a YAML attribute directory used by autoconfigure.
	AttributeDirectory string `yaml:"attribute_directory"`

	// KeyCacheTTL is the lifetime of cached public keys.
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl"`

	// baseDir resolves relative file references.
	baseDir string
}

// EncryptSettings holds encryption defaults.
type EncryptSettings struct {
	SegmentSize               int64  `yaml:"segment_size" env:"TDF_SEGMENT_SIZE"`
	MaxPayloadSize            int64  `yaml:"max_payload_size" env:"TDF_MAX_PAYLOAD_SIZE"`
	MIMEType                  string `yaml:"mime_type"`
	TargetMode                string `yaml:"target_mode" env:"TDF_TARGET_MODE"`
	RootIntegrityAlgorithm    string `yaml:"root_integrity_algorithm"`
	SegmentIntegrityAlgorithm string `yaml:"segment_integrity_algorithm"`
	Autoconfigure             bool   `yaml:"autoconfigure"`
	SystemMetadataAssertion   bool   `yaml:"system_metadata_assertion"`
}

// DecryptSettings holds decryption defaults.
type DecryptSettings struct {
	MaxManifestSize              int64 `yaml:"max_manifest_size" env:"TDF_MAX_MANIFEST_SIZE"`
	Permissive                   bool  `yaml:"permissive"`
	DisableAssertionVerification bool  `yaml:"disable_assertion_verification"`
}

// KASConfig describes one key access server. The public key may be inline
// PEM or a file reference, not both.
type KASConfig struct {
	URL           string `yaml:"url"`
	Algorithm     string `yaml:"algorithm"`
	KID           string `yaml:"kid"`
	PublicKey     string `yaml:"public_key"`
	PublicKeyFile string `yaml:"public_key_file"`
	Default       bool   `yaml:"default"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Encrypt: EncryptSettings{
			SegmentSize:               tdf.DefaultSegmentSize,
			MaxPayloadSize:            tdf.DefaultMaxPayloadSize,
			RootIntegrityAlgorithm:    crypto.AlgHS256,
			SegmentIntegrityAlgorithm: crypto.AlgGMAC,
		},
		Decrypt: DecryptSettings{
			MaxManifestSize: tdf.DefaultMaxManifestSize,
		},
		KeyCacheTTL: kas.DefaultKeyCacheTTL,
	}
}

// LoadConfig loads configuration from a file and environment variables.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
		config.baseDir = filepath.Dir(path)
	}

	// Override with environment variables
	if err := loadFromEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) error {
	if v := os.Getenv("TDF_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("TDF_TARGET_MODE"); v != "" {
		config.Encrypt.TargetMode = v
	}
	if v := os.Getenv("TDF_KAS_URLS"); v != "" {
		// Comma-separated list of servers, replacing any from the file
		config.KAS = nil
		for _, url := range strings.Split(v, ",") {
			if url = strings.TrimSpace(url); url != "" {
				config.KAS = append(config.KAS, KASConfig{URL: url})
			}
		}
	}

	sizes := []struct {
		name string
		dst  *int64
	}{
		{"TDF_SEGMENT_SIZE", &config.Encrypt.SegmentSize},
		{"TDF_MAX_PAYLOAD_SIZE", &config.Encrypt.MaxPayloadSize},
		{"TDF_MAX_MANIFEST_SIZE", &config.Decrypt.MaxManifestSize},
	}
	for _, s := range sizes {
		v := os.Getenv(s.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, s.name, err)
		}
		*s.dst = n
	}
	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
		}
	}

	e := c.Encrypt
	if e.SegmentSize <= 0 || e.SegmentSize > tdf.MaxSegmentSize {
		return fmt.Errorf("%w: encrypt.segment_size must be between 1 and %d", ErrInvalidConfig, tdf.MaxSegmentSize)
	}
	if e.MaxPayloadSize <= 0 {
		return fmt.Errorf("%w: encrypt.max_payload_size must be positive", ErrInvalidConfig)
	}
	for _, alg := range []string{e.RootIntegrityAlgorithm, e.SegmentIntegrityAlgorithm} {
		if alg != "" && alg != crypto.AlgHS256 && alg != crypto.AlgGMAC {
			return fmt.Errorf("%w: integrity algorithm %q (must be HS256 or GMAC)", ErrInvalidConfig, alg)
		}
	}
	if mode := e.TargetMode; mode != "" {
		if !strings.HasPrefix(mode, "v") {
			mode = "v" + mode
		}
		if !semver.IsValid(mode) {
			return fmt.Errorf("%w: encrypt.target_mode %q is not a version", ErrInvalidConfig, e.TargetMode)
		}
	}

	if c.Decrypt.MaxManifestSize <= 0 {
		return fmt.Errorf("%w: decrypt.max_manifest_size must be positive", ErrInvalidConfig)
	}
	if c.KeyCacheTTL <= 0 {
		return fmt.Errorf("%w: key_cache_ttl must be positive", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.KAS))
	for i, k := range c.KAS {
		if k.URL == "" {
			return fmt.Errorf("%w: kas[%d].url is required", ErrInvalidConfig, i)
		}
		url := kas.NormalizeURL(k.URL)
		if seen[url] {
			return fmt.Errorf("%w: kas %s listed twice", ErrInvalidConfig, url)
		}
		seen[url] = true

		if k.PublicKey != "" && k.PublicKeyFile != "" {
			return fmt.Errorf("%w: kas %s sets both public_key and public_key_file", ErrInvalidConfig, url)
		}
		if err := validateAlgorithm(k.Algorithm); err != nil {
			return fmt.Errorf("%w: kas %s: %v", ErrInvalidConfig, url, err)
		}
	}

	if e.Autoconfigure && c.AttributeDirectory == "" {
		return fmt.Errorf("%w: autoconfigure requires attribute_directory", ErrInvalidConfig)
	}
	return nil
}

func validateAlgorithm(alg string) error {
	info := kas.KASInfo{Algorithm: alg}
	switch {
	case alg == "", alg == kas.AlgorithmRSA2048, alg == kas.AlgorithmRSA4096:
		return nil
	case info.IsEC():
		_, err := info.ECMode()
		return err
	default:
		return fmt.Errorf("%w: %q", kas.ErrUnsupportedAlgorithm, alg)
	}
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.baseDir == "" {
		return path
	}
	return filepath.Join(c.baseDir, path)
}

// KASInfos returns the configured servers with file referenced public keys
// read in.
func (c *Config) KASInfos() ([]kas.KASInfo, error) {
	infos := make([]kas.KASInfo, 0, len(c.KAS))
	for _, k := range c.KAS {
		info := kas.KASInfo{
			URL:       k.URL,
			Algorithm: k.Algorithm,
			KID:       k.KID,
			PublicKey: k.PublicKey,
			Default:   k.Default,
		}
		if k.PublicKeyFile != "" {
			pem, err := os.ReadFile(c.resolve(k.PublicKeyFile))
			if err != nil {
				return nil, fmt.Errorf("failed to read public key for %s: %w", k.URL, err)
			}
			info.PublicKey = string(pem)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Logger returns a logrus logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// EncryptConfig projects the configuration into a codec config that fetches
// missing public keys through k.
func (c *Config) EncryptConfig(k kas.KAS, m *metrics.Metrics) (tdf.EncryptConfig, error) {
	infos, err := c.KASInfos()
	if err != nil {
		return tdf.EncryptConfig{}, err
	}

	cfg := tdf.EncryptConfig{
		KAS:                       k,
		KASInfo:                   infos,
		Autoconfigure:             c.Encrypt.Autoconfigure,
		KeyCache:                  kas.NewKeyCache(kas.WithTTL(c.KeyCacheTTL)),
		SegmentSize:               c.Encrypt.SegmentSize,
		MIMEType:                  c.Encrypt.MIMEType,
		RootIntegrityAlgorithm:    c.Encrypt.RootIntegrityAlgorithm,
		SegmentIntegrityAlgorithm: c.Encrypt.SegmentIntegrityAlgorithm,
		MaxPayloadSize:            c.Encrypt.MaxPayloadSize,
		TargetMode:                c.Encrypt.TargetMode,
		Logger:                    c.Logger(),
		Metrics:                   m,
	}
	if c.Encrypt.SystemMetadataAssertion {
		cfg.AssertionBinders = []tdf.AssertionBinder{tdf.SystemMetadataBinder{}}
	}

	if c.AttributeDirectory != "" {
		f, err := os.Open(c.resolve(c.AttributeDirectory))
		if err != nil {
			return tdf.EncryptConfig{}, fmt.Errorf("failed to open attribute directory: %w", err)
		}
		defer f.Close()

		dir, err := autoconfigure.LoadDirectory(f)
		if err != nil {
			return tdf.EncryptConfig{}, fmt.Errorf("failed to load attribute directory: %w", err)
		}
		cfg.AttributeService = dir
	}
	return cfg, nil
}

// DecryptConfig projects the configuration into a codec config that unwraps
// through k.
func (c *Config) DecryptConfig(k kas.KAS, m *metrics.Metrics) tdf.DecryptConfig {
	cfg := tdf.DecryptConfig{
		KAS:                          k,
		MaxManifestSize:              c.Decrypt.MaxManifestSize,
		Permissive:                   c.Decrypt.Permissive,
		DisableAssertionVerification: c.Decrypt.DisableAssertionVerification,
		Logger:                       c.Logger(),
		Metrics:                      m,
	}
	if !c.Decrypt.DisableAssertionVerification {
		cfg.AssertionValidators = []tdf.AssertionValidator{tdf.SystemMetadataValidator{}}
	}
	return cfg
}
