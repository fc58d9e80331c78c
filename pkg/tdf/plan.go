package tdf

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opentdf/tdf/pkg/autoconfigure"
	"github.com/opentdf/tdf/pkg/crypto"
	"github.com/opentdf/tdf/pkg/dek"
	"github.com/opentdf/tdf/pkg/kas"
	"github.com/opentdf/tdf/pkg/manifest"
)

// resolvePlan returns the split plan and the policy attributes for cfg.
func resolvePlan(ctx context.Context, cfg *EncryptConfig) ([]autoconfigure.SplitStep, []string, error) {
	if len(cfg.SplitPlan) > 0 {
		return cfg.SplitPlan, cfg.Attributes, nil
	}

	if cfg.Autoconfigure {
		var (
			g   *autoconfigure.Granter
			err error
		)
		switch {
		case len(cfg.AttributeValues) > 0:
			g, err = autoconfigure.NewGranterFromAttributes(cfg.AttributeValues...)
		case len(cfg.Attributes) == 0:
			// Nothing to resolve; the plan falls back to the default servers.
			g, err = autoconfigure.NewGranterFromAttributes()
		default:
			g, err = autoconfigure.NewGranterFromService(ctx, cfg.AttributeService, cfg.KeyCache, cfg.Attributes...)
		}
		if err != nil {
			return nil, nil, err
		}
		g.SetLogger(cfg.logger())

		plan, err := g.Plan(defaultKASURLs(cfg.KASInfo), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrKASInfoMissing, err)
		}
		return plan, g.PolicyStrings(), nil
	}

	if len(cfg.KASInfo) == 0 {
		return nil, nil, ErrKASInfoMissing
	}
	plan := make([]autoconfigure.SplitStep, len(cfg.KASInfo))
	for i, info := range cfg.KASInfo {
		plan[i] = autoconfigure.SplitStep{KAS: info.URL}
		if len(cfg.KASInfo) > 1 {
			plan[i].SplitID = fmt.Sprintf("s-%d", i)
		}
	}
	return plan, cfg.Attributes, nil
}

// defaultKASURLs returns the servers marked Default, or every server when
// none is marked.
func defaultKASURLs(infos []kas.KASInfo) []string {
	var marked, all []string
	for _, info := range infos {
		all = append(all, info.URL)
		if info.Default {
			marked = append(marked, info.URL)
		}
	}
	if len(marked) > 0 {
		return marked
	}
	return all
}

// keyResolver finds public keys for split steps. Keys supplied in KASInfo
// win; everything else goes through a caching view of the configured KAS.
type keyResolver struct {
	source kas.KAS
	hasKAS bool
	known  map[string]kas.KASInfo
}

func newKeyResolver(cfg *EncryptConfig) *keyResolver {
	r := &keyResolver{
		source: kas.NewCaching(cfg.KAS, cfg.KeyCache, cfg.Metrics),
		hasKAS: cfg.KAS != nil,
		known:  make(map[string]kas.KASInfo, len(cfg.KASInfo)),
	}
	for _, info := range cfg.KASInfo {
		r.known[kas.NormalizeURL(info.URL)] = info
	}
	return r
}

func (r *keyResolver) resolve(ctx context.Context, url string) (kas.KASInfo, error) {
	info, ok := r.known[kas.NormalizeURL(url)]
	if !ok {
		info = kas.KASInfo{URL: url}
	}
	if info.PublicKey != "" {
		return info, nil
	}

	fetched, err := r.source.PublicKey(ctx, info)
	if err != nil {
		if !r.hasKAS {
			return kas.KASInfo{}, fmt.Errorf("%w: no public key for %s", ErrMissingKAS, url)
		}
		return kas.KASInfo{}, fmt.Errorf("failed to fetch public key from %s: %w", url, err)
	}
	if fetched.PublicKey == "" {
		return kas.KASInfo{}, fmt.Errorf("%w: %s returned none", kas.ErrNoPublicKey, url)
	}

	r.known[kas.NormalizeURL(url)] = fetched
	return fetched, nil
}

// keySplit is the outcome of planning: the per split secrets in plan order
// and one key access entry per step.
type keySplit struct {
	shares    *dek.Shares
	keyAccess []manifest.KeyAccess
}

func buildKeySplit(ctx context.Context, cfg *EncryptConfig, plan []autoconfigure.SplitStep, policyB64 string, legacy bool) (*keySplit, error) {
	resolver := newKeyResolver(cfg)
	shares := &dek.Shares{}
	ks := &keySplit{shares: shares}

	for _, step := range plan {
		secret, ok := shares.Get(step.SplitID)
		if !ok {
			var err error
			if secret, err = dek.Generate(); err != nil {
				return nil, fmt.Errorf("failed to generate split secret: %w", err)
			}
			shares.Add(step.SplitID, secret)
		}

		info, err := resolver.resolve(ctx, step.KAS)
		if err != nil {
			return nil, err
		}

		ka, err := newKeyAccess(info, step.SplitID, secret, policyB64, cfg.Metadata, legacy)
		if err != nil {
			return nil, fmt.Errorf("split %q for %s: %w", step.SplitID, info.URL, err)
		}
		ks.keyAccess = append(ks.keyAccess, ka)

		cfg.logger().WithFields(logrus.Fields{
			"split_id": step.SplitID,
			"kas":      info.URL,
		}).Debug("Wrapped split secret")
	}
	return ks, nil
}

func newKeyAccess(info kas.KASInfo, splitID string, secret []byte, policyB64 string, metadata []byte, legacy bool) (manifest.KeyAccess, error) {
	binding, err := dek.CalculatePolicyBinding(secret, policyB64)
	if err != nil {
		return manifest.KeyAccess{}, err
	}
	pb := manifest.PolicyBinding{Algorithm: manifest.AlgorithmHS256, Hash: binding}
	if legacy {
		pb = manifest.PolicyBinding{Hash: binding}
	}

	var ka manifest.KeyAccess
	if info.IsEC() {
		pub, err := crypto.ParseECPublicKeyPEM([]byte(info.PublicKey))
		if err != nil {
			return manifest.KeyAccess{}, err
		}
		wrapped, ephemeral, err := dek.WrapECToBase64(secret, pub)
		if err != nil {
			return manifest.KeyAccess{}, err
		}
		ka = manifest.NewKeyAccess(kas.NormalizeURL(info.URL), wrapped, pb)
		ka.Type = manifest.KeyAccessTypeECWrapped
		ka.EphemeralPublicKey = ephemeral
	} else {
		pub, err := crypto.ParseRSAPublicKeyPEM([]byte(info.PublicKey))
		if err != nil {
			return manifest.KeyAccess{}, err
		}
		wrapped, err := dek.WrapToBase64(secret, pub)
		if err != nil {
			return manifest.KeyAccess{}, err
		}
		ka = manifest.NewKeyAccess(kas.NormalizeURL(info.URL), wrapped, pb)
	}
	ka.KeyID = info.KID
	ka.SplitID = splitID

	if len(metadata) > 0 {
		if ka.EncryptedMetadata, err = encryptMetadata(secret, metadata); err != nil {
			return manifest.KeyAccess{}, err
		}
	}
	return ka, nil
}

// encryptMetadata returns Base64(JSON{ciphertext, iv}) with the metadata
// sealed under the split secret.
func encryptMetadata(secret, metadata []byte) (string, error) {
	gcm, err := crypto.NewAESGCM(secret)
	if err != nil {
		return "", err
	}
	sealed, err := gcm.Encrypt(metadata)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(manifest.EncryptedMetadata{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		IV:         base64.StdEncoding.EncodeToString(sealed[:crypto.GCMNonceSize]),
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decryptMetadata(secret []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted metadata: %w", err)
	}
	var em manifest.EncryptedMetadata
	if err := json.Unmarshal(raw, &em); err != nil {
		return nil, fmt.Errorf("failed to parse encrypted metadata: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(em.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata ciphertext: %w", err)
	}

	gcm, err := crypto.NewAESGCM(secret)
	if err != nil {
		return nil, err
	}
	return gcm.Decrypt(sealed)
}
