package permit

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// SignedRuleBundle is the complete rule set of one tenant with an ed25519
// signature over its digest.
type SignedRuleBundle struct {
	TenantID  string         `json:"tenant_id"`
	Rules     []*Rule        `json:"rules"`
	Signature string         `json:"signature"`
	Meta      map[string]any `json:"meta,omitempty"`
}

var ErrBadBundle = errors.New("invalid rule bundle")

// bundleDigest covers the tenant and, in order, every rule id and checksum.
func bundleDigest(tenantID string, rules []*Rule) []byte {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	for _, r := range rules {
		h.Write([]byte(r.ID))
		h.Write([]byte{0})
		h.Write([]byte(r.Checksum()))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

func checkBundleRules(tenantID string, rules []*Rule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant is required", ErrBadBundle)
	}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r == nil {
			return fmt.Errorf("%w: rule %d is nil", ErrBadBundle, i)
		}
		if r.TenantID != tenantID {
			return fmt.Errorf("%w: rule %s belongs to tenant %q, bundle is for %q", ErrBadBundle, r.ID, r.TenantID, tenantID)
		}
		if r.ID == "" || seen[r.ID] {
			return fmt.Errorf("%w: missing or duplicate rule id %q", ErrBadBundle, r.ID)
		}
		seen[r.ID] = true
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrBadBundle, err)
		}
	}
	return nil
}

// SignBundle signs the rule set of tenantID. Every rule must belong to it.
func SignBundle(priv ed25519.PrivateKey, tenantID string, rules []*Rule) (*SignedRuleBundle, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: bad private key size %d", ErrBadBundle, len(priv))
	}
	if err := checkBundleRules(tenantID, rules); err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, bundleDigest(tenantID, rules))
	return &SignedRuleBundle{
		TenantID:  tenantID,
		Rules:     rules,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyBundle checks the tenant scoping of b and its signature.
func VerifyBundle(pub ed25519.PublicKey, b *SignedRuleBundle) error {
	if b == nil {
		return fmt.Errorf("%w: nil bundle", ErrBadBundle)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key size %d", ErrBadBundle, len(pub))
	}
	if err := checkBundleRules(b.TenantID, b.Rules); err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %w", ErrBadBundle, err)
	}
	if !ed25519.Verify(pub, bundleDigest(b.TenantID, b.Rules), sig) {
		return fmt.Errorf("%w: signature mismatch for tenant %s", ErrBadBundle, b.TenantID)
	}
	return nil
}

// ApplySignedBundle verifies b and makes repo's rules for b.TenantID equal to
// the bundle: missing rules are created, existing ones updated and rules
// absent from the bundle deleted. Rules of other tenants are never touched; a
// bundle reusing one of their ids is rejected.
func ApplySignedBundle(ctx context.Context, pub ed25519.PublicKey, repo RuleRepository, b *SignedRuleBundle) error {
	if err := VerifyBundle(pub, b); err != nil {
		return err
	}
	if err := checkRuleOwnership(ctx, repo, b.Rules); err != nil {
		return fmt.Errorf("%w: %w", ErrBadBundle, err)
	}
	current, err := repo.RulesFor(ctx, b.TenantID)
	if err != nil {
		return fmt.Errorf("list rules for %s: %w", b.TenantID, err)
	}
	keep := make(map[string]bool, len(b.Rules))
	for _, r := range b.Rules {
		keep[r.ID] = true
	}
	for _, r := range current {
		if !keep[r.ID] {
			if err := repo.DeleteRule(ctx, r.ID); err != nil {
				return fmt.Errorf("delete rule %s: %w", r.ID, err)
			}
		}
	}
	cfg := &Config{Rules: b.Rules}
	return ApplyConfig(ctx, repo, cfg)
}
