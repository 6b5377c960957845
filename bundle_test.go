package permit_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/oarkflow/permit"
	"github.com/oarkflow/permit/stores"
)

func bundleRules() []*permit.Rule {
	return []*permit.Rule{
		permit.NewRuleBuilder().ID("read").Tenant("acme").Actions("read").Resources("*").MustBuild(),
		permit.NewRuleBuilder().ID("no-delete").Tenant("acme").Deny().Actions("delete").Resources("*").MustBuild(),
	}
}

func TestSignAndVerifyBundle(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	b, err := permit.SignBundle(priv, "acme", bundleRules())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := permit.VerifyBundle(pub, b); err != nil {
		t.Fatalf("verify: %v", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := permit.VerifyBundle(otherPub, b); !errors.Is(err, permit.ErrBadBundle) {
		t.Fatalf("expected signature mismatch with foreign key, got %v", err)
	}

	b.Rules[0].Resources = []string{"doc:*"}
	if err := permit.VerifyBundle(pub, b); !errors.Is(err, permit.ErrBadBundle) {
		t.Fatalf("expected tampered rule to fail verification, got %v", err)
	}
}

func TestBundleRejectsForeignTenantRules(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	rules := bundleRules()
	rules[1].TenantID = "globex"
	if _, err := permit.SignBundle(priv, "acme", rules); !errors.Is(err, permit.ErrBadBundle) {
		t.Fatalf("expected tenant scoping error, got %v", err)
	}
	if _, err := permit.SignBundle(priv, "", bundleRules()); !errors.Is(err, permit.ErrBadBundle) {
		t.Fatalf("expected missing tenant error, got %v", err)
	}
	dup := bundleRules()
	dup[1].ID = "read"
	if _, err := permit.SignBundle(priv, "acme", dup); !errors.Is(err, permit.ErrBadBundle) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
	if _, err := permit.SignBundle(priv[:10], "acme", bundleRules()); !errors.Is(err, permit.ErrBadBundle) {
		t.Fatalf("expected key size error, got %v", err)
	}
}

func TestApplySignedBundleReplacesTenantRules(t *testing.T) {
	ctx := context.Background()
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	repo := stores.NewMemoryRuleStore()
	stale := permit.NewRuleBuilder().ID("stale").Tenant("acme").Actions("*").Resources("*").MustBuild()
	other := permit.NewRuleBuilder().ID("globex-read").Tenant("globex").Actions("read").Resources("*").MustBuild()
	for _, r := range []*permit.Rule{stale, other} {
		if err := repo.CreateRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	b, err := permit.SignBundle(priv, "acme", bundleRules())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := permit.ApplySignedBundle(ctx, pub, repo, b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	acme, _ := repo.RulesFor(ctx, "acme")
	if len(acme) != 2 || acme[0].ID != "no-delete" || acme[1].ID != "read" {
		t.Fatalf("acme rules should equal the bundle, got %d rules", len(acme))
	}
	if _, err := repo.GetRule(ctx, "globex-read"); err != nil {
		t.Fatalf("other tenants must be untouched: %v", err)
	}

	b.Signature = "!!"
	if err := permit.ApplySignedBundle(ctx, pub, repo, b); !errors.Is(err, permit.ErrBadBundle) {
		t.Fatalf("expected bad signature error, got %v", err)
	}
}

func TestApplySignedBundleCannotTakeOverOtherTenantRules(t *testing.T) {
	ctx := context.Background()
	repo := stores.NewMemoryRuleStore()
	_ = repo.CreateRule(ctx, permit.NewRuleBuilder().ID("shared").Tenant("school-b").Deny().Actions("read").Resources("grades").MustBuild())
	_ = repo.CreateRule(ctx, permit.NewRuleBuilder().ID("b-read").Tenant("school-b").Actions("read").Resources("*").MustBuild())
	_ = repo.CreateRule(ctx, permit.NewRuleBuilder().ID("a-old").Tenant("school-a").Actions("list").Resources("*").MustBuild())

	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	b, err := permit.SignBundle(priv, "school-a", []*permit.Rule{
		permit.NewRuleBuilder().ID("shared").Tenant("school-a").Actions("read").Resources("*").MustBuild(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := permit.ApplySignedBundle(ctx, pub, repo, b); !errors.Is(err, permit.ErrBadBundle) || !errors.Is(err, permit.ErrInvalidRule) {
		t.Fatalf("expected id conflict with another tenant, got %v", err)
	}

	got, err := repo.GetRule(ctx, "shared")
	if err != nil || got.TenantID != "school-b" {
		t.Fatalf("rule moved to another tenant: %v %v", got, err)
	}
	rules, _ := repo.RulesFor(ctx, "school-b")
	if ok, _ := permit.Check(rules, "read", "grades", "school-b", nil); ok {
		t.Fatalf("school-b deny must still apply")
	}
	if _, err := repo.GetRule(ctx, "a-old"); err != nil {
		t.Fatalf("rejected bundle must not delete rules: %v", err)
	}
}

func TestApplyConfigRejectsRuleOwnedByOtherTenant(t *testing.T) {
	ctx := context.Background()
	repo := stores.NewMemoryRuleStore()
	_ = repo.CreateRule(ctx, permit.NewRuleBuilder().ID("r1").Tenant("globex").Deny().Actions("*").Resources("*").MustBuild())
	cfg := &permit.Config{Version: 1, Rules: []*permit.Rule{
		permit.NewRuleBuilder().ID("fresh").Tenant("acme").Actions("read").Resources("*").MustBuild(),
		permit.NewRuleBuilder().ID("r1").Tenant("acme").Actions("read").Resources("*").MustBuild(),
	}}
	if err := permit.ApplyConfig(ctx, repo, cfg); !errors.Is(err, permit.ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
	if _, err := repo.GetRule(ctx, "fresh"); !errors.Is(err, permit.ErrRuleNotFound) {
		t.Fatalf("nothing should be written when a conflict is found, got %v", err)
	}
	if got, _ := repo.GetRule(ctx, "r1"); got.TenantID != "globex" {
		t.Fatalf("r1 moved to %s", got.TenantID)
	}
}
