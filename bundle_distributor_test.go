package permit_test

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/oarkflow/permit"
	"github.com/oarkflow/permit/logger"
	"github.com/oarkflow/permit/stores"
)

func TestRuleBundleDistributorPublishesBundles(t *testing.T) {
	ctx := context.Background()
	source := stores.NewMemoryRuleStore()
	for _, r := range bundleRules() {
		if err := source.CreateRule(ctx, r); err != nil {
			t.Fatalf("create rule: %v", err)
		}
	}
	dist, err := permit.NewRuleBundleDistributor(source,
		permit.WithBundleLogger(logger.NewNullLogger()),
		permit.WithBundleRotationInterval(0),
	)
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}
	received := make(chan *permit.SignedRuleBundle, 1)
	dist.RegisterSubscriber("acme", permit.BundleSubscriberFunc(func(ctx context.Context, pub ed25519.PublicKey, bundle *permit.SignedRuleBundle) error {
		if err := permit.VerifyBundle(pub, bundle); err != nil {
			t.Errorf("bundle does not verify: %v", err)
		}
		received <- bundle
		return nil
	}))
	dist.Start(ctx)

	dist.NotifyRuleChange("acme")

	select {
	case bundle := <-received:
		if bundle.TenantID != "acme" || len(bundle.Rules) != 2 {
			t.Fatalf("unexpected bundle %+v", bundle)
		}
		if bundle.Meta["signing_key"] == nil {
			t.Fatalf("expected signing key in meta")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for bundle")
	}

	if err := dist.Stop(ctx); err != nil {
		t.Fatalf("stop distributor: %v", err)
	}
	if err := dist.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestRuleBundleDistributorReplicates(t *testing.T) {
	ctx := context.Background()
	source := stores.NewMemoryRuleStore()
	replica := stores.NewMemoryRuleStore()
	for _, r := range bundleRules() {
		if err := source.CreateRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	dist, err := permit.NewRuleBundleDistributor(source, permit.WithBundleLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatal(err)
	}
	dist.RegisterSubscriber("", permit.RepositorySubscriber(replica))

	if err := dist.Publish(ctx, "acme"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, _ := replica.RulesFor(ctx, "acme")
	if len(got) != 2 {
		t.Fatalf("replica should hold 2 rules, got %d", len(got))
	}

	if err := source.DeleteRule(ctx, "read"); err != nil {
		t.Fatal(err)
	}
	oldKey := dist.CurrentPublicKey()
	if err := dist.RotateSigningKey(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if oldKey.Equal(dist.CurrentPublicKey()) {
		t.Fatalf("rotation should change the public key")
	}
	if err := dist.Publish(ctx, "acme"); err != nil {
		t.Fatalf("publish after rotation: %v", err)
	}
	got, _ = replica.RulesFor(ctx, "acme")
	if len(got) != 1 || got[0].ID != "no-delete" {
		t.Fatalf("replica should follow the deletion, got %d rules", len(got))
	}

	eng, err := permit.NewEngine(replica, permit.WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()
	if eng.Allowed(ctx, &permit.Request{Action: "read", Resource: "x", TenantID: "acme"}) {
		t.Fatalf("replica engine should no longer allow read")
	}
}

func TestRuleBundleDistributorWithSigningKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	dist, err := permit.NewRuleBundleDistributor(permit.StaticRuleStore{}, permit.WithBundleSigningKey(priv))
	if err != nil {
		t.Fatal(err)
	}
	if !dist.CurrentPublicKey().Equal(priv.Public()) {
		t.Fatalf("distributor should use the provided key")
	}
	if _, err := permit.NewRuleBundleDistributor(nil); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestRuleBundleDistributorRestarts(t *testing.T) {
	ctx := context.Background()
	source := stores.NewMemoryRuleStore()
	for _, r := range bundleRules() {
		_ = source.CreateRule(ctx, r)
	}
	dist, err := permit.NewRuleBundleDistributor(source,
		permit.WithBundleLogger(logger.NewNullLogger()),
		permit.WithBundleRotationInterval(0),
	)
	if err != nil {
		t.Fatal(err)
	}
	received := make(chan string, 4)
	dist.RegisterSubscriber("acme", permit.BundleSubscriberFunc(func(ctx context.Context, pub ed25519.PublicKey, bundle *permit.SignedRuleBundle) error {
		received <- bundle.TenantID
		return nil
	}))

	for round := 0; round < 2; round++ {
		dist.Start(ctx)
		dist.NotifyRuleChange("acme")
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: worker did not publish", round)
		}
		if err := dist.Stop(ctx); err != nil {
			t.Fatalf("round %d: stop: %v", round, err)
		}
	}
}
