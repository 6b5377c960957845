package permit_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/oarkflow/permit"
	"github.com/oarkflow/permit/logger"
	"github.com/oarkflow/permit/stores"
)

// noOpAuditStore implements AuditStore but does nothing
type noOpAuditStore struct{}

func (s *noOpAuditStore) LogDecision(ctx context.Context, entry *permit.AuditEntry) error {
	return nil
}

func (s *noOpAuditStore) GetAccessLog(ctx context.Context, filter permit.AuditFilter) ([]*permit.AuditEntry, error) {
	return nil, nil
}

// generateRules builds n allow rules over distinct resource prefixes plus one
// conditional rule, all in tenant "bench".
func generateRules(n int) []*permit.Rule {
	rules := make([]*permit.Rule, 0, n+1)
	for i := 0; i < n; i++ {
		rules = append(rules, permit.NewRuleBuilder().
			ID(fmt.Sprintf("rule-%d", i)).
			Tenant("bench").
			Actions("read", "list:*").
			Resources(fmt.Sprintf("document:%d:*", i)).
			MustBuild())
	}
	rules = append(rules, permit.NewRuleBuilder().ID("cond").Tenant("bench").
		Actions("write:*").Resources("fee").
		WhenJSON(`{"and":[{"==":[{"var":"amount"},0]},{"in":[{"var":"role"},["admin","clerk"]]}]}`).
		MustBuild())
	return rules
}

func BenchmarkCheckLiteral(b *testing.B) {
	rules := []*permit.Rule{permit.NewRuleBuilder().ID("r").Tenant("s1").Actions("read:Read").Resources("classroom").MustBuild()}
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = permit.Check(rules, "read:Read", "classroom", "s1", nil)
	}
}

func BenchmarkCheckWildcards(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		rules := generateRules(n)
		b.Run(fmt.Sprintf("rules=%d", n), func(b *testing.B) {
			resource := fmt.Sprintf("document:%d:x", n-1)
			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_, _ = permit.Check(rules, "list:All", resource, "bench", nil)
			}
		})
	}
}

func BenchmarkCheckCondition(b *testing.B) {
	rules := generateRules(10)
	ctx := map[string]any{"amount": 0, "role": "clerk"}
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = permit.Check(rules, "write:Update", "fee", "bench", ctx)
	}
}

func BenchmarkEngineAuthorize(b *testing.B) {
	ctx := context.Background()
	ruleStore := stores.NewMemoryRuleStore()
	for _, r := range generateRules(100) {
		_ = ruleStore.CreateRule(ctx, r)
	}
	eng, err := permit.NewEngine(ruleStore,
		permit.WithAuditStore(&noOpAuditStore{}),
		permit.WithLogger(logger.NewNullLogger()),
	)
	if err != nil {
		b.Fatal(err)
	}
	defer eng.Close()
	req := &permit.Request{Action: "read", Resource: "document:42:a", TenantID: "bench"}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = eng.Authorize(ctx, req)
	}
}

func BenchmarkConfigLoadYAML(b *testing.B) {
	cfg := &permit.Config{Version: 1, Rules: generateRules(100)}
	data, err := cfg.ToYAML()
	if err != nil {
		b.Fatal(err)
	}
	loader := permit.NewConfigLoader()
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := loader.Load(data, permit.FormatYAML); err != nil {
			b.Fatal(err)
		}
	}
}
