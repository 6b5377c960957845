package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/permit"
)

// RedisRuleStore caches per-tenant rule sets as JSON in Redis (key:
// permit:rules:{tenantID}) in front of next. Redis failures fall back to next.
type RedisRuleStore struct {
	client *redis.Client
	next   permit.RuleStore
	ttl    time.Duration
	keyFmt string
}

func NewRedisRuleStore(client *redis.Client, next permit.RuleStore, ttl time.Duration) *RedisRuleStore {
	return &RedisRuleStore{client: client, next: next, ttl: ttl, keyFmt: "permit:rules:%s"}
}

func (r *RedisRuleStore) key(tenantID string) string {
	return fmt.Sprintf(r.keyFmt, tenantID)
}

func (r *RedisRuleStore) RulesFor(ctx context.Context, tenantID string) ([]*permit.Rule, error) {
	if tenantID == "" {
		return nil, nil
	}
	data, err := r.client.Get(ctx, r.key(tenantID)).Bytes()
	if err == nil {
		var rules []*permit.Rule
		if jerr := json.Unmarshal(data, &rules); jerr == nil {
			return permit.FilterTenant(rules, tenantID), nil
		}
		_ = r.client.Del(ctx, r.key(tenantID)).Err()
	} else if !errors.Is(err, redis.Nil) && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	rules, err := r.next.RulesFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	rules = permit.FilterTenant(rules, tenantID)
	if b, err := json.Marshal(rules); err == nil {
		_ = r.client.Set(ctx, r.key(tenantID), b, r.ttl).Err()
	}
	return rules, nil
}

func (r *RedisRuleStore) Invalidate(ctx context.Context, tenantID string) error {
	return r.client.Del(ctx, r.key(tenantID)).Err()
}
