package permit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/permit/logger"
)

type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedRuleBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *SignedRuleBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedRuleBundle) error {
	return f(ctx, pub, bundle)
}

// RepositorySubscriber applies every received bundle to repo.
func RepositorySubscriber(repo RuleRepository) BundleSubscriber {
	return BundleSubscriberFunc(func(ctx context.Context, pub ed25519.PublicKey, b *SignedRuleBundle) error {
		return ApplySignedBundle(ctx, pub, repo, b)
	})
}

// RuleBundleDistributor signs a tenant's rules on change notification and
// pushes the bundle to the subscribers of that tenant and to "*".
type RuleBundleDistributor struct {
	store            RuleStore
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	logger           logger.Logger
	notifyCh         chan string
	stopCh           chan struct{}
	subscribers      map[string][]BundleSubscriber
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type BundleDistributorOption func(*RuleBundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) BundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

// WithBundleRotationInterval sets how often a fresh signing key is generated.
// Zero disables rotation.
func WithBundleRotationInterval(interval time.Duration) BundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if interval >= 0 {
			d.rotationInterval = interval
		}
	}
}

func WithBundleLogger(l logger.Logger) BundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewRuleBundleDistributor(store RuleStore, opts ...BundleDistributorOption) (*RuleBundleDistributor, error) {
	if store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &RuleBundleDistributor{
		store:            store,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		logger:           logger.NewPhusluLogger(),
		notifyCh:         make(chan string, 1024),
		subscribers:      make(map[string][]BundleSubscriber),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *RuleBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	stopCh := make(chan struct{})
	d.stopCh = stopCh
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		var rotate <-chan time.Time
		if d.rotationInterval > 0 {
			ticker := time.NewTicker(d.rotationInterval)
			defer ticker.Stop()
			rotate = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case tenantID := <-d.notifyCh:
				if err := d.Publish(ctx, tenantID); err != nil {
					d.logger.Error("bundle distribution failed", "tenant", tenantID, "err", err)
				}
			case <-rotate:
				if err := d.RotateSigningKey(); err != nil {
					d.logger.Error("bundle key rotation failed", "err", err)
				}
			}
		}
	}()
}

func (d *RuleBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	close(d.stopCh)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyRuleChange queues tenantID for redistribution. Notifications are
// dropped while the queue is full.
func (d *RuleBundleDistributor) NotifyRuleChange(tenantID string) {
	if tenantID == "" {
		return
	}
	select {
	case d.notifyCh <- tenantID:
	default:
		d.logger.Warn("bundle notification dropped", "tenant", tenantID)
	}
}

// RegisterSubscriber subscribes to one tenant, or to every tenant when
// tenantID is "" or "*".
func (d *RuleBundleDistributor) RegisterSubscriber(tenantID string, sub BundleSubscriber) {
	if sub == nil {
		return
	}
	if tenantID == "" {
		tenantID = "*"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[tenantID] = append(d.subscribers[tenantID], sub)
}

func (d *RuleBundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

func (d *RuleBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

// Publish signs the current rules of tenantID and delivers the bundle
// synchronously. Subscriber errors are logged, not returned.
func (d *RuleBundleDistributor) Publish(ctx context.Context, tenantID string) error {
	rules, err := d.store.RulesFor(ctx, tenantID)
	if err != nil {
		return err
	}
	d.mu.RLock()
	priv, pub := d.priv, append(ed25519.PublicKey(nil), d.pub...)
	d.mu.RUnlock()

	bundle, err := SignBundle(priv, tenantID, rules)
	if err != nil {
		return err
	}
	bundle.Meta = map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"signing_key":  base64.StdEncoding.EncodeToString(pub),
	}

	for _, sub := range d.collectSubscribers(tenantID) {
		if err := sub.OnBundle(ctx, pub, bundle); err != nil {
			d.logger.Error("bundle subscriber error", "tenant", tenantID, "err", err)
		}
	}
	return nil
}

func (d *RuleBundleDistributor) collectSubscribers(tenantID string) []BundleSubscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subs := make([]BundleSubscriber, 0, len(d.subscribers[tenantID])+len(d.subscribers["*"]))
	subs = append(subs, d.subscribers[tenantID]...)
	subs = append(subs, d.subscribers["*"]...)
	return subs
}
