package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warp/settlement-engine/core"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Catalog caches the payment channel list. Concurrent cache misses and
// concurrent syncs collapse into one store read or one gateway call.
type Catalog struct {
	store   core.PaymentMethodStore
	gateway Gateway
	logger  *zap.Logger
	ttl     time.Duration
	now     func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	byCode   map[string]core.PaymentMethod
	ordered  []core.PaymentMethod
	loadedAt time.Time
}

// NewCatalog creates a catalog. gateway may be nil when channels are only seeded.
func NewCatalog(store core.PaymentMethodStore, gateway Gateway, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		store:   store,
		gateway: gateway,
		logger:  logger.Named("catalog"),
		ttl:     5 * time.Minute,
		now:     time.Now,
	}
}

// Get returns one channel. Unknown codes are a validation error.
func (c *Catalog) Get(ctx context.Context, code string) (core.PaymentMethod, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return core.PaymentMethod{}, err
	}

	c.mu.RLock()
	m, ok := c.byCode[code]
	c.mu.RUnlock()
	if !ok {
		return core.PaymentMethod{}, core.Invalid("method_code", "unknown payment method %q", code)
	}
	return m, nil
}

// List returns every channel, active or not.
func (c *Catalog) List(ctx context.Context) ([]core.PaymentMethod, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]core.PaymentMethod(nil), c.ordered...), nil
}

// Seed stores methods and drops the cache.
func (c *Catalog) Seed(ctx context.Context, methods []core.PaymentMethod) error {
	for _, m := range methods {
		if err := c.store.UpsertPaymentMethod(ctx, m); err != nil {
			return err
		}
	}
	c.Invalidate()
	return nil
}

// Sync pulls the channel list from the gateway into the store. The local
// requires_review flag survives a sync.
func (c *Catalog) Sync(ctx context.Context) (int, error) {
	if c.gateway == nil {
		return 0, errors.New("catalog has no gateway to sync from")
	}

	v, err, _ := c.group.Do("sync", func() (any, error) {
		remote, err := c.gateway.PaymentChannels(ctx)
		if err != nil {
			return 0, fmt.Errorf("fetch payment channels: %w", err)
		}

		existing, err := c.store.ListPaymentMethods(ctx)
		if err != nil {
			return 0, err
		}
		review := make(map[string]bool, len(existing))
		for _, m := range existing {
			review[m.Code] = m.RequiresReview
		}

		for i := range remote {
			remote[i].RequiresReview = remote[i].RequiresReview || review[remote[i].Code]
		}
		if err := c.Seed(ctx, remote); err != nil {
			return 0, err
		}

		c.logger.Info("payment channels synced", zap.Int("count", len(remote)))
		return len(remote), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Invalidate forces the next read to reload from the store.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Catalog) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	fresh := !c.loadedAt.IsZero() && c.now().Sub(c.loadedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	_, err, _ := c.group.Do("load", func() (any, error) {
		methods, err := c.store.ListPaymentMethods(ctx)
		if err != nil {
			return nil, err
		}

		byCode := make(map[string]core.PaymentMethod, len(methods))
		for _, m := range methods {
			byCode[m.Code] = m
		}

		c.mu.Lock()
		c.byCode = byCode
		c.ordered = methods
		c.loadedAt = c.now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}
