package catalog

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

type cachedPrice struct {
	price     int64
	expiresAt time.Time
}

// Redis reads unit prices from a hash (product id -> minor units). Hits are cached for ttl and
// concurrent misses for the same products collapse into one HMGET.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	group  singleflight.Group
	now    func() time.Time
	// fetchTimeout bounds a shared HMGET, which no caller's deadline applies to.
	fetchTimeout time.Duration

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		key:    key,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cachedPrice),

		fetchTimeout: 5 * time.Second,
	}
}

func (r *Redis) UnitPrices(ctx context.Context, productIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(productIDs))
	var misses []string
	now := r.now()

	r.mu.RLock()
	for _, id := range productIDs {
		if c, ok := r.cache[id]; ok && now.Before(c.expiresAt) {
			out[id] = c.price
			continue
		}
		misses = append(misses, id)
	}
	r.mu.RUnlock()
	if len(misses) == 0 {
		return out, nil
	}

	slices.Sort(misses)
	misses = slices.Compact(misses)
	// The shared fetch outlives any one caller; each caller stops waiting on its own ctx.
	ch := r.group.DoChan(strings.Join(misses, ","), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		return r.fetch(fetchCtx, misses)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("catalog: %w", ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	for id, price := range res.Val.(map[string]int64) {
		out[id] = price
	}
	return out, nil
}

func (r *Redis) fetch(ctx context.Context, ids []string) (map[string]int64, error) {
	values, err := r.client.HMGet(ctx, r.key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("catalog: hmget %s: %w", r.key, err)
	}

	prices := make(map[string]int64, len(ids))
	expiresAt := r.now().Add(r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		price, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("catalog: price for %s: %w", ids[i], err)
		}
		prices[ids[i]] = price
		if r.ttl > 0 {
			r.cache[ids[i]] = cachedPrice{price: price, expiresAt: expiresAt}
		}
	}
	return prices, nil
}

// Load writes prices into the hash; used by seeding commands.
func (r *Redis) Load(ctx context.Context, prices map[string]int64) error {
	if len(prices) == 0 {
		return nil
	}
	values := make(map[string]any, len(prices))
	for id, price := range prices {
		values[id] = price
	}
	if err := r.client.HSet(ctx, r.key, values).Err(); err != nil {
		return fmt.Errorf("catalog: hset %s: %w", r.key, err)
	}
	r.mu.Lock()
	for id := range prices {
		delete(r.cache, id)
	}
	r.mu.Unlock()
	return nil
}
