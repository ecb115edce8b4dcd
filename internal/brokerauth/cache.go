package brokerauth

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Iotistica/iotistic-sub002/internal/store"
)

// aclCache is a bounded-TTL cache of a username's ACL set, backed by
// Redis when available and an in-process fallback map otherwise, with
// explicit invalidation on provisioning/ACL change (spec §4.7, §5).
type aclCache struct {
	rdb *redis.Client
	ttl time.Duration

	mu    sync.RWMutex
	local map[string]cacheEntry
}

type cacheEntry struct {
	acls      []*store.MqttAcl
	expiresAt time.Time
}

func newACLCache(rdb *redis.Client, ttl time.Duration) *aclCache {
	return &aclCache{rdb: rdb, ttl: ttl, local: make(map[string]cacheEntry)}
}

func (c *aclCache) get(ctx context.Context, username string) ([]*store.MqttAcl, bool) {
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, cacheKey(username)).Bytes()
		if err == nil {
			var acls []*store.MqttAcl
			if jsonErr := json.Unmarshal(raw, &acls); jsonErr == nil {
				return acls, true
			}
		}
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.local[username]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.acls, true
}

func (c *aclCache) set(ctx context.Context, username string, acls []*store.MqttAcl) {
	if c.rdb != nil {
		if blob, err := json.Marshal(acls); err == nil {
			c.rdb.Set(ctx, cacheKey(username), blob, c.ttl)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[username] = cacheEntry{acls: acls, expiresAt: time.Now().Add(c.ttl)}
}

func (c *aclCache) invalidate(ctx context.Context, username string) {
	if c.rdb != nil {
		c.rdb.Del(ctx, cacheKey(username))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.local, username)
}

func cacheKey(username string) string {
	return "acl:" + username
}
