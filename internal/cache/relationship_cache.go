package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"persona-mcp/internal/domain"
)

const (
	relationshipPrefix = "rel:"
	defaultTTL         = 10 * time.Minute
	opTimeout          = 500 * time.Millisecond
)

// RedisRelationshipCache es una caché read-through de vínculos por par
// canónico. Best-effort: cualquier fallo de redis degrada a miss y el
// caller va a la base.
type RedisRelationshipCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewRedisRelationshipCache(client *redis.Client, logger *zap.Logger, ttl time.Duration) *RedisRelationshipCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisRelationshipCache{client: client, logger: logger, ttl: ttl}
}

func relationshipKey(a, b string) string {
	p1, p2 := domain.CanonicalPair(a, b)
	return relationshipPrefix + p1 + ":" + p2
}

// Get devuelve el vínculo cacheado del par, si existe.
func (c *RedisRelationshipCache) Get(ctx context.Context, a, b string) (domain.Relationship, bool) {
	if c == nil || c.client == nil {
		return domain.Relationship{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, relationshipKey(a, b)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("relationship cache get failed", zap.Error(err))
		}
		return domain.Relationship{}, false
	}
	var rel domain.Relationship
	if err := json.Unmarshal(raw, &rel); err != nil {
		c.logger.Warn("relationship cache entry corrupt, dropping", zap.Error(err))
		c.client.Del(ctx, relationshipKey(a, b))
		return domain.Relationship{}, false
	}
	return rel, true
}

// Set cachea el vínculo con TTL.
func (c *RedisRelationshipCache) Set(ctx context.Context, rel domain.Relationship) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(rel)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Set(ctx, relationshipKey(rel.Persona1ID, rel.Persona2ID), raw, c.ttl).Err(); err != nil {
		c.logger.Debug("relationship cache set failed", zap.Error(err))
	}
}

// Invalidate descarta la entrada del par tras una escritura.
func (c *RedisRelationshipCache) Invalidate(ctx context.Context, a, b string) {
	if c == nil || c.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Del(ctx, relationshipKey(a, b)).Err(); err != nil {
		c.logger.Debug("relationship cache invalidate failed", zap.Error(err))
	}
}
