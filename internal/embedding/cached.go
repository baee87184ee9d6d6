package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/runsift/internal/vector"
)

// DefaultCacheTTL is how long a cached embedding is kept in Redis.
const DefaultCacheTTL = 24 * time.Hour

// Cached serves embeddings from Redis and falls back to the wrapped provider on a
// miss. Redis failures are logged and treated as misses.
type Cached struct {
	next  Provider
	pool  *redis.Pool
	model string
	ttl   time.Duration
}

// NewRedisPool returns a connection pool for the Redis server at addr.
func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr,
				redis.DialConnectTimeout(2*time.Second),
				redis.DialReadTimeout(2*time.Second),
				redis.DialWriteTimeout(2*time.Second),
			)
		},
	}
}

// NewCached wraps next with a Redis cache keyed by model name and text digest.
func NewCached(next Provider, pool *redis.Pool, model string, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{next: next, pool: pool, model: model, ttl: ttl}
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "runsift:emb:" + c.model + ":" + hex.EncodeToString(sum[:])
}

// Embed returns cached vectors where present and embeds the rest in one call.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var (
		missing    []string
		missingIdx []int
	)

	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Embedding cache unavailable")
		return c.next.Embed(ctx, texts)
	}
	defer conn.Close()

	for i, text := range texts {
		blob, err := redis.Bytes(conn.Do("GET", c.key(text)))
		if err == nil {
			if vec, decErr := vector.DecodeEmbedding(blob); decErr == nil && len(vec) > 0 {
				out[i] = vec
				continue
			}
		} else if !errors.Is(err, redis.ErrNil) {
			log.Warn().Err(err).Msg("Embedding cache read failed")
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, ErrBadResponse
	}

	ttl := int(c.ttl / time.Second)
	for j, vec := range vectors {
		out[missingIdx[j]] = vec
		if _, err := conn.Do("SETEX", c.key(missing[j]), ttl, vector.EncodeEmbedding(vec)); err != nil {
			log.Warn().Err(err).Msg("Embedding cache write failed")
		}
	}
	return out, nil
}
