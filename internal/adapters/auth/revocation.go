package auth

import (
	"context"

	"github.com/redis/go-redis/v9"
)

func blocklistKey(jti string) string { return "blocklist:jti:" + jti }

// RedisRevocations reads the jti blocklist written on logout.
type RedisRevocations struct {
	rdb *redis.Client
}

func NewRedisRevocations(rdb *redis.Client) *RedisRevocations {
	return &RedisRevocations{rdb: rdb}
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.rdb.Exists(ctx, blocklistKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
