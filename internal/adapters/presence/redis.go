// Package presence keeps user online state in Redis so every gateway
// node sees the same view.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/domain"
	"github.com/redis/go-redis/v9"
)

// presence:<user> holds the status with a TTL refreshed by heartbeats.
// gateway:connections:<user> is the set of live session ids.
func presenceKey(uid domain.UserID) string    { return "presence:" + string(uid) }
func connectionsKey(uid domain.UserID) string { return "gateway:connections:" + string(uid) }

// disconnectScript drops a session and, when it was the user's last one,
// the presence key. It runs as one unit so a Connect from another node
// cannot land between the count and the delete.
var disconnectScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
local n = redis.call("SCARD", KEYS[1])
if n == 0 then
	redis.call("DEL", KEYS[2])
end
return n
`)

type RedisStore struct {
	rdb     *redis.Client
	scripts redis.Scripter
	ttl     time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, scripts: rdb, ttl: ttl}
}

func (s *RedisStore) Connect(ctx context.Context, uid domain.UserID, sid core.SessionID) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, connectionsKey(uid), string(sid))
	pipe.Set(ctx, presenceKey(uid), string(domain.StatusOnline), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence connect %s: %w", uid, err)
	}
	return nil
}

func (s *RedisStore) Refresh(ctx context.Context, uid domain.UserID) error {
	return s.rdb.Set(ctx, presenceKey(uid), string(domain.StatusOnline), s.ttl).Err()
}

func (s *RedisStore) Disconnect(ctx context.Context, uid domain.UserID, sid core.SessionID) (int64, error) {
	keys := []string{connectionsKey(uid), presenceKey(uid)}
	remaining, err := disconnectScript.Run(ctx, s.scripts, keys, string(sid)).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence disconnect %s: %w", uid, err)
	}
	return remaining, nil
}
