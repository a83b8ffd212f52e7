package mutex

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only if it still carries our token.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisService is a LockService backed by SET NX.
type RedisService struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	unlock *redis.Script
}

func NewRedisService(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisService {
	if prefix == "" {
		prefix = "cronkeeper:lock:"
	}
	return &RedisService{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		unlock: redis.NewScript(unlockScript),
	}
}

func (s *RedisService) key(k string) string { return s.prefix + k }

type redisLease struct {
	svc   *RedisService
	key   string
	token string
}

func (l *redisLease) Unlock(ctx context.Context) error {
	return l.svc.unlock.Run(ctx, l.svc.client, []string{l.key}, l.token).Err()
}

func (s *RedisService) TryLock(ctx context.Context, key string) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key(key), token, s.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{svc: s, key: s.key(key), token: token}, true, nil
}

func (s *RedisService) Held(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
