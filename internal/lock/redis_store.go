package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// 比较并删除，避免误删 TTL 过期后被他人重新获取的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// 只给自己持有的锁续期，ARGV[2] 为毫秒
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisStore Redis 锁后端。多个节点时按 Redlock 在多数节点上加锁
type RedisStore struct {
	clients []*redis.Client
	quorum  int
	owned   bool
}

// NewRedisStore 单节点，复用数据节点的客户端，调用方负责关闭客户端
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{clients: []*redis.Client{client}, quorum: 1}
}

// NewRedisQuorumStore 多个相互独立的锁节点，Close 时关闭这些客户端
func NewRedisQuorumStore(clients []*redis.Client) *RedisStore {
	return &RedisStore{clients: clients, quorum: len(clients)/2 + 1, owned: true}
}

// quorumResult 汇总各节点结果。可用节点不足多数时返回最后一个错误
func (s *RedisStore) quorumResult(succeeded, failed int, lastErr error) (bool, error) {
	if succeeded >= s.quorum {
		return true, nil
	}
	if len(s.clients)-failed < s.quorum {
		return false, lastErr
	}
	return false, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	start := time.Now()
	var (
		acquired, failed int
		lastErr          error
	)
	for _, client := range s.clients {
		ok, err := client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		if ok {
			acquired++
		}
	}

	// 加锁耗时超过 TTL 时，最早加上的节点可能已经过期
	if acquired >= s.quorum && time.Since(start) < ttl {
		return true, nil
	}
	if acquired > 0 {
		_, _ = s.CompareAndDelete(context.WithoutCancel(ctx), key, token)
	}
	_, err := s.quorumResult(0, failed, lastErr)
	return false, err
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	var (
		released, failed int
		lastErr          error
	)
	for _, client := range s.clients {
		n, err := releaseScript.Run(ctx, client, []string{key}, token).Int64()
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		if n == 1 {
			released++
		}
	}
	return s.quorumResult(released, failed, lastErr)
}

// Extend 仅当锁仍归 token 所有时把过期时间重置为 ttl
func (s *RedisStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var (
		extended, failed int
		lastErr          error
	)
	for _, client := range s.clients {
		n, err := extendScript.Run(ctx, client, []string{key}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		if n == 1 {
			extended++
		}
	}
	return s.quorumResult(extended, failed, lastErr)
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	var (
		held, failed int
		lastErr      error
	)
	for _, client := range s.clients {
		n, err := client.Exists(ctx, key).Result()
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		if n > 0 {
			held++
		}
	}
	return s.quorumResult(held, failed, lastErr)
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	var errs []error
	for _, client := range s.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
