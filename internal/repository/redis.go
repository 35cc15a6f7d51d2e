package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/Byuntil/coupon-system/config"
	"github.com/Byuntil/coupon-system/internal/model"
)

const (
	// Redis键前缀
	StockKeyPrefix = "coupon:stock:"
	LockKeyPrefix  = "coupon:lock:"

	scanBatch = 500
)

// Lua脚本，每个脚本都是一次原子操作
const (
	// 计数器不存在返回 -2，库存不足返回 -1，否则返回扣减后的值
	decrementIfPositiveScript = `
local current = redis.call('GET', KEYS[1])
if not current then
	return -2
end
if tonumber(current) > 0 then
	return redis.call('DECR', KEYS[1])
end
return -1
`

	// 补偿回滚，ARGV[1] 为总库存，小于0表示不截断；返回 {当前值, 是否截断}
	// 计数器已被删除(券已删除)时不重建，返回 {-1, 0}
	incrementClampedScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
local value = redis.call('INCR', KEYS[1])
local ceiling = tonumber(ARGV[1])
if ceiling >= 0 and value > ceiling then
	redis.call('SET', KEYS[1], ceiling)
	return {ceiling, 1}
end
return {value, 0}
`

	// 与持久层对账，返回 {旧值(不存在为-1), 是否改写}
	reconcileScript = `
local current = redis.call('GET', KEYS[1])
local durable = tonumber(ARGV[1])
if current and tonumber(current) == durable then
	return {durable, 0}
end
redis.call('SET', KEYS[1], durable)
if not current then
	return {-1, 1}
end
return {tonumber(current), 1}
`
)

var scripts = map[string]string{
	"decrementIfPositive": decrementIfPositiveScript,
	"incrementClamped":    incrementClampedScript,
	"reconcile":           reconcileScript,
}

// NewRedisClient 创建数据节点客户端并测试连接
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}
	return client, nil
}

// RedisStockLedger 缓存中的库存计数器，不是库存的权威来源
type RedisStockLedger struct {
	client *redis.Client

	mu           sync.RWMutex
	scriptHashes map[string]string // 脚本名 -> SHA1
}

func NewRedisStockLedger(ctx context.Context, client *redis.Client) (*RedisStockLedger, error) {
	l := &RedisStockLedger{
		client:       client,
		scriptHashes: make(map[string]string, len(scripts)),
	}
	if err := l.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}
	return l, nil
}

func StockKey(code string) string {
	return StockKeyPrefix + code
}

// unavailable 把 Redis 故障归类为缓存不可用
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, model.ErrCacheUnavailable, err)
}

// preloadScripts 预加载所有Lua脚本
func (l *RedisStockLedger) preloadScripts(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, src := range scripts {
		sha, err := l.client.ScriptLoad(ctx, src).Result()
		if err != nil {
			return fmt.Errorf("加载脚本 %s 失败: %w", name, err)
		}
		l.scriptHashes[name] = sha
	}
	return nil
}

// evalScript 使用EVALSHA执行脚本，脚本缓存被清空时重新加载后再试一次
func (l *RedisStockLedger) evalScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	l.mu.RLock()
	sha, ok := l.scriptHashes[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("脚本 %s 未预加载", name)
	}

	result, err := l.client.EvalSha(ctx, sha, keys, args...).Result()
	if err == nil || !strings.HasPrefix(err.Error(), "NOSCRIPT") {
		return result, err
	}

	sha, err = l.client.ScriptLoad(ctx, scripts[name]).Result()
	if err != nil {
		return nil, fmt.Errorf("重新加载脚本 %s 失败: %w", name, err)
	}
	l.mu.Lock()
	l.scriptHashes[name] = sha
	l.mu.Unlock()

	return l.client.EvalSha(ctx, sha, keys, args...).Result()
}

// pair 解析脚本返回的 {int, int}
func pair(result interface{}) (int64, int64, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("LUA脚本返回格式错误: %v", result)
	}
	first, ok1 := values[0].(int64)
	second, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("LUA脚本返回类型错误: %v", result)
	}
	return first, second, nil
}

// Initialize 覆盖写入库存，不与持久层校验
func (l *RedisStockLedger) Initialize(ctx context.Context, code string, quantity int) error {
	if err := l.client.Set(ctx, StockKey(code), quantity, 0).Err(); err != nil {
		return unavailable("初始化库存失败", err)
	}
	return nil
}

// DecrementIfPositive 库存大于0时原子扣减
func (l *RedisStockLedger) DecrementIfPositive(ctx context.Context, code string) (bool, error) {
	result, err := l.evalScript(ctx, "decrementIfPositive", []string{StockKey(code)})
	if err != nil {
		return false, unavailable("扣减库存失败", err)
	}
	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("LUA脚本返回类型错误: %v", result)
	}
	switch {
	case n == -2:
		return false, model.ErrCounterMissing
	case n < 0:
		return false, nil
	default:
		return true, nil
	}
}

// Increment 补偿回滚。超过 totalStock 时截断并返回 clamped=true，说明缓存与持久层不一致
// 计数器不存在时不做任何修改，返回 ErrCounterMissing
func (l *RedisStockLedger) Increment(ctx context.Context, code string, totalStock int) (bool, error) {
	result, err := l.evalScript(ctx, "incrementClamped", []string{StockKey(code)}, totalStock)
	if err != nil {
		return false, unavailable("回滚库存失败", err)
	}
	value, clamped, err := pair(result)
	if err != nil {
		return false, err
	}
	if value < 0 {
		return false, model.ErrCounterMissing
	}
	return clamped == 1, nil
}

// Reconcile 不一致时用持久层的值覆盖，调用方需持有该券的锁
func (l *RedisStockLedger) Reconcile(ctx context.Context, code string, durable int) (int, bool, error) {
	result, err := l.evalScript(ctx, "reconcile", []string{StockKey(code)}, durable)
	if err != nil {
		return 0, false, unavailable("库存对账失败", err)
	}
	previous, changed, err := pair(result)
	if err != nil {
		return 0, false, err
	}
	return int(previous), changed == 1, nil
}

// Get 读取计数器，ok=false 表示不存在
func (l *RedisStockLedger) Get(ctx context.Context, code string) (int, bool, error) {
	raw, err := l.client.Get(ctx, StockKey(code)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, unavailable("读取库存失败", err)
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("解析库存计数器失败: %w", err)
	}
	return value, true, nil
}

func (l *RedisStockLedger) Delete(ctx context.Context, code string) error {
	if err := l.client.Del(ctx, StockKey(code)).Err(); err != nil {
		return unavailable("删除库存失败", err)
	}
	return nil
}

// DeleteAll 按前缀清理所有库存计数器和锁，用于重置
func (l *RedisStockLedger) DeleteAll(ctx context.Context) error {
	for _, pattern := range []string{StockKeyPrefix + "*", LockKeyPrefix + "*"} {
		if err := l.deleteByPattern(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

func (l *RedisStockLedger) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return unavailable("扫描键失败", err)
		}
		if len(keys) > 0 {
			if err := l.client.Del(ctx, keys...).Err(); err != nil {
				return unavailable("批量删除键失败", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
