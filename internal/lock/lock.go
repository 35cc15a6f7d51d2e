package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/xid"

	"github.com/Byuntil/coupon-system/internal/logger"
)

// Store 锁后端需要提供的原子原语
type Store interface {
	// SetIfAbsent 键不存在时写入 token 并设置过期时间
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// CompareAndDelete 仅当键的值仍等于 token 时删除
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)

	// Extend 仅当键的值仍等于 token 时重置过期时间
	// 返回值：bool 表示是否续期成功，锁已过期或易主时为 false
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Exists 廉价的存在性探测
	Exists(ctx context.Context, key string) (bool, error)

	Close() error
}

// errHeld 锁被他人持有，只在重试循环内部使用
var errHeld = errors.New("lock held by another holder")

// Options 锁的获取参数
type Options struct {
	KeyPrefix  string
	MaxRetries int
	Backoff    Backoff
}

// Locker 以资源名为粒度的互斥锁，持有者用 token 标识
type Locker struct {
	store Store
	opts  Options
	log   *logger.Logger
}

func NewLocker(store Store, opts Options, log *logger.Logger) *Locker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	return &Locker{store: store, opts: opts, log: log}
}

// NewToken 生成持有者 token
func NewToken() string {
	return xid.New().String()
}

func (l *Locker) Key(resource string) string {
	return l.opts.KeyPrefix + resource
}

// Acquire 在 deadline 之前反复尝试获取锁
// 超时、取消或重试次数耗尽都返回 (false, nil)，只有后端故障才返回 error
func (l *Locker) Acquire(ctx context.Context, resource, token string, ttl time.Duration, deadline time.Time) (bool, error) {
	key := l.Key(resource)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	seq := l.opts.Backoff.sequence()
	attempts := 0

	err := retry.Do(
		func() error {
			attempts++
			// 先探测，锁仍被持有就不必发起 SETNX
			held, err := l.store.Exists(waitCtx, key)
			if err != nil {
				return err
			}
			if held {
				return errHeld
			}
			ok, err := l.store.SetIfAbsent(waitCtx, key, token, ttl)
			if err != nil {
				return err
			}
			if !ok {
				return errHeld
			}
			return nil
		},
		retry.Context(waitCtx),
		retry.Attempts(uint(l.opts.MaxRetries)),
		retry.DelayType(seq.delay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errHeld) }),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return true, nil
	}

	if waitCtx.Err() != nil {
		if ctx.Err() != nil {
			l.log.Warn("获取锁被取消", "key", key, "attempts", attempts)
		} else {
			l.log.Debug("获取锁超时", "key", key, "attempts", attempts)
		}
		return false, nil
	}
	if errors.Is(err, errHeld) {
		l.log.Debug("获取锁重试次数耗尽", "key", key, "attempts", attempts)
		return false, nil
	}
	return false, fmt.Errorf("获取锁 %s 失败: %w", key, err)
}

// Release 只删除自己持有的锁，返回是否真的删除了
func (l *Locker) Release(ctx context.Context, resource, token string) (bool, error) {
	key := l.Key(resource)
	released, err := l.store.CompareAndDelete(ctx, key, token)
	if err != nil {
		return false, fmt.Errorf("释放锁 %s 失败: %w", key, err)
	}
	if !released {
		l.log.Warn("锁已过期或被他人持有，跳过释放", "key", key)
	}
	return released, nil
}

// Refresh 为自己持有的锁续期，返回 false 说明锁已经丢失
func (l *Locker) Refresh(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	key := l.Key(resource)
	ok, err := l.store.Extend(ctx, key, token, ttl)
	if err != nil {
		return false, fmt.Errorf("续期锁 %s 失败: %w", key, err)
	}
	return ok, nil
}

// KeepAlive 每隔 ttl/3 续期一次，直到调用返回的 stop 或锁丢失
// stop 返回后不会再有续期请求发出
func (l *Locker) KeepAlive(ctx context.Context, resource, token string, ttl time.Duration) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Refresh(ctx, resource, token, ttl)
				if err != nil {
					l.log.Warn("锁续期失败，稍后重试", "key", l.Key(resource), "error", err)
					continue
				}
				if !ok {
					l.log.Warn("锁已丢失，停止续期", "key", l.Key(resource))
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

// IsHeld 锁当前是否被任何人持有
func (l *Locker) IsHeld(ctx context.Context, resource string) (bool, error) {
	held, err := l.store.Exists(ctx, l.Key(resource))
	if err != nil {
		return false, fmt.Errorf("探测锁 %s 失败: %w", l.Key(resource), err)
	}
	return held, nil
}

func (l *Locker) Close() error {
	return l.store.Close()
}
