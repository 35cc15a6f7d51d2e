package lock

import (
	"math/rand"
	"time"

	"github.com/avast/retry-go"
)

const (
	DefaultMaxRetries = 20
	DefaultTTL        = 3 * time.Second
	DefaultTimeout    = 10 * time.Second
)

// Backoff 带抖动的指数退避
// 倍率随重试次数增长(有上限)，抖动幅度随重试次数收窄，结果限定在 [Initial, Max]
type Backoff struct {
	Initial        time.Duration
	Max            time.Duration
	Multiplier     float64 // 首次重试的倍率
	MultiplierStep float64 // 每次重试增加的倍率
	StepCap        int     // 倍率最多增长的次数
	JitterFactor   float64

	// Rand 返回 [0,1) 的随机数，测试时可替换
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:        50 * time.Millisecond,
		Max:            800 * time.Millisecond,
		Multiplier:     1.5,
		MultiplierStep: 0.5,
		StepCap:        4,
		JitterFactor:   0.15,
	}
}

// Next 根据上一次的等待时间计算第 retry 次重试的等待时间(retry 从1开始)
func (b Backoff) Next(retry int, previous time.Duration) time.Duration {
	steps := retry
	if steps > b.StepCap {
		steps = b.StepCap
	}
	multiplier := b.Multiplier + float64(steps)*b.MultiplierStep

	next := time.Duration(float64(previous) * multiplier)
	if next > b.Max {
		next = b.Max
	}

	jitterFactor := b.JitterFactor / (1 + float64(retry)*0.1)
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	jitter := time.Duration((random()*2 - 1) * float64(next) * jitterFactor)

	return b.clamp(next + jitter)
}

func (b Backoff) clamp(d time.Duration) time.Duration {
	if d < b.Initial {
		return b.Initial
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// sequence 单次 Acquire 内的退避状态，下一次等待依赖上一次
type sequence struct {
	backoff Backoff
	current time.Duration
}

func (b Backoff) sequence() *sequence {
	return &sequence{backoff: b, current: b.Initial}
}

// delay 实现 retry.DelayTypeFunc，n 为已失败的次数(从0开始)
func (s *sequence) delay(n uint, _ error, _ *retry.Config) time.Duration {
	s.current = s.backoff.Next(int(n)+1, s.current)
	return s.current
}
