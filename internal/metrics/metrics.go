package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder 发券链路的指标收集接口，服务通过注入使用
type Recorder interface {
	ObserveIssue(outcome string, d time.Duration)
	ObserveUse(outcome string)
	ObserveLockAcquire(acquired bool, d time.Duration)
	IncCompensation(clamped bool)
	IncReconcile(drifted bool)
}

// CouponMetrics 发券服务指标
type CouponMetrics struct {
	// 发券相关指标
	IssueTotal    *prometheus.CounterVec // 发券尝试总数（按结果）
	IssueDuration prometheus.Histogram   // 发券耗时

	// 用券相关指标
	UseTotal *prometheus.CounterVec // 用券总数（按结果）

	// 分布式锁相关指标
	LockAcquireTotal    *prometheus.CounterVec // 锁获取总数（按结果）
	LockAcquireDuration prometheus.Histogram   // 锁获取耗时

	// 库存一致性指标
	CompensationTotal *prometheus.CounterVec // 补偿回滚次数（按是否截断）
	ReconcileTotal    *prometheus.CounterVec // 对账次数（按是否存在偏差）
}

// NewCouponMetrics 在给定注册表上创建指标，reg 为 nil 时使用默认注册表
func NewCouponMetrics(reg prometheus.Registerer) *CouponMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &CouponMetrics{
		IssueTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_issue_total",
				Help: "Total number of coupon issuance attempts",
			},
			[]string{"outcome"}, // outcome: success 或失败原因
		),
		IssueDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coupon_issue_duration_seconds",
				Help:    "Duration of coupon issuance attempts",
				Buckets: prometheus.DefBuckets,
			},
		),
		UseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_use_total",
				Help: "Total number of coupon redemptions",
			},
			[]string{"outcome"},
		),
		LockAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_lock_acquire_total",
				Help: "Total number of coupon lock acquisitions",
			},
			[]string{"result"}, // result: acquired/busy
		),
		LockAcquireDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coupon_lock_acquire_duration_seconds",
				Help:    "Time spent waiting for the coupon lock",
				Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		CompensationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_stock_compensation_total",
				Help: "Total number of compensating stock increments",
			},
			[]string{"clamped"},
		),
		ReconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_stock_reconcile_total",
				Help: "Total number of stock counter reconciliations",
			},
			[]string{"drifted"},
		),
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func (m *CouponMetrics) ObserveIssue(outcome string, d time.Duration) {
	m.IssueTotal.WithLabelValues(outcome).Inc()
	m.IssueDuration.Observe(d.Seconds())
}

func (m *CouponMetrics) ObserveUse(outcome string) {
	m.UseTotal.WithLabelValues(outcome).Inc()
}

func (m *CouponMetrics) ObserveLockAcquire(acquired bool, d time.Duration) {
	result := "busy"
	if acquired {
		result = "acquired"
	}
	m.LockAcquireTotal.WithLabelValues(result).Inc()
	m.LockAcquireDuration.Observe(d.Seconds())
}

func (m *CouponMetrics) IncCompensation(clamped bool) {
	m.CompensationTotal.WithLabelValues(boolLabel(clamped)).Inc()
}

func (m *CouponMetrics) IncReconcile(drifted bool) {
	m.ReconcileTotal.WithLabelValues(boolLabel(drifted)).Inc()
}

// Nop 不记录任何指标
type Nop struct{}

func (Nop) ObserveIssue(string, time.Duration) {}
func (Nop) ObserveUse(string) {}
func (Nop) ObserveLockAcquire(bool, time.Duration) {}
func (Nop) IncCompensation(bool) {}
func (Nop) IncReconcile(bool) {}
