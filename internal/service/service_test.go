package service

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Byuntil/coupon-system/config"
	"github.com/Byuntil/coupon-system/internal/lock"
	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/metrics"
	"github.com/Byuntil/coupon-system/internal/model"
	"github.com/Byuntil/coupon-system/internal/repository"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.CouponEvent
	err    error
}

func (p *recordingPublisher) PublishCouponEvent(_ context.Context, e *model.CouponEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *e)
	return p.err
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]model.EventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type harness struct {
	t          *testing.T
	mr         *miniredis.Miniredis
	store      *repository.CouponStore
	ledger     *repository.RedisStockLedger
	locker     *lock.Locker
	metrics    *metrics.CouponMetrics
	events     *recordingPublisher
	opts       IssuanceOptions
	issuance   *IssuanceService
	reconciler *Reconciler
	admin      *AdminService
}

func newHarness(t *testing.T, options ...func(*IssuanceOptions)) *harness {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := repository.NewCouponStore(ctx, config.MySQLConfig{
		Driver:       "sqlite",
		Master:       filepath.Join(t.TempDir(), "coupon.db"),
		MaxOpenConns: 1,
		AutoMigrate:  true,
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ledger, err := repository.NewRedisStockLedger(ctx, client)
	require.NoError(t, err)

	backoff := lock.DefaultBackoff()
	backoff.Initial = time.Millisecond
	backoff.Max = 5 * time.Millisecond
	locker := lock.NewLocker(lock.NewRedisStore(client), lock.Options{
		KeyPrefix:  repository.LockKeyPrefix,
		MaxRetries: 2000,
		Backoff:    backoff,
	}, logger.NewNop())

	h := &harness{
		t:       t,
		mr:      mr,
		store:   store,
		ledger:  ledger,
		locker:  locker,
		metrics: metrics.NewCouponMetrics(prometheus.NewRegistry()),
		events:  &recordingPublisher{},
		opts: IssuanceOptions{
			LockTTL:        lock.DefaultTTL,
			AcquireTimeout: lock.DefaultTimeout,
			Clock:          func() time.Time { return testNow },
		},
	}
	for _, apply := range options {
		apply(&h.opts)
	}

	h.issuance = h.issuanceWith(store)
	h.reconciler = NewReconciler(store, ledger, locker, h.metrics, logger.NewNop(), ReconcileOptions{
		LockTTL:        lock.DefaultTTL,
		AcquireTimeout: lock.DefaultTimeout,
	})
	h.admin = NewAdminService(store, h.issuance, h.reconciler, h.events, logger.NewNop())
	return h
}

// issuanceWith 用替换后的持久层构造服务，其余依赖共用
func (h *harness) issuanceWith(store IssuanceStore) *IssuanceService {
	return NewIssuanceService(store, h.ledger, h.locker, h.events, h.metrics, logger.NewNop(), h.opts)
}

func (h *harness) createCoupon(code string, total int) model.CouponDefinition {
	h.t.Helper()
	c, err := h.admin.Create(context.Background(), model.CouponDraft{
		Code:          code,
		Name:          "test coupon",
		DiscountType:  model.DiscountFixed,
		DiscountValue: 1000,
		TotalStock:    total,
		StartTime:     testNow.Add(-time.Hour),
		EndTime:       testNow.Add(24 * time.Hour),
		ExpireTime:    testNow.Add(48 * time.Hour),
	})
	require.NoError(h.t, err)
	return c
}

func (h *harness) counter(code string) (int, bool) {
	h.t.Helper()
	v, ok, err := h.ledger.Get(context.Background(), code)
	require.NoError(h.t, err)
	return v, ok
}

func (h *harness) remainStock(code string) int {
	h.t.Helper()
	c, err := h.store.GetCoupon(context.Background(), code)
	require.NoError(h.t, err)
	return c.RemainStock
}

func (h *harness) audits(code string) []model.AuditEntry {
	h.t.Helper()
	entries, err := h.store.ListAudits(context.Background(), code)
	require.NoError(h.t, err)
	return entries
}

func (h *harness) lockKeys() []string {
	var keys []string
	for _, k := range h.mr.Keys() {
		if strings.HasPrefix(k, repository.LockKeyPrefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// faultyStore 替换 CommitIssuance 以模拟持久层故障
type faultyStore struct {
	IssuanceStore
	commit func(ctx context.Context, couponCode string, userID int64, issueCode string,
		now time.Time) (model.IssuanceRecord, model.CouponDefinition, error)
}

func (f *faultyStore) CommitIssuance(ctx context.Context, couponCode string, userID int64, issueCode string,
	now time.Time) (model.IssuanceRecord, model.CouponDefinition, error) {
	return f.commit(ctx, couponCode, userID, issueCode, now)
}
