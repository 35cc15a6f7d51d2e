package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Byuntil/coupon-system/internal/lock"
	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/model"
	"github.com/Byuntil/coupon-system/internal/repository"
)

func TestReconcileAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createCoupon("DRIFTED", 10)
	h.createCoupon("MISSING", 5)
	h.createCoupon("IN-SYNC", 3)
	h.createCoupon("DELETED", 7)

	require.NoError(t, h.ledger.Initialize(ctx, "DRIFTED", 2))
	h.mr.Del(repository.StockKey("MISSING"))
	require.NoError(t, h.admin.Delete(ctx, "DELETED"))

	require.NoError(t, h.reconciler.ReconcileAll(ctx))

	v, _ := h.counter("DRIFTED")
	assert.Equal(t, 10, v)
	v, ok := h.counter("MISSING")
	assert.True(t, ok)
	assert.Equal(t, 5, v)
	v, _ = h.counter("IN-SYNC")
	assert.Equal(t, 3, v)
	_, ok = h.counter("DELETED")
	assert.False(t, ok)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ReconcileTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReconcileTotal.WithLabelValues("false")))
	assert.Empty(t, h.lockKeys())
}

func TestReconcileAll_ContinuesPastLockedCoupon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createCoupon("LOCKED", 10)
	h.createCoupon("FREE", 10)
	require.NoError(t, h.ledger.Initialize(ctx, "LOCKED", 1))
	require.NoError(t, h.ledger.Initialize(ctx, "FREE", 1))

	ok, err := h.locker.Acquire(ctx, "LOCKED", lock.NewToken(), lock.DefaultTTL, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	r := NewReconciler(h.store, h.ledger, h.locker, nil, logger.NewNop(), ReconcileOptions{
		LockTTL:        lock.DefaultTTL,
		AcquireTimeout: 30 * time.Millisecond,
	})
	err = r.ReconcileAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrLockBusy)
	assert.Contains(t, err.Error(), "LOCKED")

	v, _ := h.counter("LOCKED")
	assert.Equal(t, 1, v)
	v, _ = h.counter("FREE")
	assert.Equal(t, 10, v)
}

func TestReconcileOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createCoupon("TEST-0001", 10)
	require.NoError(t, h.ledger.Initialize(ctx, "TEST-0001", 4))

	require.NoError(t, h.reconciler.ReconcileOne(ctx, "TEST-0001"))
	v, _ := h.counter("TEST-0001")
	assert.Equal(t, 10, v)

	// 停用的券不对账
	require.NoError(t, h.admin.Disable(ctx, "TEST-0001"))
	require.NoError(t, h.ledger.Initialize(ctx, "TEST-0001", 4))
	require.NoError(t, h.reconciler.ReconcileOne(ctx, "TEST-0001"))
	v, _ = h.counter("TEST-0001")
	assert.Equal(t, 4, v)

	assert.ErrorIs(t, h.reconciler.ReconcileOne(ctx, "MISSING"), model.ErrNotFound)
}

func TestReconcileOne_DeletedCouponDropsCounter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createCoupon("TEST-0001", 10)
	_, err := h.store.UpdateCoupon(ctx, "TEST-0001", func(c model.CouponDefinition) (model.CouponDefinition, error) {
		return c.MarkDeleted(), nil
	})
	require.NoError(t, err)

	require.NoError(t, h.reconciler.ReconcileOne(ctx, "TEST-0001"))
	_, ok := h.counter("TEST-0001")
	assert.False(t, ok)
	assert.Empty(t, h.lockKeys())
}

func TestReconciler_Periodic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createCoupon("TEST-0001", 10)
	require.NoError(t, h.ledger.Initialize(ctx, "TEST-0001", 0))

	r := NewReconciler(h.store, h.ledger, h.locker, h.metrics, logger.NewNop(), ReconcileOptions{
		Interval:       20 * time.Millisecond,
		LockTTL:        lock.DefaultTTL,
		AcquireTimeout: time.Second,
	})
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		v, _, err := h.ledger.Get(ctx, "TEST-0001")
		return err == nil && v == 10
	}, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()
}

func TestReconciler_ZeroIntervalDisabled(t *testing.T) {
	h := newHarness(t)
	r := NewReconciler(h.store, h.ledger, h.locker, nil, logger.NewNop(), ReconcileOptions{})
	r.Start()
	r.Stop()
}
