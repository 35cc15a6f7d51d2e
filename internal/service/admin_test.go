package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Byuntil/coupon-system/internal/lock"
	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/model"
)

func testDraft(code string, total int) model.CouponDraft {
	return model.CouponDraft{
		Code:          code,
		Name:          "spring sale",
		DiscountType:  model.DiscountPercent,
		DiscountValue: 15,
		TotalStock:    total,
		StartTime:     testNow.Add(-time.Hour),
		EndTime:       testNow.Add(24 * time.Hour),
		ExpireTime:    testNow.Add(48 * time.Hour),
	}
}

func TestAdmin_Create(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.admin.Create(ctx, testDraft("TEST-0001", 10))
	require.NoError(t, err)
	assert.Equal(t, 10, created.RemainStock)
	assert.Equal(t, model.CouponActive, created.Status)

	v, ok := h.counter("TEST-0001")
	assert.True(t, ok)
	assert.Equal(t, 10, v)
	assert.Equal(t, []model.EventType{model.EventCreated}, h.events.types())

	_, err = h.admin.Create(ctx, testDraft("TEST-0001", 5))
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	_, err = h.admin.Create(ctx, testDraft("TEST-0002", 0))
	assert.ErrorIs(t, err, model.ErrInvalidCoupon)
}

func TestAdmin_UpdateRestock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createCoupon("TEST-0001", 10)

	draft := testDraft("", 25)
	draft.Name = "bigger sale"
	updated, err := h.admin.Update(ctx, "TEST-0001", draft)
	require.NoError(t, err)
	assert.Equal(t, "bigger sale", updated.Name)
	assert.Equal(t, 25, updated.TotalStock)
	assert.Equal(t, 25, updated.RemainStock)

	v, _ := h.counter("TEST-0001")
	assert.Equal(t, 25, v)
	assert.Contains(t, h.events.types(), model.EventRestocked)
}

func TestAdmin_UpdateRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createCoupon("TEST-0001", 10)

	_, err := h.admin.Update(ctx, "TEST-0001", testDraft("OTHER", 10))
	assert.ErrorIs(t, err, model.ErrInvalidCoupon)

	res, err := h.issuance.Issue(ctx, "TEST-0001", 7, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Success)

	// 已发放后可以改名，但不能改总库存
	_, err = h.admin.Update(ctx, "TEST-0001", testDraft("TEST-0001", 10))
	require.NoError(t, err)
	_, err = h.admin.Update(ctx, "TEST-0001", testDraft("TEST-0001", 20))
	assert.ErrorIs(t, err, model.ErrNotAvailable)

	_, err = h.issuance.Use(ctx, 7, res.IssueCode)
	require.NoError(t, err)
	_, err = h.admin.Update(ctx, "TEST-0001", testDraft("TEST-0001", 10))
	assert.ErrorIs(t, err, model.ErrAlreadyUsed)

	_, err = h.admin.Update(ctx, "MISSING", testDraft("MISSING", 10))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAdmin_DeleteAndDisable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createCoupon("DEL", 10)
	h.createCoupon("DIS", 10)

	require.NoError(t, h.admin.Delete(ctx, "DEL"))
	_, ok := h.counter("DEL")
	assert.False(t, ok)
	c, err := h.store.GetCoupon(ctx, "DEL")
	require.NoError(t, err)
	assert.True(t, c.Deleted)
	assert.Equal(t, model.CouponExpired, c.Status)

	_, err = h.admin.Status(ctx, "DEL")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, h.admin.Disable(ctx, "DEL"), model.ErrNotAvailable)
	_, err = h.admin.Update(ctx, "DEL", testDraft("DEL", 10))
	assert.ErrorIs(t, err, model.ErrNotAvailable)

	require.NoError(t, h.admin.Disable(ctx, "DIS"))
	status, err := h.admin.Status(ctx, "DIS")
	require.NoError(t, err)
	assert.Equal(t, model.CouponDisabled, status.Status)
	v, _ := h.counter("DIS")
	assert.Equal(t, 10, v)

	assert.Subset(t, h.events.types(), []model.EventType{model.EventDeleted, model.EventDisabled})
}

// 删除要等进行中的发券释放锁后才清理计数器
func TestAdmin_DeleteWaitsForCouponLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createCoupon("TEST-0001", 10)

	holder := lock.NewToken()
	ok, err := h.locker.Acquire(ctx, "TEST-0001", holder, lock.DefaultTTL, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- h.admin.Delete(ctx, "TEST-0001") }()

	time.Sleep(30 * time.Millisecond)
	_, exists := h.counter("TEST-0001")
	assert.True(t, exists)

	_, err = h.locker.Release(ctx, "TEST-0001", holder)
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("delete did not finish after the lock was released")
	}

	_, exists = h.counter("TEST-0001")
	assert.False(t, exists)
	assert.Empty(t, h.lockKeys())
}

func TestAdmin_Status(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createCoupon("TEST-0001", 3)

	for userID := int64(1); userID <= 2; userID++ {
		res, err := h.issuance.Issue(ctx, "TEST-0001", userID, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	status, err := h.admin.Status(ctx, "TEST-0001")
	require.NoError(t, err)
	assert.Equal(t, 2, status.IssuedCount)
	assert.Equal(t, 1, status.RemainStock)
	assert.Equal(t, 66.67, status.IssueRate)

	_, err = h.admin.Status(ctx, "MISSING")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAdmin_PublishFailureIgnored(t *testing.T) {
	h := newHarness(t)
	h.events.err = assert.AnError
	admin := NewAdminService(h.store, h.issuance, h.reconciler, h.events, logger.NewNop())

	_, err := admin.Create(context.Background(), testDraft("TEST-0001", 10))
	require.NoError(t, err)
	assert.Len(t, h.events.types(), 1)
}
