package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/metrics"
	"github.com/Byuntil/coupon-system/internal/model"
)

// ReconcileOptions 对账参数，Interval 为 0 时不做周期对账
type ReconcileOptions struct {
	Interval       time.Duration
	LockTTL        time.Duration
	AcquireTimeout time.Duration
}

// Reconciler 让缓存库存计数器与持久层剩余库存保持一致
type Reconciler struct {
	store   CouponReader
	ledger  StockLedger
	locker  Locker
	metrics metrics.Recorder
	log     *logger.Logger
	opts    ReconcileOptions

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReconciler(
	store CouponReader,
	ledger StockLedger,
	locker Locker,
	recorder metrics.Recorder,
	log *logger.Logger,
	opts ReconcileOptions,
) *Reconciler {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Reconciler{
		store:    store,
		ledger:   ledger,
		locker:   locker,
		metrics:  recorder,
		log:      log,
		opts:     opts,
		stopChan: make(chan struct{}),
	}
}

// ReconcileAll 对所有未删除且 ACTIVE/EXHAUSTED 的券对账，单个失败不影响其余
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	coupons, err := r.store.ListReconcilable(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range coupons {
		if err := r.reconcile(ctx, c.Code); err != nil {
			r.log.Error("优惠券对账失败", "code", c.Code, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Code, err))
		}
	}
	r.log.Info("库存对账完成", "coupons", len(coupons), "failed", len(errs))
	return errors.Join(errs...)
}

// ReconcileOne 对单张券对账，已删除的券在持锁期间删除计数器
func (r *Reconciler) ReconcileOne(ctx context.Context, code string) error {
	coupon, err := r.store.GetCoupon(ctx, code)
	if err != nil {
		return err
	}
	if !coupon.Deleted && !coupon.Reconcilable() {
		return nil
	}
	return r.reconcile(ctx, code)
}

func (r *Reconciler) reconcile(ctx context.Context, code string) error {
	token := xid.New().String()
	acquired, err := r.locker.Acquire(ctx, code, token, r.opts.LockTTL, time.Now().Add(r.opts.AcquireTimeout))
	if err != nil {
		return fmt.Errorf("%w: 获取锁失败: %v", model.ErrCacheUnavailable, err)
	}
	if !acquired {
		return model.ErrLockBusy
	}
	defer func() {
		if _, err := r.locker.Release(context.WithoutCancel(ctx), code, token); err != nil {
			r.log.Error("对账释放锁失败", "code", code, "error", err)
		}
	}()

	stopRenew := r.locker.KeepAlive(ctx, code, token, r.opts.LockTTL)
	defer stopRenew()

	// 持锁后重新读取，列表里的快照可能已经过期
	coupon, err := r.store.GetCoupon(ctx, code)
	if err != nil {
		return err
	}
	if coupon.Deleted {
		if err := r.ledger.Delete(ctx, code); err != nil {
			return err
		}
		r.log.Info("已删除券的计数器已清理", "code", code)
		return nil
	}
	if !coupon.Reconcilable() {
		return nil
	}
	prev, changed, err := r.ledger.Reconcile(ctx, code, coupon.RemainStock)
	if err != nil {
		return err
	}
	r.metrics.IncReconcile(changed)
	if changed {
		r.log.Warn("库存计数器与持久层不一致，已修正",
			"code", code, "cache", prev, "durable", coupon.RemainStock)
	}
	return nil
}

// Start 启动周期对账
func (r *Reconciler) Start() {
	if r.opts.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.opts.Interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.opts.Interval)
				_ = r.ReconcileAll(ctx)
				cancel()
			case <-r.stopChan:
				r.log.Info("周期对账已停止")
				return
			}
		}
	}()
	r.log.Info("周期对账已启动", "interval", r.opts.Interval)
}

// Stop 停止周期对账并等待正在进行的一轮结束
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}
