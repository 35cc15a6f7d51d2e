package service

import (
	"context"

	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/model"
)

// EventApplier 应用其他实例发布的管理事件，使本地缓存计数器跟上变化
type EventApplier struct {
	origin     string
	hooks      CouponHooks
	reconciler StockReconciler
	log        *logger.Logger
}

func NewEventApplier(origin string, hooks CouponHooks, reconciler StockReconciler, log *logger.Logger) *EventApplier {
	return &EventApplier{origin: origin, hooks: hooks, reconciler: reconciler, log: log}
}

// Apply 处理一条管理事件，本实例发出的事件直接跳过
func (a *EventApplier) Apply(ctx context.Context, event *model.CouponEvent) error {
	if event.Origin != "" && event.Origin == a.origin {
		return nil
	}

	switch event.Type {
	case model.EventCreated, model.EventRestocked, model.EventDeleted:
		// 计数器可能已被共享缓存上的发券扣减，按持久层对账而不是直接覆盖；
		// 已删除的券在持锁期间删除计数器
		return a.reconciler.ReconcileOne(ctx, event.CouponCode)
	case model.EventDisabled:
		return a.hooks.OnCouponDisabled(ctx, event.CouponCode)
	default:
		a.log.Debug("忽略非管理事件", "type", event.Type, "code", event.CouponCode)
		return nil
	}
}
