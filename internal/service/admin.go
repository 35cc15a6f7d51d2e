package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/model"
)

type AdminStore interface {
	// CreateCoupon 编码重复时返回 ErrAlreadyExists
	CreateCoupon(ctx context.Context, c model.CouponDefinition) (model.CouponDefinition, error)
	// UpdateCoupon 在行锁内执行 transition，transition 返回错误时不落库
	UpdateCoupon(ctx context.Context, code string,
		transition func(model.CouponDefinition) (model.CouponDefinition, error)) (model.CouponDefinition, error)
	GetCouponSnapshot(ctx context.Context, code string) (model.CouponDefinition, error)
}

// CouponHooks 券定义变化时同步缓存的钩子，由 IssuanceService 实现
type CouponHooks interface {
	OnCouponCreated(ctx context.Context, code string, totalStock int) error
	OnCouponDeleted(ctx context.Context, code string) error
	OnCouponDisabled(ctx context.Context, code string) error
}

// StockReconciler 由 Reconciler 实现。ReconcileOne 持锁执行，
// 删除券时也走这里，保证计数器不会在别人持锁期间被删掉
type StockReconciler interface {
	ReconcileOne(ctx context.Context, code string) error
}

// CouponStatusView 券状态及发放比例
type CouponStatusView struct {
	model.CouponDefinition
	IssuedCount int     `json:"issuedCount"`
	IssueRate   float64 `json:"issueRate"`
}

// AdminService 优惠券的创建、修改、删除和停用
type AdminService struct {
	store      AdminStore
	hooks      CouponHooks
	reconciler StockReconciler
	publisher  EventPublisher
	log        *logger.Logger
	clock      func() time.Time
}

func NewAdminService(
	store AdminStore,
	hooks CouponHooks,
	reconciler StockReconciler,
	publisher EventPublisher,
	log *logger.Logger,
) *AdminService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &AdminService{
		store:      store,
		hooks:      hooks,
		reconciler: reconciler,
		publisher:  publisher,
		log:        log,
		clock:      time.Now,
	}
}

// Create 创建优惠券并初始化缓存计数器
func (s *AdminService) Create(ctx context.Context, draft model.CouponDraft) (model.CouponDefinition, error) {
	coupon, err := model.NewCouponDefinition(draft)
	if err != nil {
		return model.CouponDefinition{}, err
	}
	created, err := s.store.CreateCoupon(ctx, coupon)
	if err != nil {
		return model.CouponDefinition{}, err
	}

	// 计数器写入失败时，首次发券会按持久层重建
	if err := s.hooks.OnCouponCreated(ctx, created.Code, created.TotalStock); err != nil {
		s.log.Warn("初始化库存计数器失败", "code", created.Code, "error", err)
	}
	s.publish(ctx, model.EventCreated, created)
	s.log.Info("优惠券已创建", "code", created.Code, "total_stock", created.TotalStock)
	return created, nil
}

// Update 修改券定义。已有券被使用或已删除时不允许修改，已发放后不能改总库存
func (s *AdminService) Update(ctx context.Context, code string, draft model.CouponDraft) (model.CouponDefinition, error) {
	if draft.Code != "" && draft.Code != code {
		return model.CouponDefinition{}, fmt.Errorf("%w: 编码不可修改", model.ErrInvalidCoupon)
	}
	draft.Code = code
	if err := draft.Validate(); err != nil {
		return model.CouponDefinition{}, err
	}

	restocked := false
	updated, err := s.store.UpdateCoupon(ctx, code, func(c model.CouponDefinition) (model.CouponDefinition, error) {
		if c.Deleted {
			return c, model.ErrCouponDeleted
		}
		if c.UsedCount > 0 {
			return c, fmt.Errorf("%w: 已有券被使用，不能修改", model.ErrAlreadyUsed)
		}

		next := c
		next.Name = draft.Name
		next.DiscountType = draft.DiscountType
		next.DiscountValue = draft.DiscountValue
		next.StartTime = model.Truncate(draft.StartTime)
		next.EndTime = model.Truncate(draft.EndTime)
		next.ExpireTime = model.Truncate(draft.ExpireTime)
		if draft.TotalStock != c.TotalStock {
			if c.RemainStock != c.TotalStock {
				return c, fmt.Errorf("%w: 已发放后不能修改总库存", model.ErrNotAvailable)
			}
			next.TotalStock = draft.TotalStock
			next.RemainStock = draft.TotalStock
			restocked = true
		}
		return next, nil
	})
	if err != nil {
		return model.CouponDefinition{}, err
	}

	if restocked {
		if err := s.reconciler.ReconcileOne(ctx, code); err != nil {
			s.log.Warn("修改总库存后对账失败，等待周期对账", "code", code, "error", err)
		}
		s.publish(ctx, model.EventRestocked, updated)
	}
	s.log.Info("优惠券已修改", "code", code, "restocked", restocked)
	return updated, nil
}

// Delete 逻辑删除，并在持有券锁时清理缓存计数器
func (s *AdminService) Delete(ctx context.Context, code string) error {
	deleted, err := s.store.UpdateCoupon(ctx, code, func(c model.CouponDefinition) (model.CouponDefinition, error) {
		return c.MarkDeleted(), nil
	})
	if err != nil {
		return err
	}
	if err := s.reconciler.ReconcileOne(ctx, code); err != nil {
		// 拿不到锁时直接删除，进行中的发券补偿不会重建已删除的计数器
		s.log.Warn("持锁清理计数器失败，直接删除", "code", code, "error", err)
		if err := s.hooks.OnCouponDeleted(ctx, code); err != nil {
			s.log.Warn("删除库存计数器失败", "code", code, "error", err)
		}
	}
	s.publish(ctx, model.EventDeleted, deleted)
	s.log.Info("优惠券已删除", "code", code)
	return nil
}

// Disable 停用优惠券
func (s *AdminService) Disable(ctx context.Context, code string) error {
	disabled, err := s.store.UpdateCoupon(ctx, code, func(c model.CouponDefinition) (model.CouponDefinition, error) {
		if c.Deleted {
			return c, model.ErrCouponDeleted
		}
		return c.Disable(), nil
	})
	if err != nil {
		return err
	}
	if err := s.hooks.OnCouponDisabled(ctx, code); err != nil {
		s.log.Warn("停用钩子执行失败", "code", code, "error", err)
	}
	s.publish(ctx, model.EventDisabled, disabled)
	return nil
}

// Status 查询券状态，读从库
func (s *AdminService) Status(ctx context.Context, code string) (*CouponStatusView, error) {
	coupon, err := s.store.GetCouponSnapshot(ctx, code)
	if err != nil {
		return nil, err
	}
	if coupon.Deleted {
		return nil, model.ErrCouponNotFound
	}
	return &CouponStatusView{
		CouponDefinition: coupon,
		IssuedCount:      coupon.TotalStock - coupon.RemainStock,
		IssueRate:        coupon.IssueRate(),
	}, nil
}

func (s *AdminService) publish(ctx context.Context, typ model.EventType, c model.CouponDefinition) {
	event := &model.CouponEvent{
		Type:       typ,
		CouponCode: c.Code,
		TotalStock: c.TotalStock,
		OccurredAt: model.Truncate(s.clock().UTC()),
	}
	if err := s.publisher.PublishCouponEvent(ctx, event); err != nil {
		s.log.Warn("发布管理事件失败", "type", typ, "code", c.Code, "error", err)
	}
}
