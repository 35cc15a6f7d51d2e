package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/xid"

	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/metrics"
	"github.com/Byuntil/coupon-system/internal/model"
)

// StockLedger 缓存中的库存计数器，持久层才是库存的权威来源
type StockLedger interface {
	Initialize(ctx context.Context, code string, quantity int) error

	// DecrementIfPositive 返回是否扣减成功；计数器不存在时返回 ErrCounterMissing
	DecrementIfPositive(ctx context.Context, code string) (bool, error)

	// Increment 回滚一次扣减，返回是否被 totalStock 截断
	// 计数器已被删除时不重建，返回 ErrCounterMissing
	Increment(ctx context.Context, code string, totalStock int) (bool, error)

	// Reconcile 用持久层剩余库存覆盖计数器，返回旧值和是否发生改写
	Reconcile(ctx context.Context, code string, durable int) (int, bool, error)

	Delete(ctx context.Context, code string) error
}

// Locker 按券编码加锁
type Locker interface {
	// Acquire 在 deadline 前获取锁。超时或取消返回 (false, nil)，只有后端故障返回 error
	Acquire(ctx context.Context, resource, token string, ttl time.Duration, deadline time.Time) (bool, error)

	// Release 只释放 token 持有的锁，返回是否真的删除
	Release(ctx context.Context, resource, token string) (bool, error)

	// KeepAlive 持锁期间后台续期，调用 stop 后停止
	KeepAlive(ctx context.Context, resource, token string, ttl time.Duration) (stop func())
}

type CouponReader interface {
	// GetCoupon 从主库读取，券不存在时返回 ErrCouponNotFound
	GetCoupon(ctx context.Context, code string) (model.CouponDefinition, error)
	// ListReconcilable 未删除且状态为 ACTIVE 或 EXHAUSTED 的券
	ListReconcilable(ctx context.Context) ([]model.CouponDefinition, error)
}

// IssuanceStore 发券和用券需要的持久层操作。
// CommitIssuance 和 CommitUse 各自在一个事务内完成，失败时不留下部分写入
type IssuanceStore interface {
	CouponReader
	HasIssuance(ctx context.Context, couponCode string, userID int64) (bool, error)
	CommitIssuance(ctx context.Context, couponCode string, userID int64, issueCode string,
		now time.Time) (model.IssuanceRecord, model.CouponDefinition, error)
	CommitUse(ctx context.Context, userID int64, issueCode string,
		now time.Time) (model.IssuanceRecord, model.UseHistory, error)
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
}

// EventPublisher 发布券事件。返回的 error 只用于记录日志，不影响业务结果
type EventPublisher interface {
	PublishCouponEvent(ctx context.Context, event *model.CouponEvent) error
}

type nopPublisher struct{}

func (nopPublisher) PublishCouponEvent(context.Context, *model.CouponEvent) error { return nil }

const maxFailReasonLength = 255

// IssueResult 发券结果。预期内的失败 Success=false 且 Reason 非空
type IssueResult struct {
	Success   bool   `json:"success"`
	IssueCode string `json:"issueCode,omitempty"`
	Message   string `json:"message"`
	Reason    error  `json:"-"`
}

// UseResult 用券结果
type UseResult struct {
	Success       bool               `json:"success"`
	IssueCode     string             `json:"issueCode"`
	DiscountType  model.DiscountType `json:"discountType"`
	DiscountValue int                `json:"discountValue"`
	UsedAt        time.Time          `json:"usedAt"`
}

// IssuanceOptions 发券服务参数
type IssuanceOptions struct {
	LockTTL        time.Duration
	AcquireTimeout time.Duration
	Codes          CodeGenerator
	Clock          func() time.Time
}

// IssuanceService 发券和用券的编排
type IssuanceService struct {
	store     IssuanceStore
	ledger    StockLedger
	locker    Locker
	publisher EventPublisher
	metrics   metrics.Recorder
	log       *logger.Logger
	opts      IssuanceOptions
}

func NewIssuanceService(
	store IssuanceStore,
	ledger StockLedger,
	locker Locker,
	publisher EventPublisher,
	recorder metrics.Recorder,
	log *logger.Logger,
	opts IssuanceOptions,
) *IssuanceService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if opts.Codes == nil {
		opts.Codes = RandomCodeGenerator{Length: IssueCodeLength}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &IssuanceService{
		store:     store,
		ledger:    ledger,
		locker:    locker,
		publisher: publisher,
		metrics:   recorder,
		log:       log,
		opts:      opts,
	}
}

func (s *IssuanceService) now() time.Time {
	return model.Truncate(s.opts.Clock().UTC())
}

// Issue 为用户发放一张券
func (s *IssuanceService) Issue(ctx context.Context, code string, userID int64, requestIP string) (res *IssueResult, err error) {
	started := time.Now()
	requestTime := s.now()

	// 每次尝试只写一条审计记录，panic 时也会写
	defer func() {
		s.finish(ctx, code, userID, requestIP, requestTime, started, res, err)
	}()

	issueCode, err := s.issue(ctx, code, userID, requestTime)
	return issueResult(issueCode, err)
}

func issueResult(issueCode string, err error) (*IssueResult, error) {
	if err == nil {
		return &IssueResult{Success: true, IssueCode: issueCode, Message: "coupon issued"}, nil
	}
	if model.IsExpected(err) {
		return &IssueResult{Message: failMessage(err), Reason: err}, nil
	}
	return &IssueResult{Message: failMessage(err), Reason: err}, err
}

// failMessage 返回给调用方的失败说明，不带内部细节
func failMessage(err error) string {
	switch model.ReasonOf(err) {
	case model.ReasonOutOfStock:
		return model.ErrOutOfStock.Error()
	case model.ReasonLockBusy:
		return model.ErrLockBusy.Error()
	case model.ReasonDuplicate:
		return model.ErrDuplicateIssuance.Error()
	case model.ReasonIssueCodeConflict:
		return model.ErrIssueCodeCollision.Error()
	case model.ReasonNotFound, model.ReasonNotAvailable:
		return err.Error()
	case model.ReasonCacheUnavailable:
		return model.ErrCacheUnavailable.Error()
	default:
		return "internal error"
	}
}

func (s *IssuanceService) issue(ctx context.Context, code string, userID int64, now time.Time) (string, error) {
	// 锁外先查一次，重复请求不占锁；唯一索引兜底
	issued, err := s.store.HasIssuance(ctx, code, userID)
	if err != nil {
		return "", err
	}
	if issued {
		return "", model.ErrDuplicateIssuance
	}

	token := xid.New().String()
	acquired, err := s.acquire(ctx, code, token)
	if err != nil {
		return "", fmt.Errorf("%w: 获取锁失败: %v", model.ErrCacheUnavailable, err)
	}
	if !acquired {
		return "", model.ErrLockBusy
	}
	cleanupCtx := context.WithoutCancel(ctx)
	defer s.release(cleanupCtx, code, token)
	// 持久层提交可能慢于锁的 TTL，续期到补偿完成为止
	stopRenew := s.locker.KeepAlive(cleanupCtx, code, token, s.opts.LockTTL)
	defer stopRenew()

	if err := s.decrement(ctx, code); err != nil {
		return "", err
	}

	// 扣减后没有提交就回滚计数器，先于释放锁执行
	var (
		committed  bool
		totalStock = -1
		resync     bool
	)
	defer func() {
		if !committed {
			s.compensate(cleanupCtx, code, totalStock, resync)
		}
	}()

	coupon, err := s.store.GetCoupon(ctx, code)
	if err != nil {
		return "", err
	}
	totalStock = coupon.TotalStock
	if err := coupon.CheckIssuable(now); err != nil {
		return "", err
	}

	issueCode, err := s.opts.Codes.Generate()
	if err != nil {
		return "", err
	}
	if _, _, err := s.store.CommitIssuance(ctx, code, userID, issueCode, now); err != nil {
		if errors.Is(err, model.ErrOutOfStock) {
			resync = true
		}
		return "", err
	}
	committed = true
	return issueCode, nil
}

func (s *IssuanceService) acquire(ctx context.Context, code, token string) (bool, error) {
	started := time.Now()
	acquired, err := s.locker.Acquire(ctx, code, token, s.opts.LockTTL, started.Add(s.opts.AcquireTimeout))
	if err == nil {
		s.metrics.ObserveLockAcquire(acquired, time.Since(started))
	}
	return acquired, err
}

func (s *IssuanceService) release(ctx context.Context, code, token string) {
	if _, err := s.locker.Release(ctx, code, token); err != nil {
		s.log.Error("释放锁失败，等待TTL过期", "code", code, "error", err)
	}
}

// decrement 计数器缺失时按持久层重建后再试一次
func (s *IssuanceService) decrement(ctx context.Context, code string) error {
	ok, err := s.ledger.DecrementIfPositive(ctx, code)
	if errors.Is(err, model.ErrCounterMissing) {
		coupon, loadErr := s.store.GetCoupon(ctx, code)
		if loadErr != nil {
			return loadErr
		}
		if !coupon.Reconcilable() {
			if err := coupon.CheckIssuable(s.now()); err != nil {
				return err
			}
			return model.ErrOutOfStock
		}
		s.log.Warn("库存计数器缺失，按持久层重建", "code", code, "remain_stock", coupon.RemainStock)
		if _, _, err := s.ledger.Reconcile(ctx, code, coupon.RemainStock); err != nil {
			return err
		}
		ok, err = s.ledger.DecrementIfPositive(ctx, code)
	}
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrOutOfStock
	}
	return nil
}

// compensate 回滚一次扣减；持久层已无库存时直接以持久层为准
func (s *IssuanceService) compensate(ctx context.Context, code string, totalStock int, resync bool) {
	if resync {
		s.resync(ctx, code)
		return
	}

	clamped, err := s.ledger.Increment(ctx, code, totalStock)
	if errors.Is(err, model.ErrCounterMissing) {
		s.log.Info("计数器已删除，跳过补偿", "code", code)
		return
	}
	if err != nil {
		s.log.Error("补偿回滚库存失败，等待对账修复", "code", code, "error", err)
		return
	}
	s.metrics.IncCompensation(clamped)
	if clamped {
		s.log.Warn("补偿回滚超过总库存被截断，立即对账", "code", code, "total_stock", totalStock)
		s.resync(ctx, code)
	}
}

// resync 在持锁期间把计数器改写为持久层剩余库存
func (s *IssuanceService) resync(ctx context.Context, code string) {
	coupon, err := s.store.GetCoupon(ctx, code)
	if err != nil {
		s.log.Error("对账读取优惠券失败", "code", code, "error", err)
		return
	}
	if coupon.Deleted {
		if err := s.ledger.Delete(ctx, code); err != nil {
			s.log.Error("删除已删除券的计数器失败", "code", code, "error", err)
		}
		return
	}
	prev, changed, err := s.ledger.Reconcile(ctx, code, coupon.RemainStock)
	if err != nil {
		s.log.Error("对账改写库存计数器失败", "code", code, "error", err)
		return
	}
	s.metrics.IncReconcile(changed)
	if changed {
		s.log.Warn("库存计数器已按持久层修正", "code", code, "cache", prev, "durable", coupon.RemainStock)
	}
}

func (s *IssuanceService) finish(ctx context.Context, code string, userID int64, requestIP string,
	requestTime, started time.Time, res *IssueResult, err error) {
	entry := model.AuditEntry{
		CouponCode:  code,
		UserID:      userID,
		RequestIP:   requestIP,
		RequestTime: requestTime,
		Result:      model.AuditSuccess,
	}
	outcome := "success"
	switch {
	case res == nil:
		entry.Result = model.AuditFail
		entry.FailReason = "internal error"
		outcome = string(model.ReasonInternal)
	case !res.Success:
		entry.Result = model.AuditFail
		entry.FailReason = truncateReason(res.Reason.Error())
		outcome = string(model.ReasonOf(res.Reason))
	}

	cleanupCtx := context.WithoutCancel(ctx)
	if auditErr := s.store.AppendAudit(cleanupCtx, entry); auditErr != nil {
		s.log.Error("写入审计记录失败", "code", code, "user_id", userID, "error", auditErr)
	}
	s.metrics.ObserveIssue(outcome, time.Since(started))

	switch {
	case err != nil:
		s.log.Error("发券失败", "code", code, "user_id", userID, "error", err)
	case res != nil && res.Success:
		s.log.Debug("发券成功", "code", code, "user_id", userID, "issue_code", res.IssueCode)
		s.publish(cleanupCtx, &model.CouponEvent{
			Type:       model.EventIssued,
			CouponCode: code,
			UserID:     userID,
			IssueCode:  res.IssueCode,
			OccurredAt: requestTime,
		})
	case res != nil:
		s.log.Debug("发券未成功", "code", code, "user_id", userID, "reason", outcome)
	}
}

func truncateReason(reason string) string {
	if utf8.RuneCountInString(reason) <= maxFailReasonLength {
		return reason
	}
	return string([]rune(reason)[:maxFailReasonLength])
}

// Use 核销用户持有的券，不加分布式锁，由持久层条件更新保证只成功一次
func (s *IssuanceService) Use(ctx context.Context, userID int64, issueCode string) (*UseResult, error) {
	record, history, err := s.store.CommitUse(ctx, userID, issueCode, s.now())
	if err != nil {
		s.metrics.ObserveUse(string(model.ReasonOf(err)))
		if !model.IsExpected(err) {
			s.log.Error("用券失败", "user_id", userID, "issue_code", issueCode, "error", err)
		}
		return nil, err
	}
	s.metrics.ObserveUse("success")

	s.publish(ctx, &model.CouponEvent{
		Type:       model.EventUsed,
		CouponCode: record.CouponCode,
		UserID:     userID,
		IssueCode:  issueCode,
		OccurredAt: history.UsedAt,
	})
	return &UseResult{
		Success:       true,
		IssueCode:     issueCode,
		DiscountType:  history.DiscountType,
		DiscountValue: history.DiscountValue,
		UsedAt:        history.UsedAt,
	}, nil
}

func (s *IssuanceService) publish(ctx context.Context, event *model.CouponEvent) {
	if err := s.publisher.PublishCouponEvent(ctx, event); err != nil {
		s.log.Warn("发布优惠券事件失败", "type", event.Type, "code", event.CouponCode, "error", err)
	}
}

// OnCouponCreated 新券写入缓存计数器
func (s *IssuanceService) OnCouponCreated(ctx context.Context, code string, totalStock int) error {
	if err := s.ledger.Initialize(ctx, code, totalStock); err != nil {
		return err
	}
	s.log.Info("库存计数器已初始化", "code", code, "total_stock", totalStock)
	return nil
}

// OnCouponDeleted 删除缓存计数器，之后的发券请求直接判定不可用
func (s *IssuanceService) OnCouponDeleted(ctx context.Context, code string) error {
	if err := s.ledger.Delete(ctx, code); err != nil {
		return err
	}
	s.log.Info("库存计数器已删除", "code", code)
	return nil
}

// OnCouponDisabled 停用不改缓存，发券时由 CheckIssuable 拦截
func (s *IssuanceService) OnCouponDisabled(_ context.Context, code string) error {
	s.log.Info("优惠券已停用", "code", code)
	return nil
}
