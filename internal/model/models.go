package model

import (
	"fmt"
	"time"
)

// DiscountType 折扣类型
type DiscountType string

const (
	DiscountFixed   DiscountType = "FIXED"   // 定额
	DiscountPercent DiscountType = "PERCENT" // 定率
)

// CouponStatus 优惠券状态
type CouponStatus string

const (
	CouponActive    CouponStatus = "ACTIVE"
	CouponExhausted CouponStatus = "EXHAUSTED"
	CouponDisabled  CouponStatus = "DISABLED"
	CouponExpired   CouponStatus = "EXPIRED"
)

// IssuanceStatus 已发放券实例的状态
type IssuanceStatus string

const (
	IssuanceIssued  IssuanceStatus = "ISSUED"
	IssuanceUsed    IssuanceStatus = "USED"
	IssuanceExpired IssuanceStatus = "EXPIRED"
)

// AuditResult 发券审计结果
type AuditResult string

const (
	AuditSuccess AuditResult = "SUCCESS"
	AuditFail    AuditResult = "FAIL"
)

// CouponDraft 创建或修改优惠券时的输入
type CouponDraft struct {
	Code          string       `json:"code"`
	Name          string       `json:"name"`
	DiscountType  DiscountType `json:"discountType"`
	DiscountValue int          `json:"discountValue"`
	TotalStock    int          `json:"totalStock"`
	StartTime     time.Time    `json:"startTime"`
	EndTime       time.Time    `json:"endTime"`
	ExpireTime    time.Time    `json:"expireTime"`
}

// Validate 校验基本字段
func (d CouponDraft) Validate() error {
	if d.Code == "" {
		return fmt.Errorf("%w: 优惠券编码不能为空", ErrInvalidCoupon)
	}
	if d.TotalStock <= 0 {
		return fmt.Errorf("%w: 总库存必须大于0", ErrInvalidCoupon)
	}
	if d.DiscountValue <= 0 {
		return fmt.Errorf("%w: 折扣值必须大于0", ErrInvalidCoupon)
	}
	switch d.DiscountType {
	case DiscountFixed:
	case DiscountPercent:
		if d.DiscountValue > 100 {
			return fmt.Errorf("%w: 折扣率不能超过100", ErrInvalidCoupon)
		}
	default:
		return fmt.Errorf("%w: 未知的折扣类型 %q", ErrInvalidCoupon, d.DiscountType)
	}
	if d.EndTime.Before(d.StartTime) || d.ExpireTime.Before(d.EndTime) {
		return fmt.Errorf("%w: 时间区间无效，需要 start <= end <= expire", ErrInvalidCoupon)
	}
	return nil
}

// CouponDefinition 优惠券定义的不可变快照，库存以它为准
type CouponDefinition struct {
	ID            int64        `json:"id"`
	Code          string       `json:"code"`
	Name          string       `json:"name"`
	DiscountType  DiscountType `json:"discountType"`
	DiscountValue int          `json:"discountValue"`
	TotalStock    int          `json:"totalStock"`
	RemainStock   int          `json:"remainStock"`
	UsedCount     int          `json:"usedCount"`
	StartTime     time.Time    `json:"startTime"`
	EndTime       time.Time    `json:"endTime"`
	ExpireTime    time.Time    `json:"expireTime"`
	Status        CouponStatus `json:"status"`
	Deleted       bool         `json:"deleted"`
}

// NewCouponDefinition 由草稿创建新优惠券，剩余库存等于总库存
func NewCouponDefinition(d CouponDraft) (CouponDefinition, error) {
	if err := d.Validate(); err != nil {
		return CouponDefinition{}, err
	}
	return CouponDefinition{
		Code:          d.Code,
		Name:          d.Name,
		DiscountType:  d.DiscountType,
		DiscountValue: d.DiscountValue,
		TotalStock:    d.TotalStock,
		RemainStock:   d.TotalStock,
		StartTime:     Truncate(d.StartTime),
		EndTime:       Truncate(d.EndTime),
		ExpireTime:    Truncate(d.ExpireTime),
		Status:        CouponActive,
	}, nil
}

// CheckIssuable 校验当前时刻能否发券，不检查库存
func (c CouponDefinition) CheckIssuable(now time.Time) error {
	if c.Deleted {
		return ErrCouponDeleted
	}
	switch c.Status {
	case CouponDisabled:
		return ErrCouponDisabled
	case CouponExpired:
		return ErrCouponExpired
	}
	if now.Before(c.StartTime) {
		return ErrIssueNotStarted
	}
	if now.After(c.ExpireTime) {
		return ErrCouponExpired
	}
	return nil
}

// Issue 发出一张券后的下一个状态，库存归零时置为 EXHAUSTED
func (c CouponDefinition) Issue(now time.Time) (CouponDefinition, error) {
	if err := c.CheckIssuable(now); err != nil {
		return c, err
	}
	if c.RemainStock <= 0 {
		return c, ErrOutOfStock
	}
	next := c
	next.RemainStock--
	if next.RemainStock == 0 {
		next.Status = CouponExhausted
	}
	return next, nil
}

// CheckUsable EXHAUSTED 的券不能再发，但已发出的仍可使用
func (c CouponDefinition) CheckUsable(now time.Time) error {
	if c.Deleted {
		return ErrCouponDeleted
	}
	if now.After(c.ExpireTime) {
		return ErrCouponExpired
	}
	if c.UsedCount >= c.TotalStock {
		return ErrUsageExhausted
	}
	switch c.Status {
	case CouponActive, CouponExhausted:
		return nil
	case CouponDisabled:
		return ErrCouponDisabled
	default:
		return ErrCouponExpired
	}
}

func (c CouponDefinition) RecordUse() (CouponDefinition, error) {
	if c.UsedCount >= c.TotalStock {
		return c, ErrUsageExhausted
	}
	next := c
	next.UsedCount++
	return next, nil
}

// MarkDeleted 删除是单向的
func (c CouponDefinition) MarkDeleted() CouponDefinition {
	next := c
	next.Deleted = true
	next.Status = CouponExpired
	return next
}

func (c CouponDefinition) Disable() CouponDefinition {
	next := c
	if !next.Deleted {
		next.Status = CouponDisabled
	}
	return next
}

// Reconcilable 启动对账覆盖的券: 未删除且仍处于 ACTIVE/EXHAUSTED
func (c CouponDefinition) Reconcilable() bool {
	return !c.Deleted && (c.Status == CouponActive || c.Status == CouponExhausted)
}

// IssueRate 已发放比例(%)，保留两位小数
func (c CouponDefinition) IssueRate() float64 {
	if c.TotalStock == 0 {
		return 0
	}
	rate := float64(c.TotalStock-c.RemainStock) / float64(c.TotalStock) * 100
	return float64(int64(rate*100+0.5)) / 100
}

// IssuanceRecord 用户持有的券实例，通过 CouponCode 关联优惠券
type IssuanceRecord struct {
	ID         int64          `json:"id"`
	IssueCode  string         `json:"issueCode"`
	CouponCode string         `json:"couponCode"`
	UserID     int64          `json:"userId"`
	IssuedAt   time.Time      `json:"issuedAt"`
	UsedAt     *time.Time     `json:"usedAt,omitempty"`
	Status     IssuanceStatus `json:"status"`
}

func NewIssuanceRecord(couponCode string, userID int64, issueCode string, now time.Time) IssuanceRecord {
	return IssuanceRecord{
		IssueCode:  issueCode,
		CouponCode: couponCode,
		UserID:     userID,
		IssuedAt:   Truncate(now),
		Status:     IssuanceIssued,
	}
}

// Use ISSUED -> USED，只允许一次
func (r IssuanceRecord) Use(now time.Time) (IssuanceRecord, error) {
	if r.Status != IssuanceIssued {
		if r.Status == IssuanceUsed {
			return r, ErrAlreadyUsed
		}
		return r, ErrCouponExpired
	}
	usedAt := Truncate(now)
	next := r
	next.Status = IssuanceUsed
	next.UsedAt = &usedAt
	return next, nil
}

// AuditEntry 发券尝试的审计记录，只追加不修改
type AuditEntry struct {
	ID          int64       `json:"id"`
	CouponCode  string      `json:"couponCode"`
	UserID      int64       `json:"userId"`
	RequestIP   string      `json:"requestIp"`
	RequestTime time.Time   `json:"requestTime"`
	Result      AuditResult `json:"result"`
	FailReason  string      `json:"failReason,omitempty"`
}

// UseHistory 使用记录，快照折扣信息
type UseHistory struct {
	ID            int64        `json:"id"`
	IssuanceID    int64        `json:"issuanceId"`
	UserID        int64        `json:"userId"`
	DiscountType  DiscountType `json:"discountType"`
	DiscountValue int          `json:"discountValue"`
	UsedAt        time.Time    `json:"usedAt"`
}

// Truncate 持久化时间精确到秒
func Truncate(t time.Time) time.Time {
	return t.Truncate(time.Second)
}
