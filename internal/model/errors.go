package model

import (
	"errors"
	"fmt"
)

// 错误类别。业务层用 errors.Is 判断类别，具体错误通过 %w 包裹类别
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("coupon already exists")
	ErrDuplicateIssuance  = errors.New("coupon already issued to user")
	ErrOutOfStock         = errors.New("out of stock")
	ErrLockBusy           = errors.New("system busy, please retry")
	ErrNotAvailable       = errors.New("coupon not available")
	ErrAlreadyUsed        = errors.New("coupon already used")
	ErrCacheUnavailable   = errors.New("cache unavailable")
	ErrIssueCodeCollision = errors.New("issue code collision")
	ErrInvalidCoupon      = errors.New("invalid coupon definition")
)

var (
	ErrCouponNotFound   = fmt.Errorf("coupon %w", ErrNotFound)
	ErrIssuanceNotFound = fmt.Errorf("issuance %w", ErrNotFound)

	ErrCouponDeleted   = fmt.Errorf("%w: deleted", ErrNotAvailable)
	ErrCouponDisabled  = fmt.Errorf("%w: disabled", ErrNotAvailable)
	ErrCouponExpired   = fmt.Errorf("%w: expired", ErrNotAvailable)
	ErrIssueNotStarted = fmt.Errorf("%w: issue period not started", ErrNotAvailable)
	ErrUsageExhausted  = fmt.Errorf("%w: usage limit reached", ErrNotAvailable)

	// ErrCounterMissing 缓存中没有该券的库存计数器，需要从持久层补建
	ErrCounterMissing = errors.New("stock counter missing")
)

// Reason 失败原因标签，用于审计和指标
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNotFound          Reason = "not_found"
	ReasonAlreadyExists     Reason = "already_exists"
	ReasonDuplicate         Reason = "duplicate_issuance"
	ReasonOutOfStock        Reason = "out_of_stock"
	ReasonLockBusy          Reason = "lock_busy"
	ReasonNotAvailable      Reason = "not_available"
	ReasonAlreadyUsed       Reason = "already_used"
	ReasonCacheUnavailable  Reason = "cache_unavailable"
	ReasonIssueCodeConflict Reason = "issue_code_collision"
	ReasonInvalid           Reason = "invalid"
	ReasonInternal          Reason = "internal"
)

// ReasonOf 把错误归类为原因标签，nil 返回 ReasonNone
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrAlreadyExists):
		return ReasonAlreadyExists
	case errors.Is(err, ErrDuplicateIssuance):
		return ReasonDuplicate
	case errors.Is(err, ErrOutOfStock):
		return ReasonOutOfStock
	case errors.Is(err, ErrLockBusy):
		return ReasonLockBusy
	case errors.Is(err, ErrNotAvailable):
		return ReasonNotAvailable
	case errors.Is(err, ErrAlreadyUsed):
		return ReasonAlreadyUsed
	case errors.Is(err, ErrCacheUnavailable):
		return ReasonCacheUnavailable
	case errors.Is(err, ErrIssueCodeCollision):
		return ReasonIssueCodeConflict
	case errors.Is(err, ErrInvalidCoupon):
		return ReasonInvalid
	default:
		return ReasonInternal
	}
}

// IsExpected 判断是否为并发竞争下的正常失败结果，而不是基础设施故障
func IsExpected(err error) bool {
	switch ReasonOf(err) {
	case ReasonCacheUnavailable, ReasonInternal:
		return false
	default:
		return true
	}
}
