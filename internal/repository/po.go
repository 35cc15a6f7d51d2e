package repository

import (
	"time"

	"github.com/Byuntil/coupon-system/internal/model"
)

// CouponPO 优惠券定义表
type CouponPO struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	Code          string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	Name          string    `gorm:"type:varchar(128);not null"`
	DiscountType  string    `gorm:"type:varchar(16);not null"`
	DiscountValue int       `gorm:"not null"`
	TotalStock    int       `gorm:"not null"`
	RemainStock   int       `gorm:"not null"`
	UsedCount     int       `gorm:"not null;default:0"`
	StartTime     time.Time `gorm:"not null"`
	EndTime       time.Time `gorm:"not null"`
	ExpireTime    time.Time `gorm:"not null"`
	Status        string    `gorm:"type:varchar(16);index;not null"`
	Deleted       bool      `gorm:"not null;default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (CouponPO) TableName() string { return "coupons" }

// IssuancePO 已发放券实例，(coupon_code, user_id) 和 issue_code 都是唯一约束
type IssuancePO struct {
	ID         int64      `gorm:"primaryKey;autoIncrement"`
	IssueCode  string     `gorm:"type:varchar(32);uniqueIndex:idx_issue_code;not null"`
	CouponCode string     `gorm:"type:varchar(64);uniqueIndex:idx_coupon_user,priority:1;not null"`
	UserID     int64      `gorm:"uniqueIndex:idx_coupon_user,priority:2;not null"`
	IssuedAt   time.Time  `gorm:"not null"`
	UsedAt     *time.Time `gorm:"default:null"`
	Status     string     `gorm:"type:varchar(16);not null"`
}

func (IssuancePO) TableName() string { return "coupon_issues" }

// AuditPO 发券尝试审计表，只追加
type AuditPO struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	CouponCode  string    `gorm:"type:varchar(64);index;not null"`
	UserID      int64     `gorm:"not null"`
	RequestIP   string    `gorm:"type:varchar(64)"`
	RequestTime time.Time `gorm:"not null"`
	Result      string    `gorm:"type:varchar(8);not null"`
	FailReason  *string   `gorm:"type:varchar(255)"`
}

func (AuditPO) TableName() string { return "coupon_issue_histories" }

// UseHistoryPO 用券记录
type UseHistoryPO struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	IssuanceID    int64     `gorm:"index;not null"`
	UserID        int64     `gorm:"not null"`
	DiscountType  string    `gorm:"type:varchar(16);not null"`
	DiscountValue int       `gorm:"not null"`
	UsedAt        time.Time `gorm:"not null"`
}

func (UseHistoryPO) TableName() string { return "coupon_use_histories" }

// Models 需要迁移的表
func Models() []interface{} {
	return []interface{}{&CouponPO{}, &IssuancePO{}, &AuditPO{}, &UseHistoryPO{}}
}

func couponFromPO(po CouponPO) model.CouponDefinition {
	return model.CouponDefinition{
		ID:            po.ID,
		Code:          po.Code,
		Name:          po.Name,
		DiscountType:  model.DiscountType(po.DiscountType),
		DiscountValue: po.DiscountValue,
		TotalStock:    po.TotalStock,
		RemainStock:   po.RemainStock,
		UsedCount:     po.UsedCount,
		StartTime:     po.StartTime,
		EndTime:       po.EndTime,
		ExpireTime:    po.ExpireTime,
		Status:        model.CouponStatus(po.Status),
		Deleted:       po.Deleted,
	}
}

func couponToPO(c model.CouponDefinition) CouponPO {
	return CouponPO{
		ID:            c.ID,
		Code:          c.Code,
		Name:          c.Name,
		DiscountType:  string(c.DiscountType),
		DiscountValue: c.DiscountValue,
		TotalStock:    c.TotalStock,
		RemainStock:   c.RemainStock,
		UsedCount:     c.UsedCount,
		StartTime:     model.Truncate(c.StartTime),
		EndTime:       model.Truncate(c.EndTime),
		ExpireTime:    model.Truncate(c.ExpireTime),
		Status:        string(c.Status),
		Deleted:       c.Deleted,
	}
}

// couponColumns 可变字段，Updates 使用 map 才能写入零值
func couponColumns(c model.CouponDefinition) map[string]interface{} {
	return map[string]interface{}{
		"name":           c.Name,
		"discount_type":  string(c.DiscountType),
		"discount_value": c.DiscountValue,
		"total_stock":    c.TotalStock,
		"remain_stock":   c.RemainStock,
		"used_count":     c.UsedCount,
		"start_time":     model.Truncate(c.StartTime),
		"end_time":       model.Truncate(c.EndTime),
		"expire_time":    model.Truncate(c.ExpireTime),
		"status":         string(c.Status),
		"deleted":        c.Deleted,
	}
}

func issuanceFromPO(po IssuancePO) model.IssuanceRecord {
	return model.IssuanceRecord{
		ID:         po.ID,
		IssueCode:  po.IssueCode,
		CouponCode: po.CouponCode,
		UserID:     po.UserID,
		IssuedAt:   po.IssuedAt,
		UsedAt:     po.UsedAt,
		Status:     model.IssuanceStatus(po.Status),
	}
}

func auditToPO(e model.AuditEntry) AuditPO {
	po := AuditPO{
		CouponCode:  e.CouponCode,
		UserID:      e.UserID,
		RequestIP:   e.RequestIP,
		RequestTime: model.Truncate(e.RequestTime),
		Result:      string(e.Result),
	}
	if e.FailReason != "" {
		reason := e.FailReason
		po.FailReason = &reason
	}
	return po
}

func auditFromPO(po AuditPO) model.AuditEntry {
	e := model.AuditEntry{
		ID:          po.ID,
		CouponCode:  po.CouponCode,
		UserID:      po.UserID,
		RequestIP:   po.RequestIP,
		RequestTime: po.RequestTime,
		Result:      model.AuditResult(po.Result),
	}
	if po.FailReason != nil {
		e.FailReason = *po.FailReason
	}
	return e
}
