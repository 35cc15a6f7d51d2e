package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/clause"

	"github.com/Byuntil/coupon-system/config"
	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/model"
)

// CouponStore 优惠券的持久化存储，读写主库，状态查询走从库
type CouponStore struct {
	masterDB *gorm.DB
	slaveDB  *gorm.DB
}

// normalizeDSN 强制 parseTime 和 UTC，时间字段才能按 time.Time 读写
func normalizeDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("解析MySQL DSN失败: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql", "":
		normalized, err := normalizeDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(normalized)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", driver)
	}

	return gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	})
}

// NewCouponStore 连接主从库，从库不可用时退回主库
func NewCouponStore(ctx context.Context, cfg config.MySQLConfig, log *logger.Logger) (*CouponStore, error) {
	masterDB, err := openGorm(cfg.Driver, cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}
	if err := configurePool(ctx, masterDB, cfg); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" && cfg.Slave != cfg.Master {
		slave, err := openGorm(cfg.Driver, cfg.Slave)
		if err == nil {
			err = configurePool(ctx, slave, cfg)
		}
		if err != nil {
			log.Warn("从数据库不可用，将使用主数据库代替", "error", err)
		} else {
			slaveDB = slave
		}
	}

	store := NewCouponStoreFromDB(masterDB, slaveDB)
	if cfg.AutoMigrate {
		if err := store.AutoMigrate(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// NewCouponStoreFromDB slave 为 nil 时读写都走 master
func NewCouponStoreFromDB(master, slave *gorm.DB) *CouponStore {
	if slave == nil {
		slave = master
	}
	return &CouponStore{masterDB: master, slaveDB: slave}
}

func configurePool(ctx context.Context, db *gorm.DB, cfg config.MySQLConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return sqlDB.PingContext(ctx)
}

func (s *CouponStore) AutoMigrate(ctx context.Context) error {
	if err := s.masterDB.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("数据表迁移失败: %w", err)
	}
	return nil
}

// Close 关闭主从连接
func (s *CouponStore) Close() error {
	master, err := s.masterDB.DB()
	if err != nil {
		return err
	}
	if s.slaveDB != s.masterDB {
		if slave, err := s.slaveDB.DB(); err == nil {
			_ = slave.Close()
		}
	}
	return master.Close()
}

func forUpdate() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}

// CreateCoupon 编码重复返回 ErrAlreadyExists
func (s *CouponStore) CreateCoupon(ctx context.Context, c model.CouponDefinition) (model.CouponDefinition, error) {
	po := couponToPO(c)
	po.ID = 0
	if err := s.masterDB.WithContext(ctx).Create(&po).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return c, model.ErrAlreadyExists
		}
		return c, fmt.Errorf("创建优惠券失败: %w", err)
	}
	return couponFromPO(po), nil
}

// GetCoupon 从主库读取，发券路径必须读到最新状态
func (s *CouponStore) GetCoupon(ctx context.Context, code string) (model.CouponDefinition, error) {
	return getCoupon(s.masterDB.WithContext(ctx), code)
}

// GetCouponSnapshot 从从库读取，可能有复制延迟，只用于展示
func (s *CouponStore) GetCouponSnapshot(ctx context.Context, code string) (model.CouponDefinition, error) {
	return getCoupon(s.slaveDB.WithContext(ctx), code)
}

func getCoupon(db *gorm.DB, code string) (model.CouponDefinition, error) {
	var po CouponPO
	if err := db.Where("code = ?", code).First(&po).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.CouponDefinition{}, model.ErrCouponNotFound
		}
		return model.CouponDefinition{}, fmt.Errorf("查询优惠券 %s 失败: %w", code, err)
	}
	return couponFromPO(po), nil
}

// UpdateCoupon 在事务内锁定优惠券行并应用状态转换
func (s *CouponStore) UpdateCoupon(ctx context.Context, code string,
	transition func(model.CouponDefinition) (model.CouponDefinition, error)) (model.CouponDefinition, error) {
	var updated model.CouponDefinition
	err := s.masterDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var po CouponPO
		if err := tx.Clauses(forUpdate()).Where("code = ?", code).First(&po).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrCouponNotFound
			}
			return fmt.Errorf("锁定优惠券失败: %w", err)
		}

		current := couponFromPO(po)
		next, err := transition(current)
		if err != nil {
			return err
		}
		if current.Deleted && !next.Deleted {
			return fmt.Errorf("%w: 删除状态不可恢复", model.ErrNotAvailable)
		}

		if err := tx.Model(&CouponPO{}).Where("id = ?", po.ID).Updates(couponColumns(next)).Error; err != nil {
			return fmt.Errorf("更新优惠券失败: %w", err)
		}
		updated = next
		return nil
	})
	return updated, err
}

// ListReconcilable 未删除且处于 ACTIVE/EXHAUSTED 的优惠券
func (s *CouponStore) ListReconcilable(ctx context.Context) ([]model.CouponDefinition, error) {
	var pos []CouponPO
	err := s.masterDB.WithContext(ctx).
		Where("deleted = ? AND status IN ?", false,
			[]string{string(model.CouponActive), string(model.CouponExhausted)}).
		Order("id").
		Find(&pos).Error
	if err != nil {
		return nil, fmt.Errorf("查询待对账优惠券失败: %w", err)
	}

	coupons := make([]model.CouponDefinition, 0, len(pos))
	for _, po := range pos {
		coupons = append(coupons, couponFromPO(po))
	}
	return coupons, nil
}

// HasIssuance 用户是否已领取过该券
func (s *CouponStore) HasIssuance(ctx context.Context, couponCode string, userID int64) (bool, error) {
	var count int64
	err := s.masterDB.WithContext(ctx).Model(&IssuancePO{}).
		Where("coupon_code = ? AND user_id = ?", couponCode, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询发放记录失败: %w", err)
	}
	return count > 0, nil
}

func (s *CouponStore) GetIssuance(ctx context.Context, issueCode string) (model.IssuanceRecord, error) {
	var po IssuancePO
	if err := s.masterDB.WithContext(ctx).Where("issue_code = ?", issueCode).First(&po).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.IssuanceRecord{}, model.ErrIssuanceNotFound
		}
		return model.IssuanceRecord{}, fmt.Errorf("查询发放记录失败: %w", err)
	}
	return issuanceFromPO(po), nil
}

// CommitIssuance 在一个事务内扣减持久库存并写入发放记录
// 唯一约束冲突时区分为重复领取或券码碰撞
func (s *CouponStore) CommitIssuance(ctx context.Context, couponCode string, userID int64, issueCode string,
	now time.Time) (model.IssuanceRecord, model.CouponDefinition, error) {
	var (
		record model.IssuanceRecord
		coupon model.CouponDefinition
	)

	err := s.masterDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var po CouponPO
		if err := tx.Clauses(forUpdate()).Where("code = ?", couponCode).First(&po).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrCouponNotFound
			}
			return fmt.Errorf("锁定优惠券失败: %w", err)
		}

		next, err := couponFromPO(po).Issue(now)
		if err != nil {
			return err
		}

		res := tx.Model(&CouponPO{}).
			Where("id = ? AND remain_stock > 0", po.ID).
			Updates(map[string]interface{}{
				"remain_stock": next.RemainStock,
				"status":       string(next.Status),
			})
		if res.Error != nil {
			return fmt.Errorf("扣减库存失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return model.ErrOutOfStock
		}

		rec := model.NewIssuanceRecord(couponCode, userID, issueCode, now)
		ipo := IssuancePO{
			IssueCode:  rec.IssueCode,
			CouponCode: rec.CouponCode,
			UserID:     rec.UserID,
			IssuedAt:   rec.IssuedAt,
			Status:     string(rec.Status),
		}
		if err := tx.Create(&ipo).Error; err != nil {
			return err
		}

		record = issuanceFromPO(ipo)
		coupon = next
		return nil
	})
	if err == nil {
		return record, coupon, nil
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		exists, checkErr := s.HasIssuance(ctx, couponCode, userID)
		if checkErr != nil {
			return record, coupon, checkErr
		}
		if exists {
			return record, coupon, model.ErrDuplicateIssuance
		}
		return record, coupon, model.ErrIssueCodeCollision
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrNotAvailable) || errors.Is(err, model.ErrOutOfStock) {
		return record, coupon, err
	}
	return record, coupon, fmt.Errorf("提交发放事务失败: %w", err)
}

// CommitUse 在一个事务内核销券并写入使用记录
func (s *CouponStore) CommitUse(ctx context.Context, userID int64, issueCode string,
	now time.Time) (model.IssuanceRecord, model.UseHistory, error) {
	var (
		record  model.IssuanceRecord
		history model.UseHistory
	)

	err := s.masterDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ipo IssuancePO
		err := tx.Clauses(forUpdate()).
			Where("issue_code = ? AND user_id = ?", issueCode, userID).
			First(&ipo).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrIssuanceNotFound
			}
			return fmt.Errorf("查询发放记录失败: %w", err)
		}

		used, err := issuanceFromPO(ipo).Use(now)
		if err != nil {
			return err
		}

		var cpo CouponPO
		if err := tx.Clauses(forUpdate()).Where("code = ?", ipo.CouponCode).First(&cpo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrCouponNotFound
			}
			return fmt.Errorf("锁定优惠券失败: %w", err)
		}
		coupon := couponFromPO(cpo)
		if err := coupon.CheckUsable(now); err != nil {
			return err
		}
		if _, err := coupon.RecordUse(); err != nil {
			return err
		}

		// 条件更新保证同一张券并发核销只有一个成功
		res := tx.Model(&IssuancePO{}).
			Where("id = ? AND status = ?", ipo.ID, string(model.IssuanceIssued)).
			Updates(map[string]interface{}{
				"status":  string(used.Status),
				"used_at": *used.UsedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("更新发放记录失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return model.ErrAlreadyUsed
		}

		res = tx.Model(&CouponPO{}).
			Where("id = ? AND used_count < total_stock", cpo.ID).
			Update("used_count", gorm.Expr("used_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("更新使用次数失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return model.ErrUsageExhausted
		}

		hpo := UseHistoryPO{
			IssuanceID:    ipo.ID,
			UserID:        userID,
			DiscountType:  string(coupon.DiscountType),
			DiscountValue: coupon.DiscountValue,
			UsedAt:        *used.UsedAt,
		}
		if err := tx.Create(&hpo).Error; err != nil {
			return fmt.Errorf("写入使用记录失败: %w", err)
		}

		history = model.UseHistory{
			ID:            hpo.ID,
			IssuanceID:    hpo.IssuanceID,
			UserID:        hpo.UserID,
			DiscountType:  coupon.DiscountType,
			DiscountValue: hpo.DiscountValue,
			UsedAt:        hpo.UsedAt,
		}
		record = used
		return nil
	})
	return record, history, err
}

// AppendAudit 追加一条审计记录
func (s *CouponStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	po := auditToPO(entry)
	if err := s.masterDB.WithContext(ctx).Create(&po).Error; err != nil {
		return fmt.Errorf("写入审计记录失败: %w", err)
	}
	return nil
}

// ListAudits 按时间顺序列出某券的审计记录
func (s *CouponStore) ListAudits(ctx context.Context, couponCode string) ([]model.AuditEntry, error) {
	var pos []AuditPO
	if err := s.slaveDB.WithContext(ctx).Where("coupon_code = ?", couponCode).Order("id").Find(&pos).Error; err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}
	entries := make([]model.AuditEntry, 0, len(pos))
	for _, po := range pos {
		entries = append(entries, auditFromPO(po))
	}
	return entries, nil
}
