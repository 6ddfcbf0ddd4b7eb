package infrastructure

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fulfillment/internal/service/order/domain"
)

// GormOrderRepository 是 domain.OrderRepository 的 GORM 实现，用于订单归档
type GormOrderRepository struct {
	db *gorm.DB
}

var _ domain.OrderRepository = (*GormOrderRepository)(nil)

// NewGormOrderRepository 创建一个新的 GORM 仓储实例
func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// AutoMigrate 建表或补齐缺失的列
func (r *GormOrderRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&OrderModel{})
}

// newerSeqWins 是 upsert 的更新列表。MySQL 按顺序求值，seq 必须放在最后
var newerSeqWins = func() clause.Set {
	cols := []string{"phase", "message", "progress", "error_detail", "result", "updated_at"}
	set := make(clause.Set, 0, len(cols)+1)
	for _, c := range cols {
		set = append(set, clause.Assignment{
			Column: clause.Column{Name: c},
			Value:  gorm.Expr("IF(VALUES(seq) > seq, VALUES(" + c + "), " + c + ")"),
		})
	}
	return append(set, clause.Assignment{Column: clause.Column{Name: "seq"}, Value: gorm.Expr("GREATEST(VALUES(seq), seq)")})
}()

// Save 按主键 upsert，已有记录只在新快照的 seq 更大时被覆盖
func (r *GormOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	model, err := FromDomainOrder(order)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: newerSeqWins,
	}).Create(model).Error
}

// FindByID 使用 GORM 从数据库中查找订单
func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	// 使用 Mapper 将数据库模型转换为领域模型
	return ToDomainOrder(&model)
}
