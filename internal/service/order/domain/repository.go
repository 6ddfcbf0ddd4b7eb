// internal/service/order/domain/repository.go
package domain

import "context"

// OrderRepository 定义了订单快照的持久化接口。
// 它位于领域层，但由基础设施层实现 (redis 快照、mysql 归档)。
// 注册表才是运行期的唯一数据源，仓储只用于进程外查询和重启后的追溯。
type OrderRepository interface {
	// Save 保存一个订单快照（用于创建或更新）。
	Save(ctx context.Context, order *Order) error

	// FindByID 根据 ID 查找一个订单快照，不存在时返回 ErrNotFound。
	FindByID(ctx context.Context, id string) (*Order, error)
}
