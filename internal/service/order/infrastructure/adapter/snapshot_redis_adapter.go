package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"fulfillment/internal/pkg/redis"
	"fulfillment/internal/service/order/domain"
)

// saveSnapshotScript 只有 seq 更大时才覆盖快照，乱序到达的旧快照被忽略。
// KEYS[1] 快照 key; ARGV[1] seq; ARGV[2] 订单 json; ARGV[3] 过期毫秒数，0 表示不过期
var saveSnapshotScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// SnapshotRedisAdapter 是 domain.OrderRepository 的 Redis 实现，保存订单的最新快照，
// 供其他网关实例和重启后的查询使用。
type SnapshotRedisAdapter struct {
	redisClient *redis.Client
	ttl         time.Duration
}

var _ domain.OrderRepository = (*SnapshotRedisAdapter)(nil)

// NewSnapshotRedisAdapter 创建快照仓储，ttl 为 0 时快照不过期
func NewSnapshotRedisAdapter(redisClient *redis.Client, ttl time.Duration) *SnapshotRedisAdapter {
	return &SnapshotRedisAdapter{redisClient: redisClient, ttl: ttl}
}

func snapshotKey(id string) string {
	return fmt.Sprintf("fulfillment:order:{%s}", id)
}

// Save 写入快照，seq 不大于已有快照时不做任何事
func (a *SnapshotRedisAdapter) Save(ctx context.Context, order *domain.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return errors.Wrap(err, "marshal order snapshot")
	}
	_, err = a.redisClient.RunScript(ctx, saveSnapshotScript,
		[]string{snapshotKey(order.ID)}, order.Seq, data, a.ttl.Milliseconds())
	if err != nil {
		return errors.Wrapf(err, "save snapshot of order %s", order.ID)
	}
	return nil
}

func (a *SnapshotRedisAdapter) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	data, err := a.redisClient.GetClient().HGet(ctx, snapshotKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrapf(err, "load snapshot of order %s", id)
	}
	var order domain.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot of order %s", id)
	}
	return &order, nil
}
