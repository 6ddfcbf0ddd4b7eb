package application

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/notification"
	"fulfillment/internal/service/order/domain"
)

// SnapshotProjector 订阅事件流，把订单的最新快照写入进程外存储:
// 每个事件都写 live 仓储，终态事件额外写 archive 仓储。
// 它只是注册表的投影，写失败不影响订单本身。
type SnapshotProjector struct {
	sub      *notification.Subscription
	registry *domain.Registry
	live     domain.OrderRepository
	archive  domain.OrderRepository
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewSnapshotProjector live 和 archive 都可以为 nil。
func NewSnapshotProjector(hub *notification.Hub, registry *domain.Registry, live, archive domain.OrderRepository) *SnapshotProjector {
	return &SnapshotProjector{
		sub:      hub.Subscribe(4096, ""),
		registry: registry,
		live:     live,
		archive:  archive,
		timeout:  3 * time.Second,
	}
}

// Start 开始消费事件。这是一个长期运行的方法。
func (p *SnapshotProjector) Start(ctx context.Context) error {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logger.Ctx(ctx).Info().Msg("✅ Snapshot projector started.")
		for {
			ev, err := p.sub.Recv(ctx)
			if err != nil {
				logger.Ctx(ctx).Info().Err(err).Msg("🛑 Snapshot projector shutting down.")
				return
			}
			if err := p.project(ctx, ev); err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("order_id", ev.OrderID).Msg("ERROR: snapshot projection failed")
			}
		}
	}()
	return nil
}

// Stop 退订并等待后台协程退出。
func (p *SnapshotProjector) Stop(ctx context.Context) {
	p.sub.Close()
	p.wg.Wait()
	logger.Ctx(ctx).Info().Msg("✅ Snapshot projector stopped.")
}

func (p *SnapshotProjector) project(ctx context.Context, ev domain.Event) error {
	order, err := p.registry.Get(ev.OrderID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if p.live != nil {
		if err := p.live.Save(ctx, &order); err != nil {
			return errors.Wrap(err, "save live snapshot")
		}
	}
	if p.archive != nil && ev.IsTerminal() {
		if err := p.archive.Save(ctx, &order); err != nil {
			return errors.Wrap(err, "archive terminal order")
		}
	}
	return nil
}
