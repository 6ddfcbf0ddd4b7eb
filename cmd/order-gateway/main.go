// cmd/order-gateway/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/pkg/redis"
	"fulfillment/internal/service/notification"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/application/gate"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
	"fulfillment/internal/service/order/infrastructure"
	"fulfillment/internal/service/order/infrastructure/adapter"
	"fulfillment/internal/service/order/interfaces"
)

const serviceName = "order-gateway"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	flags := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	configPath := flags.String("config", "config/config.yaml", "path to the YAML config file")
	addr := flags.String("addr", "", "listen address, overrides gateway.addr")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := bootstrap.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Gateway.Addr = *addr
	}
	logger.Init(serviceName, cfg.Log.Level, cfg.Log.Pretty)

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		Addr:             cfg.Gateway.Addr,
		Config:           cfg,
		Register:         true,
		RegisterHandlers: assemble,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("order gateway exited")
	}
}

// assemble 组装网关的所有组件
func assemble(appCtx *bootstrap.AppCtx) error {
	cfg := appCtx.Config
	tracer := otel.Tracer(serviceName)
	ctx := context.Background()

	plan, err := cfg.PhasePlan()
	if err != nil {
		return err
	}

	// 1. 事件出口: 进程内广播，可选地镜像到 Kafka
	hub := notification.NewHub()
	appCtx.OnShutdown(func(context.Context) error { hub.Close(); return nil })
	publishers := port.Publishers{hub}
	if cfg.Kafka.Enabled() {
		producer := adapter.NewNotificationKafkaAdapter(mq.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, true))
		appCtx.OnShutdown(func(context.Context) error { return producer.Close() })
		publishers = append(publishers, producer)
	}

	// 2. 状态机和确认门
	machine := domain.NewStateMachine(domain.NewRegistry(), plan, cfg.Orders.Variants, publishers)
	confirmationGate := gate.NewConfirmationGate(nil, cfg.Gate.Debounce, cfg.Gate.Settle)

	// 3. worker 控制通道
	var resolver adapter.EndpointResolver
	switch {
	case cfg.Executor.URL != "":
		resolver = adapter.StaticEndpoint(cfg.Executor.URL)
	case appCtx.Nacos != nil:
		resolver = adapter.NacosEndpoint{Client: appCtx.Nacos, Service: cfg.Executor.Service}
	default:
		return errors.New("executor.url is empty and nacos is not configured")
	}
	executor, err := adapter.NewExecutorWSAdapter(resolver, adapter.ExecutorWSConfig{
		Codec:        cfg.Executor.Codec,
		ReplyTimeout: cfg.Executor.ReplyTimeout,
		PingPeriod:   cfg.Executor.PingPeriod,
		PongWait:     cfg.Executor.PongWait,
	}, tracer)
	if err != nil {
		return err
	}
	appCtx.OnShutdown(func(context.Context) error { return executor.Close() })

	orchestrator := application.NewOrchestrator(machine, executor, confirmationGate, tracer, nil, application.OrchestratorConfig{
		QueueSize:   cfg.Orders.QueueSize,
		GateTimeout: cfg.Gate.Timeout,
		StopTimeout: cfg.Executor.StopTimeout,
	})
	appCtx.Go(orchestrator.Run)

	// 4. 快照仓储
	var handlerOpts []interfaces.HandlerOption
	var live, archive domain.OrderRepository
	var snapshots []domain.OrderRepository
	if cfg.Redis.Enabled() {
		redisClient, err := redis.NewClient(cfg.Redis.Addrs, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		appCtx.OnShutdown(func(context.Context) error { return redisClient.Close() })
		live = adapter.NewSnapshotRedisAdapter(redisClient, cfg.Redis.SnapshotTTL)
		snapshots = append(snapshots, live)
		handlerOpts = append(handlerOpts, interfaces.WithReadyCheck("redis", func(ctx context.Context) error {
			return redisClient.GetClient().Ping(ctx).Err()
		}))
	}
	if cfg.MySQL.Enabled() {
		db, err := infrastructure.OpenMySQL(ctx, cfg.MySQL.DSN)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		appCtx.OnShutdown(func(context.Context) error { return sqlDB.Close() })
		archive = infrastructure.NewGormOrderRepository(db)
		snapshots = append(snapshots, archive)
		handlerOpts = append(handlerOpts, interfaces.WithReadyCheck("mysql", sqlDB.PingContext))
	}
	if live != nil || archive != nil {
		// 投影器在运行循环退出之后才停止，关停时置为 ERROR 的订单也会被写入
		projector := application.NewSnapshotProjector(hub, machine.Registry(), live, archive)
		if err := projector.Start(ctx); err != nil {
			return err
		}
		appCtx.OnShutdown(func(ctx context.Context) error { projector.Stop(ctx); return nil })
	}

	// 5. 按钮信号入口
	if cfg.Kafka.Enabled() {
		reader := mq.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.PulsesTopic, cfg.Kafka.ConsumerGroup)
		consumer := infrastructure.NewConfirmationConsumerAdapter(reader, confirmationGate, nil, cfg.Kafka.PulseMaxAge)
		appCtx.Go(func(ctx context.Context) error {
			consumer.Start(ctx)
			<-ctx.Done()
			return nil
		})
		appCtx.OnShutdown(consumer.Stop)
	}

	// 6. HTTP
	svc := application.NewOrderApplicationService(machine, orchestrator, confirmationGate, hub, tracer, snapshots...)
	streams, closeStreams := context.WithCancel(ctx)
	appCtx.Go(func(ctx context.Context) error {
		<-ctx.Done()
		closeStreams()
		return nil
	})
	handlerOpts = append(handlerOpts,
		interfaces.WithPingInterval(cfg.Gateway.EventPingInterval),
		interfaces.WithStreamContext(streams),
	)
	interfaces.NewOrderHandler(svc, handlerOpts...).RegisterRoutes(appCtx.Mux)

	log.Info().
		Strs("variants", cfg.Orders.Variants).
		Int("phases", plan.Len()).
		Bool("kafka", cfg.Kafka.Enabled()).
		Bool("redis", cfg.Redis.Enabled()).
		Bool("mysql", cfg.MySQL.Enabled()).
		Msg("✅ Order gateway assembled.")
	return nil
}
