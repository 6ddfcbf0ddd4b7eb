package adapter

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/pkg/nacos"
	"fulfillment/internal/pkg/wire"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// EndpointResolver 给出 worker 控制通道的 websocket 地址
type EndpointResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticEndpoint 固定地址，例如 ws://robot:8090/control
type StaticEndpoint string

func (e StaticEndpoint) Resolve(context.Context) (string, error) {
	if e == "" {
		return "", errors.New("executor url is empty")
	}
	return string(e), nil
}

// InstanceDiscoverer 按服务名选一个健康实例，*nacos.Client 满足它
type InstanceDiscoverer interface {
	DiscoverServiceInstance(service string) (nacos.Instance, error)
}

// NacosEndpoint 每次建连前从 Nacos 选一个健康的 worker 实例。
// 实例元数据里的 path 覆盖默认的控制通道路径。
type NacosEndpoint struct {
	Client  InstanceDiscoverer
	Service string
}

func (e NacosEndpoint) Resolve(context.Context) (string, error) {
	inst, err := e.Client.DiscoverServiceInstance(e.Service)
	if err != nil {
		return "", err
	}
	path := wire.ControlPath
	if p := inst.Metadata["path"]; p != "" {
		path = p
	}
	u := url.URL{Scheme: "ws", Host: inst.Addr(), Path: path}
	return u.String(), nil
}

// ExecutorWSConfig 控制通道的时间参数
type ExecutorWSConfig struct {
	Codec        string
	DialTimeout  time.Duration
	WriteWait    time.Duration
	ReplyTimeout time.Duration
	PingPeriod   time.Duration
	PongWait     time.Duration
}

func (c *ExecutorWSConfig) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 30 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
}

// ExecutorWSAdapter 实现了 port.TaskExecutor、port.ConnectionMonitor 和 port.PhaseStopper。
// 连接在第一次下发指令时建立并绑定到该订单。连接断开后，同一订单的后续指令
// 直接返回 ErrConnection 而不重连，只有其它订单的指令才会重新建连。
type ExecutorWSAdapter struct {
	resolver EndpointResolver
	codec    wire.Codec
	cfg      ExecutorWSConfig
	dialer   *websocket.Dialer
	tracer   trace.Tracer

	// mu 保证同一时间只有一个未完成的指令
	mu     sync.Mutex
	nextID uint64

	connMu sync.RWMutex
	conn   *controlConn
}

var (
	_ port.TaskExecutor      = (*ExecutorWSAdapter)(nil)
	_ port.ConnectionMonitor = (*ExecutorWSAdapter)(nil)
	_ port.PhaseStopper      = (*ExecutorWSAdapter)(nil)
)

// NewExecutorWSAdapter 创建执行器适配器，不会立即建连
func NewExecutorWSAdapter(resolver EndpointResolver, cfg ExecutorWSConfig, tracer trace.Tracer) (*ExecutorWSAdapter, error) {
	cfg.withDefaults()
	codec, err := wire.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("executor")
	}
	return &ExecutorWSAdapter{
		resolver: resolver,
		codec:    codec,
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		tracer:   tracer,
	}, nil
}

func (a *ExecutorWSAdapter) RunPhase(ctx context.Context, cmd port.PhaseCommand) error {
	return a.send(ctx, wire.Command{
		Type:             wire.CommandRunPhase,
		OrderID:          cmd.OrderID,
		Phase:            string(cmd.Phase),
		PhaseInstruction: cmd.Instruction,
	}, true)
}

// StopPhase 没有连接时直接返回: worker 在连接断开时已经自行停止
func (a *ExecutorWSAdapter) StopPhase(ctx context.Context, orderID string) error {
	return a.send(ctx, wire.Command{Type: wire.CommandStop, OrderID: orderID}, false)
}

// Lost 返回当前连接的断开通知；没有连接时返回一个已关闭的 channel
func (a *ExecutorWSAdapter) Lost() <-chan struct{} {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	if a.conn == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.conn.done
}

// Close 主动关闭连接
func (a *ExecutorWSAdapter) Close() error {
	a.connMu.Lock()
	c := a.conn
	a.conn = nil
	a.connMu.Unlock()
	if c == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "gateway shutting down"),
		time.Now().Add(a.cfg.WriteWait))
	c.close(errors.New("closed by gateway"))
	return nil
}

func (a *ExecutorWSAdapter) send(ctx context.Context, cmd wire.Command, dial bool) (err error) {
	ctx, span := a.tracer.Start(ctx, "executor."+string(cmd.Type), trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("order.id", cmd.OrderID), attribute.String("phase", cmd.Phase))

	result := "accepted"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ExecutorCommands.WithLabelValues(string(cmd.Type), result).Inc()
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	// 1. 取得可用连接
	c := a.bound()
	if c != nil && c.closed() {
		if dial && c.order == cmd.OrderID {
			result = "error"
			return errors.Wrapf(domain.ErrConnection, "connection for order %s lost: %v", cmd.OrderID, c.cause())
		}
		c = nil
	}
	if c == nil {
		if !dial {
			result = "skipped"
			return nil
		}
		c, err = a.connect(ctx)
		if err != nil {
			result = "error"
			return errors.Wrapf(domain.ErrConnection, "connect to worker: %v", err)
		}
	}

	if cmd.Type == wire.CommandRunPhase {
		c.order = cmd.OrderID
	}

	// 2. 发送
	a.nextID++
	cmd.ID = a.nextID
	data, err := a.codec.Marshal(cmd)
	if err != nil {
		result = "error"
		return errors.Wrap(err, "encode command")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(a.cfg.WriteWait))
	if werr := c.ws.WriteMessage(a.codec.MessageType(), data); werr != nil {
		c.close(werr)
		result = "error"
		return errors.Wrapf(domain.ErrConnection, "send %s: %v", cmd.Type, werr)
	}

	// 3. 等待对应 id 的应答
	timer := time.NewTimer(a.cfg.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case reply := <-c.replies:
			if reply.ID != cmd.ID {
				log.Warn().Uint64("reply_id", reply.ID).Uint64("want", cmd.ID).Msg("discarding stale worker reply")
				continue
			}
			if !reply.Accepted {
				result = "rejected"
				return errors.Wrap(domain.ErrPhaseRejected, reply.Reason)
			}
			return nil
		case <-c.done:
			result = "error"
			return errors.Wrapf(domain.ErrConnection, "waiting for %s reply: %v", cmd.Type, c.cause())
		case <-timer.C:
			c.close(errors.New("reply timeout"))
			result = "error"
			return errors.Wrapf(domain.ErrConnection, "no reply to %s within %s", cmd.Type, a.cfg.ReplyTimeout)
		case <-ctx.Done():
			result = "error"
			return ctx.Err()
		}
	}
}

// bound 返回最近一条连接，可能已经断开
func (a *ExecutorWSAdapter) bound() *controlConn {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	return a.conn
}

func (a *ExecutorWSAdapter) connect(ctx context.Context) (*controlConn, error) {
	endpoint, err := a.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("codec", a.codec.Name())
	u.RawQuery = q.Encode()

	ws, _, err := a.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	c := &controlConn{
		ws:      ws,
		replies: make(chan wire.Reply, 8),
		done:    make(chan struct{}),
	}
	go c.readLoop(a.codec, a.cfg.PongWait)
	go c.pingLoop(a.cfg.PingPeriod, a.cfg.WriteWait)

	a.connMu.Lock()
	a.conn = c
	a.connMu.Unlock()
	log.Info().Str("endpoint", u.String()).Msg("✅ connected to robot worker")
	return c, nil
}

// controlConn 是一条到 worker 的连接，done 在连接失效时关闭
type controlConn struct {
	ws      *websocket.Conn
	replies chan wire.Reply
	done    chan struct{}
	// order 是最近一次 run_phase 所属的订单，由 ExecutorWSAdapter.mu 保护
	order string

	once sync.Once
	err  error
}

func (c *controlConn) close(cause error) {
	c.once.Do(func() {
		c.err = cause
		close(c.done)
		_ = c.ws.Close()
		log.Warn().Err(cause).Msg("⚠️ robot worker connection closed")
	})
}

func (c *controlConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// cause 只能在 done 关闭后调用
func (c *controlConn) cause() error {
	return c.err
}

func (c *controlConn) readLoop(codec wire.Codec, pongWait time.Duration) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var reply wire.Reply
		if err := codec.Unmarshal(data, &reply); err != nil {
			log.Warn().Err(err).Msg("undecodable worker reply, ignoring")
			continue
		}
		select {
		case c.replies <- reply:
		default:
			log.Warn().Uint64("reply_id", reply.ID).Msg("reply buffer full, dropping")
		}
	}
}

func (c *controlConn) pingLoop(period, writeWait time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close(err)
				return
			}
		}
	}
}
