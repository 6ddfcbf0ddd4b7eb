package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/notification"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
)

const (
	serviceName         = "order-gateway"
	defaultPingInterval = 15 * time.Second
	wsWriteWait         = 10 * time.Second
)

// ReadyCheck 在 /readyz 上被调用，返回错误表示依赖不可用
type ReadyCheck func(ctx context.Context) error

// OrderHandler 封装了网关的 HTTP 处理器
type OrderHandler struct {
	service      *application.OrderApplicationService
	tracer       trace.Tracer
	pingInterval time.Duration
	readyChecks  map[string]ReadyCheck
	upgrader     websocket.Upgrader
	// streams 结束时所有事件流断开，否则 http.Server.Shutdown 会一直等它们
	streams context.Context
}

type HandlerOption func(*OrderHandler)

// WithPingInterval 设置事件流的心跳间隔
func WithPingInterval(d time.Duration) HandlerOption {
	return func(h *OrderHandler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithReadyCheck 为 /readyz 增加一个依赖检查
func WithReadyCheck(name string, check ReadyCheck) HandlerOption {
	return func(h *OrderHandler) { h.readyChecks[name] = check }
}

// WithStreamContext ctx 结束时关闭所有 /events 和 /ws 连接
func WithStreamContext(ctx context.Context) HandlerOption {
	return func(h *OrderHandler) { h.streams = ctx }
}

// NewOrderHandler 创建一个新的 HTTP 处理器实例
func NewOrderHandler(service *application.OrderApplicationService, opts ...HandlerOption) *OrderHandler {
	h := &OrderHandler{
		service:      service,
		tracer:       otel.Tracer(serviceName),
		pingInterval: defaultPingInterval,
		readyChecks:  make(map[string]ReadyCheck),
		streams:      context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /readyz", h.readyHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /orders", h.createOrderHandler)
	mux.HandleFunc("GET /orders", h.listOrdersHandler)
	mux.HandleFunc("GET /orders/{id}", h.getOrderHandler)
	mux.HandleFunc("POST /orders/{id}/cancel", h.cancelOrderHandler)
	mux.HandleFunc("POST /confirmations", h.confirmHandler)
	mux.HandleFunc("GET /events", h.eventsHandler)
	mux.HandleFunc("GET /ws", h.wsHandler)
}

func (h *OrderHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return h.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
}

func (h *OrderHandler) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "gateway.CreateOrder")
	defer span.End()

	var req application.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	resp, err := h.service.CreateOrder(ctx, &req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrderHandler) cancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "gateway.CancelOrder")
	defer span.End()

	canceled, err := h.service.CancelOrder(ctx, r.PathValue("id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, application.CancelOrderResponse{Canceled: false})
		return
	}
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, application.CancelOrderResponse{Canceled: canceled})
}

func (h *OrderHandler) getOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "gateway.GetOrder")
	defer span.End()

	order, err := h.service.GetOrder(ctx, r.PathValue("id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) listOrdersHandler(w http.ResponseWriter, r *http.Request) {
	orders := h.service.ListOrders(r.URL.Query().Get("all") == "true")
	writeJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) confirmHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "gateway.Confirm")
	defer span.End()

	var req application.ConfirmationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
			return
		}
	}
	if req.Source == "" {
		req.Source = "http"
	}
	accepted := h.service.Confirm(ctx, &req)
	span.SetAttributes(attribute.Bool("pulse.accepted", accepted))
	writeJSON(w, http.StatusAccepted, application.ConfirmationResponse{Accepted: accepted})
}

func (h *OrderHandler) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := make(map[string]string)
	for name, check := range h.readyChecks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, failed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// eventsHandler 以 SSE 推送事件。带 order_id 时只推送该订单，并在终态事件后结束。
func (h *OrderHandler) eventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	orderID := r.URL.Query().Get("order_id")
	sub := h.service.Subscribe(notification.DefaultBuffer, orderID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := h.streamContext(r)
	defer cancel()
	log := logger.Ctx(ctx)
	send := func(ev domain.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("order_id", ev.OrderID).Msg("marshal event failed")
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if final, ok := h.finished(ctx, orderID); ok {
		send(final)
		return
	}
	for {
		ev, err := h.recv(ctx, sub)
		if errors.Is(err, context.DeadlineExceeded) {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		if err != nil {
			return
		}
		if !send(ev) {
			return
		}
		if orderID != "" && ev.IsTerminal() {
			return
		}
	}
}

// finished 在订阅之后调用: 订阅前已经结束的订单不会再有事件，
// 返回由快照还原的最后一个事件。订阅后才结束的订单照常从订阅里收到终态事件。
func (h *OrderHandler) finished(ctx context.Context, orderID string) (domain.Event, bool) {
	if orderID == "" {
		return domain.Event{}, false
	}
	order, err := h.service.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Event{}, false
	}
	return order.FinalEvent()
}

func (h *OrderHandler) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(h.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// recv 等待下一个事件，空闲 pingInterval 后返回 DeadlineExceeded
func (h *OrderHandler) recv(ctx context.Context, sub *notification.Subscription) (domain.Event, error) {
	if ctx.Err() != nil {
		return domain.Event{}, ctx.Err()
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.pingInterval)
	defer cancel()
	ev, err := sub.Recv(waitCtx)
	if err != nil && ctx.Err() != nil {
		return domain.Event{}, ctx.Err()
	}
	return ev, err
}

// wsHandler 与 /events 相同的事件流，每个事件一个 JSON 文本帧
func (h *OrderHandler) wsHandler(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.service.Subscribe(notification.DefaultBuffer, orderID)
	defer sub.Close()

	// 读循环只用来发现客户端断开
	ctx, cancel := h.streamContext(r)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// send 写出一个事件，返回 false 表示流应当结束
	send := func(ev domain.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return false
		}
		if orderID != "" && ev.IsTerminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "order finished"),
				time.Now().Add(wsWriteWait))
			return false
		}
		return true
	}

	if final, ok := h.finished(ctx, orderID); ok {
		send(final)
		return
	}
	for {
		ev, err := h.recv(ctx, sub)
		if errors.Is(err, context.DeadlineExceeded) {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			continue
		}
		if err != nil || !send(ev) {
			return
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError 把领域错误映射为 HTTP 状态码
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidVariant):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Ctx(ctx).Error().Err(err).Msg("ERROR: request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
