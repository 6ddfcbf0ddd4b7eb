// internal/service/notification/hub.go
package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/order/domain"
)

const DefaultBuffer = 256

var ErrSubscriptionClosed = errors.New("subscription closed")

// Hub 维护所有活跃的订阅者，并负责事件广播。
// Publish 从不阻塞: 每个订阅者都有独立的有界队列，队列满时丢弃最旧的非终态事件。
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

// Subscription 是一个订阅者的投递队列
type Subscription struct {
	ID      string
	hub     *Hub
	orderID string

	mu      sync.Mutex
	queue   []domain.Event
	limit   int
	dropped uint64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe 注册一个新的订阅者。orderID 非空时只接收该订单的事件。
func (h *Hub) Subscribe(buffer int, orderID string) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{
		ID:      uuid.New().String(),
		hub:     h,
		orderID: orderID,
		limit:   buffer,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closeOnce.Do(func() { close(s.done) })
		return s
	}
	h.subs[s.ID] = s
	metrics.HubSubscribers.Inc()
	log.Debug().Str("subscriber", s.ID).Str("order_id", orderID).Msg("hub: subscriber registered")
	return s
}

// Publish 把事件放入每个订阅者的队列
func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.orderID != "" && s.orderID != ev.OrderID {
			continue
		}
		s.push(ev)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close 关闭所有订阅，之后的 Subscribe 直接返回已关闭的订阅。
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

func (h *Hub) unregister(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; ok {
		delete(h.subs, s.ID)
		metrics.HubSubscribers.Dec()
		log.Debug().Str("subscriber", s.ID).Msg("hub: subscriber unregistered")
	}
}

func (s *Subscription) push(ev domain.Event) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		s.dropOldest()
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dropOldest 丢弃最旧的非终态事件。队列里全是终态事件时不丢弃，允许暂时超出上限。
func (s *Subscription) dropOldest() {
	for i, queued := range s.queue {
		if queued.IsTerminal() {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.dropped++
		metrics.HubDropped.Inc()
		return
	}
}

// Recv 阻塞直到有事件、ctx 结束或订阅被关闭。关闭后仍会先把已排队的事件交付完。
func (s *Subscription) Recv(ctx context.Context) (domain.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = domain.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if empty {
				return domain.Event{}, ErrSubscriptionClosed
			}
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		}
	}
}

// Dropped 返回该订阅者因队列溢出而丢弃的事件数。
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close 取消订阅，客户端断开时调用。
func (s *Subscription) Close() {
	s.hub.unregister(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}
