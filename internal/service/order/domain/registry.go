package domain

import (
	"sync"
)

// Registry 维护订单 ID 到订单实例的映射，是"订单是否存在、处于什么状态"的唯一数据源。
// 任意数量的读取方可以并发读取；写入只经由 StateMachine。
type Registry struct {
	mu      sync.RWMutex
	orders  map[string]*Order
	ordered []string
}

func NewRegistry() *Registry {
	return &Registry{orders: make(map[string]*Order)}
}

// Get 返回订单的快照副本。
func (r *Registry) Get(id string) (Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o.Clone(), nil
}

// List 按创建顺序返回所有订单。
func (r *Registry) List() []Order {
	return r.collect(func(*Order) bool { return true })
}

// ListActive 按创建顺序返回所有未结束的订单。
func (r *Registry) ListActive() []Order {
	return r.collect(func(o *Order) bool { return !o.IsTerminal() })
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

func (r *Registry) collect(keep func(*Order) bool) []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Order, 0, len(r.ordered))
	for _, id := range r.ordered {
		if o := r.orders[id]; keep(o) {
			out = append(out, o.Clone())
		}
	}
	return out
}

func (r *Registry) add(o *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
	r.ordered = append(r.ordered, o.ID)
}

// lookup 返回内部实例，仅供持有 StateMachine 锁的写入方使用。
func (r *Registry) lookup(id string) (*Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	return o, ok
}

// mutate 在写锁内修改订单，保证并发读取看不到半更新的状态。
func (r *Registry) mutate(o *Order, fn func(o *Order)) Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(o)
	return o.Clone()
}
