package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentLease-Chain/internal/errors"
)

// MemoryStore 以内存方式保存订单状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	now    func() time.Time
}

// MemoryStoreOption 定义内存存储的可选配置。
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock 注入时间源，便于测试事件时间戳。
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{orders: make(map[string]*Order), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, order *Order) error {
	if order == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}
	if order.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return ErrOrderConflict
	}
	now := m.now().Unix()
	if order.CreatedAt == 0 {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Version = 0
	m.orders[order.ID] = order.Clone()
	return nil
}

// Get 返回订单及其全部事件。
func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return stored.Clone(), nil
}

// Update 以乐观版本号整体替换订单记录。事件日志不在这里改动。
func (m *MemoryStore) Update(_ context.Context, order *Order) (*Order, error) {
	if order == nil || order.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[order.ID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if stored.Version != order.Version {
		return nil, ErrOrderStale
	}
	updated := order.Clone()
	updated.Events = stored.Events
	updated.Version = stored.Version + 1
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = m.now().Unix()
	m.orders[order.ID] = updated
	return updated.Clone(), nil
}

// AppendEvent 为订单追加一条事件并刷新 updated_at。
func (m *MemoryStore) AppendEvent(_ context.Context, orderID string, eventType EventType, payload map[string]any) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	event := &Event{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Type:      eventType,
		Payload:   cloneMetadata(payload),
		CreatedAt: m.now().Unix(),
	}
	stored.Events = append(stored.Events, event)
	stored.UpdatedAt = event.CreatedAt
	return cloneEvent(event), nil
}

// List 返回符合过滤条件的订单，不带事件日志。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Order, 0, len(m.orders))
	for _, stored := range m.orders {
		if !matchesListFilters(stored, opts) {
			continue
		}
		clone := stored.Clone()
		clone.Events = nil
		results = append(results, clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Order{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(order *Order, opts ListOptions) bool {
	if opts.Payer != nil && order.Payer != *opts.Payer {
		return false
	}
	if opts.AssetID != nil && order.AssetID != *opts.AssetID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if order.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
