package order

import "context"

// Store 抽象了支付订单及其事件日志的持久化接口。
// 同一订单上的 Create/Update/AppendEvent 彼此原子；Update 采用乐观版本号，
// 版本不匹配时返回 ErrOrderStale 而不是覆盖别人的写入。
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, opts ListOptions) ([]*Order, error)
	Update(ctx context.Context, order *Order) (*Order, error)
	AppendEvent(ctx context.Context, orderID string, eventType EventType, payload map[string]any) (*Event, error)
	Close() error
}
