package settle

import (
	"context"
)

// Handler 处理来自对账队列的订单 ID。
type Handler func(ctx context.Context, orderID string) error

// Producer 负责向对账队列投递订单。
type Producer interface {
	Publish(ctx context.Context, orderID string) error
	Close() error
}

// Consumer 负责从对账队列中消费订单。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
