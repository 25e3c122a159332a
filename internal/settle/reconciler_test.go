package settle

import (
	"context"
	"testing"

	xerrors "AgentLease-Chain/internal/errors"
	"AgentLease-Chain/internal/facilitator"
	"AgentLease-Chain/internal/order"
)

func TestReconcilerSyncsRemoteStatus(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{configured: true}
	service := NewService(store, gateway)
	ctx := context.Background()

	ord := createRemoteOrder(t, service, gateway)

	gateway.fetchResult = map[string]any{"id": "fac-1", "status": "settled"}
	reconciler := NewReconciler(store, gateway, nil)
	if err := reconciler.Handle(ctx, ord.ID); err != nil {
		t.Fatalf("对账失败: %v", err)
	}

	stored, err := store.Get(ctx, ord.ID)
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	if stored.Status != order.StatusCaptured {
		t.Fatalf("对账后状态不符: %s", stored.Status)
	}

	last := stored.Events[len(stored.Events)-1]
	if last.Type != order.EventStatusChanged || last.Payload["source"] != "reconcile" {
		t.Fatalf("缺少对账事件: %+v", last)
	}

	// 再次投递同一订单是无害的：状态已是终态，直接跳过。
	eventsBefore := len(stored.Events)
	if err := reconciler.Handle(ctx, ord.ID); err != nil {
		t.Fatalf("重复对账失败: %v", err)
	}
	again, err := store.Get(ctx, ord.ID)
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	if len(again.Events) != eventsBefore {
		t.Fatalf("重复对账不应追加事件: %d -> %d", eventsBefore, len(again.Events))
	}
}

func TestReconcilerSkipsUnknownAndTerminalOrders(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{configured: true}
	reconciler := NewReconciler(store, gateway, nil)
	ctx := context.Background()

	// 未知订单直接丢弃消息而不算失败。
	if err := reconciler.Handle(ctx, "missing"); err != nil {
		t.Fatalf("未知订单不应报错: %v", err)
	}
	if len(gateway.calls) != 0 {
		t.Fatalf("未知订单不应触发远端调用: %v", gateway.calls)
	}

	service := NewService(store, gateway)
	ord := createRemoteOrder(t, service, gateway)
	gateway.statusResult = &facilitator.StatusResult{Status: "captured"}
	if _, err := service.Capture(ctx, ord.ID); err != nil {
		t.Fatalf("请款失败: %v", err)
	}

	callsBefore := len(gateway.calls)
	if err := reconciler.Handle(ctx, ord.ID); err != nil {
		t.Fatalf("终态订单对账不应报错: %v", err)
	}
	if len(gateway.calls) != callsBefore {
		t.Fatalf("终态订单不应触发远端调用: %v", gateway.calls)
	}
}

func TestReconcilerRemoteFailureRequeues(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{configured: true}
	service := NewService(store, gateway)
	ctx := context.Background()

	ord := createRemoteOrder(t, service, gateway)

	gateway.fetchErr = xerrors.New(facilitator.CodeRemoteFailure, "结算服务超时")
	reconciler := NewReconciler(store, gateway, nil)
	if err := reconciler.Handle(ctx, ord.ID); err == nil {
		t.Fatal("远端失败应返回错误以便重新投递")
	}

	stored, err := store.Get(ctx, ord.ID)
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	if stored.Status != order.StatusAwaitingCapture {
		t.Fatalf("对账失败不应改变状态: %s", stored.Status)
	}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	if err := queue.Publish(ctx, "ord-1"); err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	received := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 1, func(_ context.Context, orderID string) error {
			received <- orderID
			return nil
		})
	}()

	if got := <-received; got != "ord-1" {
		t.Fatalf("消费到的订单编号不符: %s", got)
	}
	cancel()
	<-done

	if err := queue.Close(); err != nil {
		t.Fatalf("关闭队列失败: %v", err)
	}
	if err := queue.Publish(context.Background(), "ord-2"); err == nil {
		t.Fatal("关闭后的队列不应接受投递")
	}
}
