package settle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLease-Chain/internal/errors"
	"AgentLease-Chain/internal/facilitator"
	"AgentLease-Chain/internal/order"
)

type stubGateway struct {
	configured bool
	calls      []string

	createResult *facilitator.CreateResult
	createErr    error
	statusResult *facilitator.StatusResult
	statusErr    error
	fetchResult  map[string]any
	fetchErr     error
}

func (g *stubGateway) IsConfigured() bool { return g.configured }

func (g *stubGateway) CreateOrder(_ context.Context, _ facilitator.CreateRequest) (*facilitator.CreateResult, error) {
	g.calls = append(g.calls, "create")
	return g.createResult, g.createErr
}

func (g *stubGateway) CaptureOrder(_ context.Context, _ string) (*facilitator.StatusResult, error) {
	g.calls = append(g.calls, "capture")
	return g.statusResult, g.statusErr
}

func (g *stubGateway) RefundOrder(_ context.Context, _ string, _ facilitator.RefundRequest) (*facilitator.StatusResult, error) {
	g.calls = append(g.calls, "refund")
	return g.statusResult, g.statusErr
}

func (g *stubGateway) DisputeOrder(_ context.Context, _ string, _ facilitator.DisputeRequest) (*facilitator.StatusResult, error) {
	g.calls = append(g.calls, "dispute")
	return g.statusResult, g.statusErr
}

func (g *stubGateway) FetchOrder(_ context.Context, _ string) (map[string]any, error) {
	g.calls = append(g.calls, "fetch")
	return g.fetchResult, g.fetchErr
}

var testPayer = common.HexToAddress("0x9999999999999999999999999999999999999999")

func validCreateRequest() CreateOrderRequest {
	return CreateOrderRequest{
		AssetID:        1,
		AgentName:      "translator",
		Payer:          testPayer,
		DurationHours:  1,
		PricePerSecond: big.NewInt(1000),
		PlatformFeeBps: 250,
	}
}

func TestCreateOrderValidation(t *testing.T) {
	store := order.NewMemoryStore()
	service := NewService(store, &stubGateway{configured: true})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateOrderRequest)
	}{
		{"zero-payer", func(r *CreateOrderRequest) { r.Payer = common.Address{} }},
		{"hours-too-low", func(r *CreateOrderRequest) { r.DurationHours = 0 }},
		{"hours-too-high", func(r *CreateOrderRequest) { r.DurationHours = 169 }},
		{"nil-price", func(r *CreateOrderRequest) { r.PricePerSecond = nil }},
		{"zero-price", func(r *CreateOrderRequest) { r.PricePerSecond = big.NewInt(0) }},
		{"negative-fee", func(r *CreateOrderRequest) { r.PlatformFeeBps = -1 }},
		{"fee-too-high", func(r *CreateOrderRequest) { r.PlatformFeeBps = 5001 }},
	}
	for _, tc := range cases {
		req := validCreateRequest()
		tc.mutate(&req)
		if _, err := service.CreateOrder(ctx, req); xerrors.CodeOf(err) != CodeSettleValidation {
			t.Fatalf("%s: 期望校验错误，实际 %v", tc.name, err)
		}
	}

	// 校验失败不应产生任何订单。
	orders, err := store.List(ctx, order.BuildListOptions(nil))
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("校验失败不应落库，实际 %d 条", len(orders))
	}
}

func TestCreateOrderFeeArithmetic(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{
		configured: true,
		createResult: &facilitator.CreateResult{
			RemoteID:    "fac-1",
			Status:      "awaiting_capture",
			CheckoutURL: "https://pay.example.com/checkout/fac-1",
		},
	}
	producer := NewMemoryQueue(8)
	service := NewService(store, gateway,
		WithProducer(producer),
		WithUSDRate(big.NewInt(1000)))

	result, err := service.CreateOrder(context.Background(), validCreateRequest())
	if err != nil {
		t.Fatalf("创建订单失败: %v", err)
	}

	ord := result.Order
	// 1000 wei/秒 * 3600 秒 = 3600000；250 个基点的费率是 90000。
	if ord.SubtotalWei != "3600000" {
		t.Fatalf("小计不符: %s", ord.SubtotalWei)
	}
	if ord.PlatformFeeWei != "90000" {
		t.Fatalf("平台费不符: %s", ord.PlatformFeeWei)
	}
	if ord.TotalWei != "3690000" {
		t.Fatalf("总额不符: %s", ord.TotalWei)
	}
	if ord.USDEstimate != "3690.00" {
		t.Fatalf("美元参考价不符: %s", ord.USDEstimate)
	}
	if ord.Status != order.StatusAwaitingCapture {
		t.Fatalf("状态不符: %s", ord.Status)
	}
	if ord.FacilitatorOrderID != "fac-1" {
		t.Fatalf("远端编号不符: %s", ord.FacilitatorOrderID)
	}
	if result.CheckoutURL == "" {
		t.Fatal("缺少 checkout 地址")
	}

	// 事件序列: created -> facilitator-requested -> facilitator-response -> status-changed。
	types := eventTypes(ord.Events)
	want := []order.EventType{
		order.EventCreated,
		order.EventFacilitatorRequested,
		order.EventFacilitatorResponse,
		order.EventStatusChanged,
	}
	if len(types) != len(want) {
		t.Fatalf("事件数量不符: %v", types)
	}
	for i, typ := range want {
		if types[i] != typ {
			t.Fatalf("第 %d 个事件不符: %s", i, types[i])
		}
	}

	// 进入 awaiting_capture 的订单会投递到对账队列。
	select {
	case got := <-producer.ch:
		if got != ord.ID {
			t.Fatalf("队列中的订单编号不符: %s", got)
		}
	default:
		t.Fatal("订单未进入对账队列")
	}
}

func TestCreateOrderUnconfigured(t *testing.T) {
	store := order.NewMemoryStore()
	service := NewService(store, &stubGateway{configured: false})
	ctx := context.Background()

	_, err := service.CreateOrder(ctx, validCreateRequest())
	if xerrors.CodeOf(err) != facilitator.CodeUnconfigured {
		t.Fatalf("期望未配置错误，实际 %v", err)
	}

	// 订单保留在 pending 而不是失败。
	orders, listErr := store.List(ctx, order.BuildListOptions(nil))
	if listErr != nil {
		t.Fatalf("查询订单失败: %v", listErr)
	}
	if len(orders) != 1 || orders[0].Status != order.StatusPending {
		t.Fatalf("订单应保留在 pending: %+v", orders)
	}
}

func TestCreateOrderSimulation(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{configured: false}
	service := NewService(store, gateway)

	req := validCreateRequest()
	req.AllowSimulation = true
	result, err := service.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("模拟模式创建失败: %v", err)
	}
	if result.Order.Status != order.StatusPending {
		t.Fatalf("模拟订单应停留在 pending: %s", result.Order.Status)
	}
	if len(gateway.calls) != 0 {
		t.Fatalf("模拟模式不应触发远端调用: %v", gateway.calls)
	}

	types := eventTypes(result.Order.Events)
	if len(types) != 2 || types[0] != order.EventCreated || types[1] != order.EventFacilitatorResponse {
		t.Fatalf("模拟订单事件不符: %v", types)
	}
	if result.Order.Events[1].Payload["simulated"] != true {
		t.Fatalf("模拟事件缺少标记: %v", result.Order.Events[1].Payload)
	}
}

func TestCreateOrderRemoteFailure(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{
		configured: true,
		createErr:  xerrors.New(facilitator.CodeRemoteFailure, "结算服务返回错误状态 502"),
	}
	service := NewService(store, gateway)
	ctx := context.Background()

	_, err := service.CreateOrder(ctx, validCreateRequest())
	if xerrors.CodeOf(err) != facilitator.CodeRemoteFailure {
		t.Fatalf("期望远端失败，实际 %v", err)
	}

	orders, listErr := store.List(ctx, order.BuildListOptions(nil))
	if listErr != nil || len(orders) != 1 {
		t.Fatalf("应有 1 条订单: %v, err=%v", orders, listErr)
	}
	if orders[0].Status != order.StatusFailed {
		t.Fatalf("远端创建失败应转为 failed: %s", orders[0].Status)
	}

	stored, getErr := store.Get(ctx, orders[0].ID)
	if getErr != nil {
		t.Fatalf("查询订单失败: %v", getErr)
	}
	if !hasEventType(stored.Events, order.EventError) {
		t.Fatalf("缺少 error 事件: %v", eventTypes(stored.Events))
	}
}

func createRemoteOrder(t *testing.T, service *Service, gateway *stubGateway) *order.Order {
	t.Helper()
	gateway.createResult = &facilitator.CreateResult{RemoteID: "fac-1", Status: "awaiting_capture"}
	result, err := service.CreateOrder(context.Background(), validCreateRequest())
	if err != nil {
		t.Fatalf("创建订单失败: %v", err)
	}
	return result.Order
}

func TestCaptureLifecycle(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{configured: true}
	service := NewService(store, gateway)
	ctx := context.Background()

	ord := createRemoteOrder(t, service, gateway)

	gateway.statusResult = &facilitator.StatusResult{Status: "captured"}
	captured, err := service.Capture(ctx, ord.ID)
	if err != nil {
		t.Fatalf("请款失败: %v", err)
	}
	if captured.Status != order.StatusCaptured {
		t.Fatalf("请款后状态不符: %s", captured.Status)
	}

	// 重复请款是幂等空操作，不再触发远端调用。
	callsBefore := len(gateway.calls)
	again, err := service.Capture(ctx, ord.ID)
	if err != nil {
		t.Fatalf("重复请款失败: %v", err)
	}
	if again.Status != order.StatusCaptured {
		t.Fatalf("重复请款状态不符: %s", again.Status)
	}
	if len(gateway.calls) != callsBefore {
		t.Fatalf("重复请款不应触发远端调用: %v", gateway.calls)
	}

	if _, err := service.Capture(ctx, "missing"); !errors.Is(err, order.ErrOrderNotFound) {
		t.Fatalf("期望 ErrOrderNotFound，实际 %v", err)
	}
}

func TestCaptureRejectsWithoutRemoteOrder(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{configured: false}
	service := NewService(store, gateway)
	ctx := context.Background()

	req := validCreateRequest()
	req.AllowSimulation = true
	result, err := service.CreateOrder(ctx, req)
	if err != nil {
		t.Fatalf("创建模拟订单失败: %v", err)
	}

	if _, err := service.Capture(ctx, result.Order.ID); xerrors.CodeOf(err) != CodeNoRemoteOrder {
		t.Fatalf("没有远端记录的订单应拒绝请款，实际 %v", err)
	}
}

func TestCaptureRemoteFailureKeepsStatus(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{configured: true}
	service := NewService(store, gateway)
	ctx := context.Background()

	ord := createRemoteOrder(t, service, gateway)

	gateway.statusErr = xerrors.New(facilitator.CodeRemoteFailure, "结算服务超时")
	if _, err := service.Capture(ctx, ord.ID); xerrors.CodeOf(err) != facilitator.CodeRemoteFailure {
		t.Fatalf("期望远端失败，实际 %v", err)
	}

	stored, err := store.Get(ctx, ord.ID)
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	if stored.Status != order.StatusAwaitingCapture {
		t.Fatalf("远端失败不应改变状态: %s", stored.Status)
	}
	if !hasEventType(stored.Events, order.EventError) {
		t.Fatalf("缺少 error 事件: %v", eventTypes(stored.Events))
	}
}

func TestRefundRequiresCaptured(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{configured: true}
	service := NewService(store, gateway)
	ctx := context.Background()

	ord := createRemoteOrder(t, service, gateway)

	// 尚未请款不能退款。
	if _, err := service.Refund(ctx, ord.ID, RefundRequest{}); xerrors.CodeOf(err) != CodeStateConflict {
		t.Fatalf("awaiting_capture 不应可退款，实际 %v", err)
	}

	gateway.statusResult = &facilitator.StatusResult{Status: "captured"}
	if _, err := service.Capture(ctx, ord.ID); err != nil {
		t.Fatalf("请款失败: %v", err)
	}

	gateway.statusResult = &facilitator.StatusResult{Status: "refunded"}
	refunded, err := service.Refund(ctx, ord.ID, RefundRequest{Reason: "renter cancelled"})
	if err != nil {
		t.Fatalf("退款失败: %v", err)
	}
	if refunded.Status != order.StatusRefunded {
		t.Fatalf("退款后状态不符: %s", refunded.Status)
	}

	// 已退款不能再次退款，也不能请款。
	if _, err := service.Refund(ctx, ord.ID, RefundRequest{}); xerrors.CodeOf(err) != CodeStateConflict {
		t.Fatalf("重复退款应冲突，实际 %v", err)
	}
	if _, err := service.Capture(ctx, ord.ID); xerrors.CodeOf(err) != CodeStateConflict {
		t.Fatalf("退款后请款应冲突，实际 %v", err)
	}
}

func TestDisputeRules(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{configured: true}
	service := NewService(store, gateway)
	ctx := context.Background()

	ord := createRemoteOrder(t, service, gateway)

	if _, err := service.Dispute(ctx, ord.ID, DisputeRequest{}); xerrors.CodeOf(err) != CodeSettleValidation {
		t.Fatalf("缺少争议原因应被拒绝，实际 %v", err)
	}

	gateway.statusResult = &facilitator.StatusResult{Status: "captured"}
	if _, err := service.Capture(ctx, ord.ID); err != nil {
		t.Fatalf("请款失败: %v", err)
	}

	gateway.statusResult = &facilitator.StatusResult{Status: "refunded"}
	if _, err := service.Refund(ctx, ord.ID, RefundRequest{}); err != nil {
		t.Fatalf("退款失败: %v", err)
	}

	// 已退款的订单不允许发起争议。
	if _, err := service.Dispute(ctx, ord.ID, DisputeRequest{Reason: "service not delivered"}); xerrors.CodeOf(err) != CodeStateConflict {
		t.Fatalf("退款后争议应冲突，实际 %v", err)
	}
}

func TestDisputeFromCaptured(t *testing.T) {
	store := order.NewMemoryStore()
	gateway := &stubGateway{configured: true}
	service := NewService(store, gateway)
	ctx := context.Background()

	ord := createRemoteOrder(t, service, gateway)
	gateway.statusResult = &facilitator.StatusResult{Status: "captured"}
	if _, err := service.Capture(ctx, ord.ID); err != nil {
		t.Fatalf("请款失败: %v", err)
	}

	gateway.statusResult = &facilitator.StatusResult{Status: "disputed"}
	disputed, err := service.Dispute(ctx, ord.ID, DisputeRequest{Reason: "service not delivered"})
	if err != nil {
		t.Fatalf("争议失败: %v", err)
	}
	if disputed.Status != order.StatusDisputed {
		t.Fatalf("争议后状态不符: %s", disputed.Status)
	}
}

func TestMapRemoteStatus(t *testing.T) {
	cases := []struct {
		remote string
		want   order.Status
	}{
		{"created", order.StatusPending},
		{"pending", order.StatusPending},
		{"awaiting_capture", order.StatusAwaitingCapture},
		{"approved", order.StatusAwaitingCapture},
		{"authorized", order.StatusAwaitingCapture},
		{"captured", order.StatusCaptured},
		{"completed", order.StatusCaptured},
		{"settled", order.StatusCaptured},
		{"refunded", order.StatusRefunded},
		{"disputed", order.StatusDisputed},
		{"failed", order.StatusFailed},
		{"canceled", order.StatusFailed},
		{"SETTLED", order.StatusCaptured},
		{"something-new", order.StatusAwaitingCapture},
		{"", order.StatusAwaitingCapture},
	}
	for _, tc := range cases {
		if got := mapRemoteStatus(tc.remote, order.StatusAwaitingCapture); got != tc.want {
			t.Fatalf("%q 映射为 %s，期望 %s", tc.remote, got, tc.want)
		}
	}
}

func eventTypes(events []*order.Event) []order.EventType {
	types := make([]order.EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func hasEventType(events []*order.Event, target order.EventType) bool {
	for _, event := range events {
		if event.Type == target {
			return true
		}
	}
	return false
}
