package settle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "AgentLease-Chain/internal/errors"
	"AgentLease-Chain/internal/facilitator"
	"AgentLease-Chain/internal/observability/alerting"
	"AgentLease-Chain/internal/observability/metrics"
	"AgentLease-Chain/internal/order"
	"AgentLease-Chain/pkg/logger"
)

const (
	// MinDurationHours 与 MaxDurationHours 限定单笔订单的租期范围。
	MinDurationHours = 1
	MaxDurationHours = 168

	// MaxFeeBps 是平台费率的上限，万分之五千即 50%。
	MaxFeeBps = 5000

	secondsPerHour = 3600
	bpsDenominator = 10000

	maxReasonLength = 500
)

const (
	// CodeSettleValidation 表示订单请求参数非法。
	CodeSettleValidation xerrors.Code = "SETTLE_VALIDATION_FAILED"
	// CodeNoRemoteOrder 表示订单没有远端对应记录，无法执行远端操作。
	CodeNoRemoteOrder xerrors.Code = "ORDER_NO_REMOTE"
	// CodeStateConflict 表示当前状态不允许请求的流转。
	CodeStateConflict xerrors.Code = "ORDER_STATE_CONFLICT"
)

func init() {
	xerrors.Register(CodeSettleValidation, xerrors.Attributes{
		Message:   "payment order request validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoRemoteOrder, xerrors.Attributes{
		Message:   "payment order has no facilitator counterpart",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStateConflict, xerrors.Attributes{
		Message:   "payment order state does not permit this transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// RemoteGateway 抽象远端结算客户端，便于测试替换。
type RemoteGateway interface {
	IsConfigured() bool
	CreateOrder(ctx context.Context, req facilitator.CreateRequest) (*facilitator.CreateResult, error)
	CaptureOrder(ctx context.Context, remoteID string) (*facilitator.StatusResult, error)
	RefundOrder(ctx context.Context, remoteID string, req facilitator.RefundRequest) (*facilitator.StatusResult, error)
	DisputeOrder(ctx context.Context, remoteID string, req facilitator.DisputeRequest) (*facilitator.StatusResult, error)
	FetchOrder(ctx context.Context, remoteID string) (map[string]any, error)
}

// Service 驱动支付订单的整个生命周期。所有状态流转都先落事件、
// 再改状态，保证审计日志完整。
type Service struct {
	store     order.Store
	gateway   RemoteGateway
	producer  Producer
	alerter   alerting.Dispatcher
	locks     *orderLocks
	now       func() time.Time
	weiPerUSD *big.Int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithClock 注入时间源，便于测试。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithProducer 配置对账队列的生产者。
func WithProducer(producer Producer) ServiceOption {
	return func(s *Service) {
		s.producer = producer
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ServiceOption {
	return func(s *Service) {
		s.alerter = dispatcher
	}
}

// WithUSDRate 配置 1 美元对应的 wei 数，用于生成参考价。
func WithUSDRate(weiPerUSD *big.Int) ServiceOption {
	return func(s *Service) {
		if weiPerUSD != nil && weiPerUSD.Sign() > 0 {
			s.weiPerUSD = new(big.Int).Set(weiPerUSD)
		}
	}
}

// NewService 构造订单编排服务。
func NewService(store order.Store, gateway RemoteGateway, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		gateway: gateway,
		locks:   newOrderLocks(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateOrderRequest 描述一笔新的支付订单。
type CreateOrderRequest struct {
	AssetID         uint64
	AgentName       string
	Payer           common.Address
	DurationHours   int64
	PricePerSecond  *big.Int
	PlatformFeeBps  int64
	Metadata        map[string]any
	AllowSimulation bool
}

// CreateOrderResult 承载创建结果。
type CreateOrderResult struct {
	Order       *order.Order
	CheckoutURL string
}

// RefundRequest 描述退款操作的可选参数。
type RefundRequest struct {
	Reason    string
	AmountWei string
	Metadata  map[string]any
}

// DisputeRequest 描述争议操作的参数。
type DisputeRequest struct {
	Reason      string
	EvidenceURL string
	Metadata    map[string]any
}

// CreateOrder 计算金额、落库并在结算服务可用时创建远端订单。
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (result *CreateOrderResult, err error) {
	defer func() { metrics.ObserveOrderTransition("create", err) }()

	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	subtotal := new(big.Int).Mul(req.PricePerSecond, big.NewInt(req.DurationHours*secondsPerHour))
	fee := new(big.Int).Mul(subtotal, big.NewInt(req.PlatformFeeBps))
	fee.Div(fee, big.NewInt(bpsDenominator))
	total := new(big.Int).Add(subtotal, fee)

	now := s.now().Unix()
	ord := &order.Order{
		ID:             uuid.NewString(),
		AssetID:        req.AssetID,
		AgentName:      strings.TrimSpace(req.AgentName),
		Payer:          req.Payer,
		DurationHours:  req.DurationHours,
		SubtotalWei:    subtotal.String(),
		PlatformFeeWei: fee.String(),
		TotalWei:       total.String(),
		USDEstimate:    s.usdEstimate(total),
		Status:         order.StatusPending,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, ord); err != nil {
		return nil, err
	}
	if _, err := s.store.AppendEvent(ctx, ord.ID, order.EventCreated, map[string]any{
		"asset_id":         ord.AssetID,
		"duration_hours":   ord.DurationHours,
		"subtotal_wei":     ord.SubtotalWei,
		"platform_fee_wei": ord.PlatformFeeWei,
		"total_wei":        ord.TotalWei,
		"fee_bps":          req.PlatformFeeBps,
	}); err != nil {
		return nil, err
	}

	if s.gateway == nil || !s.gateway.IsConfigured() {
		if !req.AllowSimulation {
			// 订单保留在 pending，凭证补齐后可以重新发起。
			return nil, xerrors.New(facilitator.CodeUnconfigured,
				"结算服务未配置，订单保留在 pending 状态",
				xerrors.WithMetadata("order_id", ord.ID))
		}
		if _, err := s.store.AppendEvent(ctx, ord.ID, order.EventFacilitatorResponse, map[string]any{
			"simulated": true,
		}); err != nil {
			return nil, err
		}
		logger.Audit().Info("订单以模拟模式创建",
			slog.String("order_id", ord.ID),
			slog.Uint64("asset_id", ord.AssetID),
			slog.String("total_wei", ord.TotalWei),
		)
		stored, err := s.store.Get(ctx, ord.ID)
		if err != nil {
			return nil, err
		}
		return &CreateOrderResult{Order: stored}, nil
	}

	if _, err := s.store.AppendEvent(ctx, ord.ID, order.EventFacilitatorRequested, map[string]any{
		"operation": "create",
		"amount":    ord.TotalWei,
	}); err != nil {
		return nil, err
	}

	metadata := map[string]any{"order_id": ord.ID}
	for key, value := range req.Metadata {
		metadata[key] = value
	}
	remote, remoteErr := s.gateway.CreateOrder(ctx, facilitator.CreateRequest{
		AmountWei: ord.TotalWei,
		Payer:     ord.Payer,
		Metadata:  metadata,
	})
	if remoteErr != nil {
		s.recordRemoteFailure(ctx, ord.ID, "create", remoteErr)
		ord.Status = order.StatusFailed
		if _, err := s.appendStatusChange(ctx, ord.ID, order.StatusPending, order.StatusFailed); err != nil {
			return nil, err
		}
		if _, err := s.store.Update(ctx, ord); err != nil {
			return nil, err
		}
		s.emitAlert(ctx, ord, "create", remoteErr)
		return nil, remoteErr
	}

	if _, err := s.store.AppendEvent(ctx, ord.ID, order.EventFacilitatorResponse, map[string]any{
		"remote_id":    remote.RemoteID,
		"status":       remote.Status,
		"checkout_url": remote.CheckoutURL,
	}); err != nil {
		return nil, err
	}

	next := mapRemoteStatus(remote.Status, order.StatusAwaitingCapture)
	if _, err := s.appendStatusChange(ctx, ord.ID, order.StatusPending, next); err != nil {
		return nil, err
	}
	ord.FacilitatorOrderID = remote.RemoteID
	ord.Status = next
	updated, err := s.store.Update(ctx, ord)
	if err != nil {
		return nil, err
	}

	if s.producer != nil && updated.Status == order.StatusAwaitingCapture {
		if pubErr := s.producer.Publish(ctx, updated.ID); pubErr != nil {
			logger.L().Error("订单入对账队列失败",
				slog.Any("error", pubErr), slog.String("order_id", updated.ID))
		}
	}

	logger.Audit().Info("订单创建成功",
		slog.String("order_id", updated.ID),
		slog.String("remote_id", updated.FacilitatorOrderID),
		slog.String("status", string(updated.Status)),
		slog.String("total_wei", updated.TotalWei),
	)
	return &CreateOrderResult{Order: updated, CheckoutURL: remote.CheckoutURL}, nil
}

// Capture 对订单发起请款。已请款的订单直接返回当前状态。
func (s *Service) Capture(ctx context.Context, orderID string) (result *order.Order, err error) {
	defer func() { metrics.ObserveOrderTransition("capture", err) }()

	unlock := s.locks.acquire(orderID)
	defer unlock()

	ord, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.FacilitatorOrderID == "" {
		return nil, xerrors.New(CodeNoRemoteOrder, "订单没有远端记录，无法请款")
	}
	if ord.Status == order.StatusCaptured {
		return ord, nil
	}
	if order.IsTerminalForCapture(ord.Status) {
		return nil, xerrors.New(CodeStateConflict,
			fmt.Sprintf("状态为 %s 的订单不允许请款", ord.Status))
	}

	from := ord.Status
	next, err := s.remoteTransition(ctx, ord, "capture", order.StatusCaptured, func() (*facilitator.StatusResult, error) {
		return s.gateway.CaptureOrder(ctx, ord.FacilitatorOrderID)
	})
	if err != nil {
		return nil, err
	}
	return s.persistTransition(ctx, ord, from, next)
}

// Refund 对已请款的订单发起退款。
func (s *Service) Refund(ctx context.Context, orderID string, req RefundRequest) (result *order.Order, err error) {
	defer func() { metrics.ObserveOrderTransition("refund", err) }()

	unlock := s.locks.acquire(orderID)
	defer unlock()

	ord, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.FacilitatorOrderID == "" {
		return nil, xerrors.New(CodeNoRemoteOrder, "订单没有远端记录，无法退款")
	}
	if ord.Status != order.StatusCaptured {
		return nil, xerrors.New(CodeStateConflict,
			fmt.Sprintf("状态为 %s 的订单不允许退款，只有 captured 可退", ord.Status))
	}

	from := ord.Status
	next, err := s.remoteTransition(ctx, ord, "refund", order.StatusRefunded, func() (*facilitator.StatusResult, error) {
		return s.gateway.RefundOrder(ctx, ord.FacilitatorOrderID, facilitator.RefundRequest{
			Reason:    req.Reason,
			AmountWei: req.AmountWei,
			Metadata:  req.Metadata,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.persistTransition(ctx, ord, from, next)
}

// Dispute 将订单标记为争议。
func (s *Service) Dispute(ctx context.Context, orderID string, req DisputeRequest) (result *order.Order, err error) {
	defer func() { metrics.ObserveOrderTransition("dispute", err) }()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" || len(reason) > maxReasonLength {
		return nil, xerrors.New(CodeSettleValidation, "争议原因必须为 1 到 500 个字符")
	}

	unlock := s.locks.acquire(orderID)
	defer unlock()

	ord, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.FacilitatorOrderID == "" {
		return nil, xerrors.New(CodeNoRemoteOrder, "订单没有远端记录，无法发起争议")
	}
	if ord.Status == order.StatusRefunded {
		return nil, xerrors.New(CodeStateConflict, "已退款的订单不允许发起争议")
	}

	from := ord.Status
	next, err := s.remoteTransition(ctx, ord, "dispute", order.StatusDisputed, func() (*facilitator.StatusResult, error) {
		return s.gateway.DisputeOrder(ctx, ord.FacilitatorOrderID, facilitator.DisputeRequest{
			Reason:      reason,
			EvidenceURL: req.EvidenceURL,
			Metadata:    req.Metadata,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.persistTransition(ctx, ord, from, next)
}

// Get 返回指定订单。
func (s *Service) Get(ctx context.Context, orderID string) (*order.Order, error) {
	return s.store.Get(ctx, orderID)
}

// List 返回符合过滤条件的订单列表。
func (s *Service) List(ctx context.Context, opts ...order.ListOption) ([]*order.Order, error) {
	return s.store.List(ctx, order.BuildListOptions(opts))
}

// Close 释放底层资源。
func (s *Service) Close() error {
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			return err
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// remoteTransition 执行 请求事件 -> 远端调用 -> 响应事件 的固定节奏，
// 返回映射后的目标状态。远端失败只记事件，不改订单状态。
func (s *Service) remoteTransition(ctx context.Context, ord *order.Order, operation string,
	fallback order.Status, call func() (*facilitator.StatusResult, error)) (order.Status, error) {

	if _, err := s.store.AppendEvent(ctx, ord.ID, order.EventFacilitatorRequested, map[string]any{
		"operation": operation,
		"remote_id": ord.FacilitatorOrderID,
	}); err != nil {
		return "", err
	}

	res, err := call()
	if err != nil {
		s.recordRemoteFailure(ctx, ord.ID, operation, err)
		s.emitAlert(ctx, ord, operation, err)
		return "", err
	}

	if _, err := s.store.AppendEvent(ctx, ord.ID, order.EventFacilitatorResponse, map[string]any{
		"operation": operation,
		"status":    res.Status,
	}); err != nil {
		return "", err
	}
	return mapRemoteStatus(res.Status, fallback), nil
}

func (s *Service) persistTransition(ctx context.Context, ord *order.Order, from, next order.Status) (*order.Order, error) {
	if next != from {
		if _, err := s.appendStatusChange(ctx, ord.ID, from, next); err != nil {
			return nil, err
		}
	}
	ord.Status = next
	updated, err := s.store.Update(ctx, ord)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("订单状态变更",
		slog.String("order_id", updated.ID),
		slog.String("from", string(from)),
		slog.String("to", string(updated.Status)),
	)
	return updated, nil
}

func (s *Service) appendStatusChange(ctx context.Context, orderID string, from, to order.Status) (*order.Event, error) {
	return s.store.AppendEvent(ctx, orderID, order.EventStatusChanged, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

func (s *Service) recordRemoteFailure(ctx context.Context, orderID, operation string, cause error) {
	if _, err := s.store.AppendEvent(ctx, orderID, order.EventError, map[string]any{
		"operation": operation,
		"error":     cause.Error(),
	}); err != nil {
		logger.L().Error("记录失败事件失败",
			slog.Any("error", err), slog.String("order_id", orderID))
	}
}

func (s *Service) emitAlert(ctx context.Context, ord *order.Order, operation string, cause error) {
	if s.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		OrderID:    ord.ID,
		AssetID:    ord.AssetID,
		Operation:  operation,
		OccurredAt: s.now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("发送结算告警失败",
			slog.Any("error", err), slog.String("order_id", ord.ID))
	}
}

func (s *Service) usdEstimate(totalWei *big.Int) string {
	if s.weiPerUSD == nil || s.weiPerUSD.Sign() <= 0 {
		return ""
	}
	cents := new(big.Int).Mul(totalWei, big.NewInt(100))
	cents.Div(cents, s.weiPerUSD)
	dollars, remainder := new(big.Int).DivMod(cents, big.NewInt(100), new(big.Int))
	return fmt.Sprintf("%s.%02d", dollars.String(), remainder.Int64())
}

func validateCreateRequest(req CreateOrderRequest) error {
	if req.Payer == (common.Address{}) {
		return xerrors.New(CodeSettleValidation, "租用方地址不能为空")
	}
	if req.DurationHours < MinDurationHours || req.DurationHours > MaxDurationHours {
		return xerrors.New(CodeSettleValidation,
			fmt.Sprintf("租期必须在 %d 到 %d 小时之间", MinDurationHours, MaxDurationHours))
	}
	if req.PricePerSecond == nil || req.PricePerSecond.Sign() <= 0 {
		return xerrors.New(CodeSettleValidation, "每秒单价必须为正整数")
	}
	if req.PlatformFeeBps < 0 || req.PlatformFeeBps > MaxFeeBps {
		return xerrors.New(CodeSettleValidation,
			fmt.Sprintf("平台费率必须在 0 到 %d 个基点之间", MaxFeeBps))
	}
	return nil
}

// mapRemoteStatus 把远端返回的状态翻译成本地状态，
// 未识别的值退回到各操作自己的默认状态。
func mapRemoteStatus(remote string, fallback order.Status) order.Status {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "created", "pending":
		return order.StatusPending
	case "awaiting_capture", "approved", "authorized":
		return order.StatusAwaitingCapture
	case "captured", "completed", "settled":
		return order.StatusCaptured
	case "refunded":
		return order.StatusRefunded
	case "disputed":
		return order.StatusDisputed
	case "failed", "canceled":
		return order.StatusFailed
	default:
		return fallback
	}
}
