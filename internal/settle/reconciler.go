package settle

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "AgentLease-Chain/internal/errors"
	"AgentLease-Chain/internal/observability/alerting"
	"AgentLease-Chain/internal/order"
	"AgentLease-Chain/pkg/logger"
)

// Reconciler 消费对账队列，拉取远端状态并同步仍在等待请款的订单。
// 远端查询是只读操作，消息重复投递不会产生副作用。
type Reconciler struct {
	store       order.Store
	gateway     RemoteGateway
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ReconcilerOption 定义可选配置。
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger 指定日志输出。
func WithReconcilerLogger(log *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = log
	}
}

// WithReconcilerWorkers 设置消费协程数量。
func WithReconcilerWorkers(workers int) ReconcilerOption {
	return func(r *Reconciler) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithReconcilerAlerts 配置告警派发器。
func WithReconcilerAlerts(dispatcher alerting.Dispatcher) ReconcilerOption {
	return func(r *Reconciler) {
		r.alerter = dispatcher
	}
}

// NewReconciler 构造对账处理器。
func NewReconciler(store order.Store, gateway RemoteGateway, consumer Consumer, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:       store,
		gateway:     gateway,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start 启动对账消费循环，阻塞直到 ctx 取消。
func (r *Reconciler) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置对账消费者")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.Handle)
}

// Handle 对单个订单执行一次远端回查。
func (r *Reconciler) Handle(ctx context.Context, orderID string) error {
	if r.store == nil || r.gateway == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "对账处理器未初始化")
	}

	ord, err := r.store.Get(ctx, orderID)
	if err != nil {
		if stdErrors.Is(err, order.ErrOrderNotFound) {
			r.logDebug("跳过未知订单", slog.String("order_id", orderID))
			return nil
		}
		return err
	}
	// 只有等待请款的订单需要回查，终态订单直接丢弃消息。
	if ord.Status != order.StatusAwaitingCapture {
		r.logDebug("跳过无需对账的订单",
			slog.String("order_id", orderID), slog.String("status", string(ord.Status)))
		return nil
	}
	if ord.FacilitatorOrderID == "" {
		r.logDebug("跳过没有远端记录的订单", slog.String("order_id", orderID))
		return nil
	}

	raw, err := r.gateway.FetchOrder(ctx, ord.FacilitatorOrderID)
	if err != nil {
		logger.L().Error("对账拉取远端状态失败",
			slog.Any("error", err), slog.String("order_id", orderID))
		if r.alerter != nil && xerrors.ShouldAlert(err) {
			alertErr := r.alerter.Notify(ctx, alerting.Event{
				Code:       xerrors.CodeOf(err),
				Message:    err.Error(),
				Severity:   xerrors.SeverityOf(err),
				OrderID:    ord.ID,
				AssetID:    ord.AssetID,
				Operation:  "reconcile",
				OccurredAt: time.Now(),
			})
			if alertErr != nil {
				logger.L().Error("发送对账告警失败",
					slog.Any("error", alertErr), slog.String("order_id", orderID))
			}
		}
		return err
	}

	remoteStatus, _ := raw["status"].(string)
	next := mapRemoteStatus(remoteStatus, ord.Status)
	if next == ord.Status {
		return nil
	}

	if _, err := r.store.AppendEvent(ctx, ord.ID, order.EventStatusChanged, map[string]any{
		"from":   string(ord.Status),
		"to":     string(next),
		"source": "reconcile",
	}); err != nil {
		return err
	}
	from := ord.Status
	ord.Status = next
	if _, err := r.store.Update(ctx, ord); err != nil {
		if stdErrors.Is(err, order.ErrOrderStale) {
			// 有并发流转抢先生效，让下一轮回查重新判断。
			r.logDebug("对账遇到并发更新", slog.String("order_id", orderID))
			return nil
		}
		return err
	}

	logger.Audit().Info("对账同步订单状态",
		slog.String("order_id", ord.ID),
		slog.String("from", string(from)),
		slog.String("to", string(next)),
	)
	return nil
}

func (r *Reconciler) logDebug(message string, attrs ...any) {
	log := logger.L()
	if r.logger != nil {
		log = r.logger
	}
	log.Debug(message, attrs...)
}
