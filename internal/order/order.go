package order

import (
	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLease-Chain/internal/errors"
)

// Status 表示支付订单在生命周期中的状态。
type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingCapture Status = "awaiting_capture"
	StatusCaptured        Status = "captured"
	StatusRefunded        Status = "refunded"
	StatusDisputed        Status = "disputed"
	StatusFailed          Status = "failed"
)

// EventType 表示订单事件的类别。
type EventType string

const (
	EventCreated              EventType = "created"
	EventFacilitatorRequested EventType = "facilitator-requested"
	EventFacilitatorResponse  EventType = "facilitator-response"
	EventStatusChanged        EventType = "status-changed"
	EventError                EventType = "error"
)

// Event 是订单审计日志中的一条不可变记录，只追加、不修改、不删除。
type Event struct {
	ID        string         `json:"id"`
	OrderID   string         `json:"order_id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// Order 描述一笔链下支付意向。金额字段一律是以 wei 为单位的十进制字符串，
// 运算在结算服务内用大整数完成，这里只承载结果。
type Order struct {
	ID                 string         `json:"id"`
	FacilitatorOrderID string         `json:"facilitator_order_id,omitempty"`
	AssetID            uint64         `json:"agent_id"`
	AgentName          string         `json:"agent_name,omitempty"`
	Payer              common.Address `json:"renter_address"`
	DurationHours      int64          `json:"hours"`
	SubtotalWei        string         `json:"subtotal_wei"`
	PlatformFeeWei     string         `json:"platform_fee_wei"`
	TotalWei           string         `json:"total_wei"`
	USDEstimate        string         `json:"usd_estimate,omitempty"`
	Status             Status         `json:"status"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Version            uint64         `json:"version"`
	CreatedAt          int64          `json:"created_at"`
	UpdatedAt          int64          `json:"updated_at"`
	Events             []*Event       `json:"events,omitempty"`
}

var (
	// ErrOrderNotFound 表示指定的订单不存在。
	ErrOrderNotFound = xerrors.New(CodeOrderNotFound, "payment order not found")
	// ErrOrderConflict 表示订单编号已存在。
	ErrOrderConflict = xerrors.New(CodeOrderConflict, "payment order already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrOrderStale 表示订单在读取后被并发修改，乐观更新被拒绝。
	ErrOrderStale = xerrors.New(CodeOrderStale, "payment order was modified concurrently")
)

const (
	CodeOrderNotFound   xerrors.Code = "ORDER_NOT_FOUND"
	CodeOrderConflict   xerrors.Code = "ORDER_CONFLICT"
	CodeOrderStale      xerrors.Code = "ORDER_STALE"
	CodeOrderValidation xerrors.Code = "ORDER_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeOrderNotFound, xerrors.Attributes{
		Message:   "payment order not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderConflict, xerrors.Attributes{
		Message:   "payment order already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderStale, xerrors.Attributes{
		Message:   "payment order was modified concurrently",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeOrderValidation, xerrors.Attributes{
		Message:   "payment order validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusAwaitingCapture, StatusCaptured, StatusRefunded, StatusDisputed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminalForCapture 报告订单是否已不允许再发起请款。
func IsTerminalForCapture(status Status) bool {
	return status == StatusRefunded || status == StatusDisputed
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneEvent(event *Event) *Event {
	if event == nil {
		return nil
	}
	clone := *event
	clone.Payload = cloneMetadata(event.Payload)
	return &clone
}

// Clone 返回订单的深拷贝，存取两侧都用它隔离内部状态。
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Metadata = cloneMetadata(o.Metadata)
	if o.Events != nil {
		clone.Events = make([]*Event, len(o.Events))
		for i, event := range o.Events {
			clone.Events[i] = cloneEvent(event)
		}
	}
	return &clone
}
