// Package facilitator 封装与外部结算服务之间的远端订单生命周期调用。
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLease-Chain/internal/errors"
)

const (
	defaultTimeout = 30 * time.Second

	// 远端错误响应正文最多读取这么多字节，避免打爆日志。
	maxErrorBody = 2048
)

const (
	// CodeUnconfigured 表示结算服务的身份或凭证缺失。
	CodeUnconfigured xerrors.Code = "FACILITATOR_UNCONFIGURED"
	// CodeRemoteFailure 表示远端结算调用失败，可由上层决定是否重试。
	CodeRemoteFailure xerrors.Code = "FACILITATOR_FAILURE"
)

func init() {
	xerrors.Register(CodeUnconfigured, xerrors.Attributes{
		Message:   "facilitator identity or credential is missing",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRemoteFailure, xerrors.Attributes{
		Message:   "facilitator remote call failed",
		Severity:  xerrors.SeverityError,
		Retryable: true,
		Alert:     true,
	})
}

// ErrNotConfigured 在缺失身份或凭证时由各远端操作直接返回。
var ErrNotConfigured = xerrors.New(CodeUnconfigured, "结算服务未配置身份或凭证")

// Config 描述调用远端结算服务所需的信息。
type Config struct {
	BaseURL  string
	Identity string
	APIKey   string
	Timeout  time.Duration
}

// Client 通过 HTTP 驱动远端订单的创建、请款、退款与争议。
// 客户端自身不做重试，重试策略由调用方决定。
type Client struct {
	baseURL    string
	identity   string
	apiKey     string
	httpClient *http.Client
}

// NewClient 根据配置创建结算客户端。身份或凭证缺失不算错误，
// 此时 IsConfigured 返回 false，由编排层决定降级到模拟模式。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:  baseURL,
		identity: strings.TrimSpace(cfg.Identity),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsConfigured 报告身份与凭证是否齐备。
func (c *Client) IsConfigured() bool {
	return c != nil && c.identity != "" && c.apiKey != ""
}

// CreateRequest 描述一次远端订单创建。
type CreateRequest struct {
	AmountWei string
	Payer     common.Address
	Metadata  map[string]any
}

// CreateResult 是远端订单创建的返回值。
type CreateResult struct {
	RemoteID    string
	Status      string
	CheckoutURL string
}

// StatusResult 承载请款、退款与争议操作返回的远端状态。
type StatusResult struct {
	Status string
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

// CreateOrder 在远端创建一笔结算订单。远端响应缺少订单编号视为失败。
func (c *Client) CreateOrder(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	body := map[string]any{
		"identity": c.identity,
		"amount":   req.AmountWei,
		"payer":    strings.ToLower(req.Payer.Hex()),
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var decoded struct {
		ID          string `json:"id"`
		OrderID     string `json:"order_id"`
		Status      string `json:"status"`
		CheckoutURL string `json:"checkout_url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/orders", body, &decoded); err != nil {
		return nil, err
	}

	remoteID := strings.TrimSpace(decoded.ID)
	if remoteID == "" {
		remoteID = strings.TrimSpace(decoded.OrderID)
	}
	if remoteID == "" {
		return nil, xerrors.New(CodeRemoteFailure, "结算服务响应中缺少订单编号")
	}

	return &CreateResult{
		RemoteID:    remoteID,
		Status:      strings.TrimSpace(decoded.Status),
		CheckoutURL: strings.TrimSpace(decoded.CheckoutURL),
	}, nil
}

// CaptureOrder 对远端订单发起请款。
func (c *Client) CaptureOrder(ctx context.Context, remoteID string) (*StatusResult, error) {
	return c.statusCall(ctx, remoteID, "capture", map[string]any{"identity": c.identity})
}

// RefundOrder 对远端订单发起退款。
func (c *Client) RefundOrder(ctx context.Context, remoteID string, req RefundRequest) (*StatusResult, error) {
	body := map[string]any{"identity": c.identity}
	if strings.TrimSpace(req.Reason) != "" {
		body["reason"] = req.Reason
	}
	if strings.TrimSpace(req.AmountWei) != "" {
		body["amount"] = req.AmountWei
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}
	return c.statusCall(ctx, remoteID, "refund", body)
}

// DisputeOrder 将远端订单标记为争议。
func (c *Client) DisputeOrder(ctx context.Context, remoteID string, req DisputeRequest) (*StatusResult, error) {
	body := map[string]any{
		"identity": c.identity,
		"reason":   req.Reason,
	}
	if strings.TrimSpace(req.EvidenceURL) != "" {
		body["evidence_url"] = req.EvidenceURL
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}
	return c.statusCall(ctx, remoteID, "dispute", body)
}

// FetchOrder 拉取远端订单的原始状态，用于对账。
func (c *Client) FetchOrder(ctx context.Context, remoteID string) (map[string]any, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(remoteID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "远端订单编号不能为空")
	}

	var decoded map[string]any
	path := "/v1/orders/" + url.PathEscape(remoteID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func (c *Client) statusCall(ctx context.Context, remoteID, action string, body map[string]any) (*StatusResult, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(remoteID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "远端订单编号不能为空")
	}

	var decoded struct {
		Status string `json:"status"`
	}
	path := "/v1/orders/" + url.PathEscape(remoteID) + "/" + action
	if err := c.doJSON(ctx, http.MethodPost, path, body, &decoded); err != nil {
		return nil, err
	}
	return &StatusResult{Status: strings.TrimSpace(decoded.Status)}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if c.baseURL == "" {
		return xerrors.New(CodeUnconfigured, "结算服务地址未配置")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码结算请求失败")
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return xerrors.Wrap(CodeRemoteFailure, err, "构建结算请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Facilitator-Identity", c.identity)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(CodeRemoteFailure, err, "请求结算服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return xerrors.New(CodeRemoteFailure,
			fmt.Sprintf("结算服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(CodeRemoteFailure, err, "解析结算响应失败")
	}
	return nil
}
