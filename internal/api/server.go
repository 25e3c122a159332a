package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"AgentLease-Chain/internal/auth"
	xerrors "AgentLease-Chain/internal/errors"
	"AgentLease-Chain/internal/facilitator"
	"AgentLease-Chain/internal/ledger"
	"AgentLease-Chain/internal/observability/metrics"
	"AgentLease-Chain/internal/order"
	"AgentLease-Chain/internal/settle"
)

// Server 负责暴露 REST 接口，供外部驱动结算核心。
type Server struct {
	addr   string
	orders *settle.Service
	ledger *ledger.Ledger
	auth   *auth.Service
}

// ServerOption 定义可选配置。
type ServerOption func(*Server)

// WithAuth 启用调用方认证中间件。
func WithAuth(service *auth.Service) ServerOption {
	return func(s *Server) {
		s.auth = service
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orders *settle.Service, led *ledger.Ledger, opts ...ServerOption) *Server {
	s := &Server{addr: addr, orders: orders, ledger: led}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回组装好的路由，测试直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/orders", s.instrument("orders", s.handleCreateOrder))
	mux.HandleFunc("GET /api/v1/orders", s.instrument("orders", s.handleListOrders))
	mux.HandleFunc("GET /api/v1/orders/{id}", s.instrument("order", s.handleGetOrder))
	mux.HandleFunc("POST /api/v1/orders/{id}/capture", s.instrument("order_capture", s.handleCaptureOrder))
	mux.HandleFunc("POST /api/v1/orders/{id}/refund", s.instrument("order_refund", s.handleRefundOrder))
	mux.HandleFunc("POST /api/v1/orders/{id}/dispute", s.instrument("order_dispute", s.handleDisputeOrder))

	mux.HandleFunc("POST /api/v1/agents", s.instrument("agents", s.handleMintAgent))
	mux.HandleFunc("POST /api/v1/agents/{id}/price", s.instrument("agent_price", s.handleSetPrice))
	mux.HandleFunc("POST /api/v1/agents/{id}/rent", s.instrument("agent_rent", s.handleRent))
	mux.HandleFunc("GET /api/v1/agents/{id}/rental", s.instrument("agent_rental", s.handleRental))

	mux.HandleFunc("POST /api/v1/credits/purchase", s.instrument("credits_purchase", s.handlePurchaseCredits))
	mux.HandleFunc("POST /api/v1/credits/spend", s.instrument("credits_spend", s.handleSpendCredits))
	mux.HandleFunc("GET /api/v1/credits/{address}", s.instrument("credits_balance", s.handleCreditBalance))
	mux.HandleFunc("GET /api/v1/credits/nonces/{nonce}", s.instrument("credits_nonce", s.handleNonceUsed))
	mux.HandleFunc("POST /api/v1/ledger/withdraw", s.instrument("ledger_withdraw", s.handleWithdraw))
	mux.HandleFunc("GET /api/v1/ledger/earnings/{address}", s.instrument("ledger_earnings", s.handleEarnings))

	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware()(handler)
	}
	return handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrument 为每个路由记录请求计数与耗时。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func decodeJSON(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, httpStatusOf(err), map[string]any{
		"error": errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()},
	})
}

// httpStatusOf 把统一错误码翻译成 HTTP 状态码。
func httpStatusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, settle.CodeSettleValidation, settle.CodeNoRemoteOrder,
		order.CodeOrderValidation, ledger.CodeLedgerPaymentMismatch:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized, ledger.CodeLedgerUnauthorized:
		return http.StatusForbidden
	case xerrors.CodeNotFound, order.CodeOrderNotFound, ledger.CodeLedgerAssetNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeReplayDetected, xerrors.CodeStale,
		order.CodeOrderConflict, order.CodeOrderStale, settle.CodeStateConflict,
		ledger.CodeCreditNonceReused, ledger.CodeLedgerNotForRent:
		return http.StatusConflict
	case xerrors.CodeInsufficientFunds, ledger.CodeLedgerInsufficientPayment,
		ledger.CodeCreditPaymentTooLow, ledger.CodeCreditInsufficient:
		return http.StatusPaymentRequired
	case facilitator.CodeRemoteFailure:
		return http.StatusBadGateway
	case facilitator.CodeUnconfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// callerAddress 解析本次调用的链上身份。开启认证时以 API Key 绑定的
// 地址为准，请求体声明的地址只在认证关闭时生效。
func callerAddress(r *http.Request, declared string) (common.Address, error) {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		return subject.Address, nil
	}
	return parseAddress("caller", declared)
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, field+" 不是合法的十六进制地址")
	}
	return common.HexToAddress(trimmed), nil
}

func parseWei(field, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, field+" 必须是十进制的非负 wei 数")
	}
	return value, nil
}

// etherToWei 把十进制的 ETH 金额换算成 wei，换算后必须是整数。
func etherToWei(raw string) (*big.Int, error) {
	amount, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount_eth 必须是十进制的非负数值")
	}
	wei := new(big.Rat).Mul(amount, new(big.Rat).SetInt(big.NewInt(params.Ether)))
	if !wei.IsInt() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount_eth 的精度超出 wei")
	}
	return wei.Num(), nil
}

func parseQueryUint(raw string) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "查询参数必须是非负整数")
	}
	return value, nil
}

func parseQueryInt(raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "查询参数必须是非负整数")
	}
	return value, nil
}

func errUnknownStatus(raw string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "未知的订单状态: "+raw)
}

func parseAssetID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "智能体编号必须是正整数")
	}
	return id, nil
}
