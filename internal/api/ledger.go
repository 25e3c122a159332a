package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLease-Chain/internal/errors"
	"AgentLease-Chain/internal/observability/metrics"
	"AgentLease-Chain/pkg/logger"
)

type mintAgentRequest struct {
	Caller      string `json:"caller"`
	Beneficiary string `json:"beneficiary"`
}

type setPriceRequest struct {
	Caller            string `json:"caller"`
	PricePerSecondWei string `json:"price_per_second_wei"`
}

type rentRequest struct {
	Renter          string `json:"renter"`
	DurationSeconds int64  `json:"duration_seconds"`
	PaymentWei      string `json:"payment_wei"`
}

type purchaseCreditsRequest struct {
	Buyer      string `json:"buyer"`
	PaymentWei string `json:"payment_wei"`
}

type spendCreditsRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
	Nonce   string `json:"nonce"`
}

type withdrawRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleMintAgent(w http.ResponseWriter, r *http.Request) {
	var req mintAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	caller, err := callerAddress(r, req.Caller)
	if err != nil {
		respondError(w, err)
		return
	}
	beneficiary, err := parseAddress("beneficiary", req.Beneficiary)
	if err != nil {
		respondError(w, err)
		return
	}

	assetID, err := s.ledger.MintAsset(caller, beneficiary)
	metrics.ObserveLedgerOperation("mint", err)
	if err != nil {
		respondError(w, err)
		return
	}
	logger.Audit().Info("铸造智能体",
		slog.Uint64("agent_id", assetID),
		slog.String("beneficiary", beneficiary.Hex()),
	)
	respondJSON(w, http.StatusCreated, map[string]any{
		"agent_id":    assetID,
		"beneficiary": beneficiary.Hex(),
	})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	assetID, err := parseAssetID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req setPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	caller, err := callerAddress(r, req.Caller)
	if err != nil {
		respondError(w, err)
		return
	}
	price, err := parseWei("price_per_second_wei", req.PricePerSecondWei)
	if err != nil {
		respondError(w, err)
		return
	}

	err = s.ledger.SetPrice(caller, assetID, price)
	metrics.ObserveLedgerOperation("set_price", err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"agent_id":             assetID,
		"price_per_second_wei": price.String(),
	})
}

func (s *Server) handleRent(w http.ResponseWriter, r *http.Request) {
	assetID, err := parseAssetID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req rentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	renter, err := callerAddress(r, req.Renter)
	if err != nil {
		respondError(w, err)
		return
	}
	payment, err := parseWei("payment_wei", req.PaymentWei)
	if err != nil {
		respondError(w, err)
		return
	}
	if req.DurationSeconds <= 0 {
		respondError(w, xerrors.New(xerrors.CodeInvalidArgument, "duration_seconds 必须为正整数"))
		return
	}

	lease, err := s.ledger.Rent(renter, assetID, req.DurationSeconds, payment)
	metrics.ObserveLedgerOperation("rent", err)
	if err != nil {
		respondError(w, err)
		return
	}
	logger.Audit().Info("租用智能体",
		slog.Uint64("agent_id", lease.AssetID),
		slog.String("renter", lease.Lessee.Hex()),
		slog.Int64("expires_at", lease.ExpiresAt),
	)
	respondJSON(w, http.StatusOK, map[string]any{
		"agent_id":   lease.AssetID,
		"renter":     lease.Lessee.Hex(),
		"expires_at": lease.ExpiresAt,
	})
}

func (s *Server) handleRental(w http.ResponseWriter, r *http.Request) {
	assetID, err := parseAssetID(r)
	if err != nil {
		respondError(w, err)
		return
	}

	if raw := r.URL.Query().Get("renter"); raw != "" {
		renter, err := parseAddress("renter", raw)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"agent_id": assetID,
			"renter":   renter.Hex(),
			"active":   s.ledger.IsRentalActive(assetID, renter),
		})
		return
	}

	lease, ok := s.ledger.ActiveRental(assetID)
	if !ok {
		respondError(w, xerrors.New(xerrors.CodeNotFound, "该智能体当前没有有效租约"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"agent_id":   lease.AssetID,
		"renter":     lease.Lessee.Hex(),
		"expires_at": lease.ExpiresAt,
	})
}

func (s *Server) handlePurchaseCredits(w http.ResponseWriter, r *http.Request) {
	var req purchaseCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	buyer, err := callerAddress(r, req.Buyer)
	if err != nil {
		respondError(w, err)
		return
	}
	payment, err := parseWei("payment_wei", req.PaymentWei)
	if err != nil {
		respondError(w, err)
		return
	}

	credits, err := s.ledger.PurchaseCredits(buyer, payment)
	metrics.ObserveLedgerOperation("purchase_credits", err)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"buyer":   buyer.Hex(),
		"credits": credits.String(),
		"balance": s.ledger.CreditBalance(buyer).String(),
	})
}

func (s *Server) handleSpendCredits(w http.ResponseWriter, r *http.Request) {
	var req spendCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	caller, err := callerAddress(r, req.Caller)
	if err != nil {
		respondError(w, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		respondError(w, err)
		return
	}
	amount, err := parseWei("amount", req.Amount)
	if err != nil {
		respondError(w, err)
		return
	}
	nonce, err := parseNonce(req.Nonce)
	if err != nil {
		respondError(w, err)
		return
	}

	balance, err := s.ledger.SpendCredits(caller, account, amount, nonce)
	metrics.ObserveLedgerOperation("spend_credits", err)
	if err != nil {
		respondError(w, err)
		return
	}
	logger.Audit().Info("扣减积分",
		slog.String("account", account.Hex()),
		slog.String("amount", amount.String()),
		slog.String("nonce", nonce.Hex()),
	)
	respondJSON(w, http.StatusOK, map[string]any{
		"account": account.Hex(),
		"balance": balance.String(),
	})
}

func (s *Server) handleCreditBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account": account.Hex(),
		"balance": s.ledger.CreditBalance(account).String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	caller, err := callerAddress(r, req.Caller)
	if err != nil {
		respondError(w, err)
		return
	}

	amount, err := s.ledger.Withdraw(caller)
	metrics.ObserveLedgerOperation("withdraw", err)
	if err != nil {
		respondError(w, err)
		return
	}
	logger.Audit().Info("提取账本留存",
		slog.String("owner", caller.Hex()),
		slog.String("amount_wei", amount.String()),
	)
	respondJSON(w, http.StatusOK, map[string]any{
		"amount_wei": amount.String(),
	})
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	beneficiary, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"beneficiary":  beneficiary.Hex(),
		"earnings_wei": s.ledger.Earnings(beneficiary).String(),
	})
}

func (s *Server) handleNonceUsed(w http.ResponseWriter, r *http.Request) {
	nonce, err := parseNonce(r.PathValue("nonce"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"nonce": nonce.Hex(),
		"used":  s.ledger.NonceUsed(nonce),
	})
}

// parseNonce 要求 32 字节的十六进制回放防护凭据。
func parseNonce(raw string) (common.Hash, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 66 {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "nonce 必须是 0x 开头的 32 字节十六进制串")
	}
	return common.HexToHash(trimmed), nil
}
