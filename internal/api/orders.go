package api

import (
	"net/http"

	"AgentLease-Chain/internal/order"
	"AgentLease-Chain/internal/settle"
)

type createOrderRequest struct {
	AgentID           uint64         `json:"agent_id"`
	AgentName         string         `json:"agent_name"`
	RenterAddress     string         `json:"renter_address"`
	Hours             int64          `json:"hours"`
	PricePerSecondWei string         `json:"price_per_second_wei"`
	PlatformFeeBps    int64          `json:"platform_fee_bps"`
	Metadata          map[string]any `json:"metadata"`
	AllowSimulation   bool           `json:"allow_simulation"`
}

type refundOrderRequest struct {
	Reason    string         `json:"reason"`
	AmountWei string         `json:"amount_wei"`
	AmountEth string         `json:"amount_eth"`
	Metadata  map[string]any `json:"metadata"`
}

type disputeOrderRequest struct {
	Reason      string         `json:"reason"`
	EvidenceURL string         `json:"evidence_url"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	payer, err := parseAddress("renter_address", req.RenterAddress)
	if err != nil {
		respondError(w, err)
		return
	}
	price, err := parseWei("price_per_second_wei", req.PricePerSecondWei)
	if err != nil {
		respondError(w, err)
		return
	}

	result, err := s.orders.CreateOrder(r.Context(), settle.CreateOrderRequest{
		AssetID:         req.AgentID,
		AgentName:       req.AgentName,
		Payer:           payer,
		DurationHours:   req.Hours,
		PricePerSecond:  price,
		PlatformFeeBps:  req.PlatformFeeBps,
		Metadata:        req.Metadata,
		AllowSimulation: req.AllowSimulation,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	payload := map[string]any{"order": result.Order}
	if result.CheckoutURL != "" {
		payload["checkout_url"] = result.CheckoutURL
	}
	respondJSON(w, http.StatusCreated, payload)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	var opts []order.ListOption

	query := r.URL.Query()
	if raw := query.Get("renter"); raw != "" {
		renter, err := parseAddress("renter", raw)
		if err != nil {
			respondError(w, err)
			return
		}
		opts = append(opts, order.WithPayer(renter))
	}
	if raw := query.Get("agent_id"); raw != "" {
		assetID, err := parseQueryUint(raw)
		if err != nil {
			respondError(w, err)
			return
		}
		opts = append(opts, order.WithAssetID(assetID))
	}
	if raw := query.Get("status"); raw != "" {
		status, ok := order.ParseStatus(raw)
		if !ok {
			respondError(w, errUnknownStatus(raw))
			return
		}
		opts = append(opts, order.WithStatuses(status))
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := parseQueryInt(raw)
		if err != nil {
			respondError(w, err)
			return
		}
		opts = append(opts, order.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := parseQueryInt(raw)
		if err != nil {
			respondError(w, err)
			return
		}
		opts = append(opts, order.WithOffset(offset))
	}

	orders, err := s.orders.List(r.Context(), opts...)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	result, err := s.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"order": result})
}

func (s *Server) handleCaptureOrder(w http.ResponseWriter, r *http.Request) {
	result, err := s.orders.Capture(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"order": result})
}

func (s *Server) handleRefundOrder(w http.ResponseWriter, r *http.Request) {
	var req refundOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	amountWei := req.AmountWei
	if amountWei == "" && req.AmountEth != "" {
		converted, err := etherToWei(req.AmountEth)
		if err != nil {
			respondError(w, err)
			return
		}
		amountWei = converted.String()
	}
	result, err := s.orders.Refund(r.Context(), r.PathValue("id"), settle.RefundRequest{
		Reason:    req.Reason,
		AmountWei: amountWei,
		Metadata:  req.Metadata,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"order": result})
}

func (s *Server) handleDisputeOrder(w http.ResponseWriter, r *http.Request) {
	var req disputeOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	result, err := s.orders.Dispute(r.Context(), r.PathValue("id"), settle.DisputeRequest{
		Reason:      req.Reason,
		EvidenceURL: req.EvidenceURL,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"order": result})
}
