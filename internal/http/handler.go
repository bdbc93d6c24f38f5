package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"lnescrow/internal/models"
	"lnescrow/internal/pricing"
	"lnescrow/internal/services"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Coordinator *services.Coordinator
}

func NewHandler(coordinator *services.Coordinator) *Handler {
	return &Handler{Coordinator: coordinator}
}

type registerRequest struct {
	Username string `json:"username"`
}

type createOrderRequest struct {
	Type            string  `json:"type"`
	Amount          int64   `json:"amount"`
	FiatAmount      float64 `json:"fiatAmount"`
	FiatCode        string  `json:"fiatCode"`
	PaymentMethod   string  `json:"paymentMethod"`
	ShowUsername    bool    `json:"showUsername"`
	ChannelMessage1 string  `json:"channelMessage1"`
	ChannelMessage2 string  `json:"channelMessage2"`
}

type setInvoiceRequest struct {
	PaymentRequest string `json:"paymentRequest"`
}

type orderResponse struct {
	OrderID       string  `json:"orderId"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Amount        int64   `json:"amount"`
	Fee           int64   `json:"fee"`
	FiatAmount    float64 `json:"fiatAmount"`
	FiatCode      string  `json:"fiatCode"`
	PaymentMethod string  `json:"paymentMethod"`
	CreatorID     string  `json:"creatorId"`
	BuyerID       string  `json:"buyerId,omitempty"`
	SellerID      string  `json:"sellerId,omitempty"`
	TakenAt       string  `json:"takenAt,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := h.Coordinator.Register(r.Context(), userID(r), req.Username)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   user.ID,
		"username": user.Username,
	})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	order, err := h.Coordinator.CreateOrder(r.Context(), userID(r), services.CreateOrderParams{
		Type:            models.OrderType(req.Type),
		Amount:          req.Amount,
		FiatAmount:      req.FiatAmount,
		FiatCode:        req.FiatCode,
		PaymentMethod:   req.PaymentMethod,
		ShowUsername:    req.ShowUsername,
		ChannelMessage1: req.ChannelMessage1,
		ChannelMessage2: req.ChannelMessage2,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Coordinator.ListOrders(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, toOrderResponse(order))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Coordinator.GetOrderForUser(r.Context(), orderID(r), userID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) TakeOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Coordinator.TakeOrder(r.Context(), orderID(r), userID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) ContinueTake(w http.ResponseWriter, r *http.Request) {
	request, err := h.Coordinator.ContinueTake(r.Context(), orderID(r), userID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paymentRequest": request})
}

func (h *Handler) CancelTake(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.Coordinator.CancelTake)
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.Coordinator.Release)
}

func (h *Handler) Dispute(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.Coordinator.Dispute)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.Coordinator.CancelOrder)
}

func (h *Handler) CooperativeCancel(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.Coordinator.CooperativeCancel)
}

func (h *Handler) FiatSent(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.Coordinator.FiatSent)
}

func (h *Handler) SetInvoice(w http.ResponseWriter, r *http.Request) {
	var req setInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.Coordinator.SetInvoice(r.Context(), orderID(r), userID(r), req.PaymentRequest); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (h *Handler) ListCurrencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pricing.List())
}

func (h *Handler) NodeInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.Coordinator.NodeInfo(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "node unavailable")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) AdminBanUser(w http.ResponseWriter, r *http.Request) {
	if err := h.Coordinator.AdminBanUser(r.Context(), userID(r), chi.URLParam(r, "username")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "banned"})
}

func (h *Handler) AdminCheckOrder(w http.ResponseWriter, r *http.Request) {
	report, err := h.Coordinator.AdminCheckOrder(r.Context(), userID(r), orderID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) AdminCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.Coordinator.AdminCancelOrder(r.Context(), userID(r), orderID(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "canceled"})
}

func (h *Handler) AdminSettleOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.Coordinator.AdminSettleOrder(r.Context(), userID(r), orderID(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "settled"})
}

func (h *Handler) AdminPayToBuyer(w http.ResponseWriter, r *http.Request) {
	if err := h.Coordinator.AdminPayToBuyer(r.Context(), userID(r), orderID(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "paid"})
}

func (h *Handler) simpleAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, orderID, userID string) error) {
	if err := action(r.Context(), orderID(r), userID(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

func orderID(r *http.Request) string {
	return chi.URLParam(r, "orderId")
}

func toOrderResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:       order.ID,
		Type:          string(order.Type),
		Status:        string(order.Status),
		Amount:        order.Amount,
		Fee:           order.Fee,
		FiatAmount:    order.FiatAmount,
		FiatCode:      order.FiatCode,
		PaymentMethod: order.PaymentMethod,
		CreatorID:     order.CreatorID,
		CreatedAt:     order.CreatedAt.Format(time.RFC3339),
	}
	if order.BuyerID != nil {
		resp.BuyerID = *order.BuyerID
	}
	if order.SellerID != nil {
		resp.SellerID = *order.SellerID
	}
	if order.TakenAt != nil {
		resp.TakenAt = order.TakenAt.Format(time.RFC3339)
	}
	return resp
}
