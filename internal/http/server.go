package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/users", handler.Register)
	r.Get("/currencies", handler.ListCurrencies)
	r.Get("/info", handler.NodeInfo)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", handler.CreateOrder)
		r.Get("/", handler.ListOrders)
		r.Get("/{orderId}", handler.GetOrder)
		r.Post("/{orderId}/take", handler.TakeOrder)
		r.Post("/{orderId}/continue", handler.ContinueTake)
		r.Post("/{orderId}/cancel-take", handler.CancelTake)
		r.Post("/{orderId}/release", handler.Release)
		r.Post("/{orderId}/dispute", handler.Dispute)
		r.Post("/{orderId}/cancel", handler.CancelOrder)
		r.Post("/{orderId}/cooperative-cancel", handler.CooperativeCancel)
		r.Post("/{orderId}/fiat-sent", handler.FiatSent)
		r.Post("/{orderId}/invoice", handler.SetInvoice)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/users/{username}/ban", handler.AdminBanUser)
		r.Get("/orders/{orderId}", handler.AdminCheckOrder)
		r.Post("/orders/{orderId}/cancel", handler.AdminCancelOrder)
		r.Post("/orders/{orderId}/settle", handler.AdminSettleOrder)
		r.Post("/orders/{orderId}/pay-to-buyer", handler.AdminPayToBuyer)
	})

	return &Server{Router: r}
}
