package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lnescrow/internal/config"
	"lnescrow/internal/db"
	internalhttp "lnescrow/internal/http"
	"lnescrow/internal/lnd"
	"lnescrow/internal/models"
	"lnescrow/internal/notify"
	"lnescrow/internal/pricing"
	"lnescrow/internal/reputation"
	"lnescrow/internal/services"
	"lnescrow/internal/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer cache.Close()
	}

	st := store.New(pool)
	gateway := lnd.NewClient(cfg.LND.RESTEndpoint, cfg.LND.WSEndpoint, cfg.LND.MacaroonHex, cfg.LND.InvoiceExpirySeconds)
	coordinator := &services.Coordinator{
		Store:              st,
		Gateway:            gateway,
		Pricing:            pricing.New(cfg.Price.APIURL, cache),
		Notifier:           notify.FromConfig(cfg.Notify.WebhookURL),
		Rep:                reputation.Engine{MaxDisputes: cfg.Orders.MaxDisputes},
		Fee:                cfg.Orders.Fee,
		MaxPaymentAttempts: cfg.Orders.MaxPaymentAttempts,
		IsAdmin:            cfg.IsAdmin,
	}

	resubscribeHeldInvoices(ctx, st, gateway, coordinator)

	h := internalhttp.NewHandler(coordinator)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		log.Printf("api listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

// resubscribeHeldInvoices re-attaches invoice subscriptions for orders whose
// escrow outlived the last process. Without this a restart would leave paid
// hold invoices unwatched.
func resubscribeHeldInvoices(ctx context.Context, st *store.Store, gateway *lnd.Client, coordinator *services.Coordinator) {
	watched := []models.OrderStatus{
		models.OrderWaitingPayment,
		models.OrderActive,
		models.OrderFiatSent,
		models.OrderDispute,
	}
	count := 0
	for _, status := range watched {
		orders, err := st.ListStaleOrders(ctx, status, time.Now().UTC())
		if err != nil {
			log.Printf("resubscribe: list %s orders failed: %v", status, err)
			continue
		}
		for _, order := range orders {
			if !order.HasHoldInvoice() {
				continue
			}
			gateway.SubscribeInvoice(ctx, *order.Hash, coordinator.OnInvoiceUpdate)
			count++
		}
	}
	if count > 0 {
		log.Printf("resubscribed to %d held invoices", count)
	}
}
