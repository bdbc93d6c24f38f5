package main

import (
	"context"
	"log"
	"time"

	"lnescrow/internal/config"
	"lnescrow/internal/db"
	"lnescrow/internal/lnd"
	"lnescrow/internal/notify"
	"lnescrow/internal/pricing"
	"lnescrow/internal/reputation"
	"lnescrow/internal/services"
	"lnescrow/internal/store"
	"lnescrow/internal/sweeper"
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

	st := store.New(pool)
	gateway := lnd.NewClient(cfg.LND.RESTEndpoint, cfg.LND.WSEndpoint, cfg.LND.MacaroonHex, cfg.LND.InvoiceExpirySeconds)
	coordinator := &services.Coordinator{
		Store:              st,
		Gateway:            gateway,
		Pricing:            pricing.New(cfg.Price.APIURL, nil),
		Notifier:           notify.FromConfig(cfg.Notify.WebhookURL),
		Rep:                reputation.Engine{MaxDisputes: cfg.Orders.MaxDisputes},
		Fee:                cfg.Orders.Fee,
		MaxPaymentAttempts: cfg.Orders.MaxPaymentAttempts,
		IsAdmin:            cfg.IsAdmin,
	}

	sw := &sweeper.Sweeper{
		Coordinator:          coordinator,
		Store:                st,
		PaymentRetryInterval: time.Duration(cfg.Orders.PaymentRetryMinutes) * time.Minute,
		ExpiryInterval:       2 * time.Minute,
		OrderExpiration:      time.Duration(cfg.Orders.ExpirationMinutes) * time.Minute,
		HoldInvoiceWindow:    time.Duration(cfg.Orders.HoldInvoiceExpirationMinutes) * time.Minute,
	}

	log.Printf("sweeper started (retry=%dm expiry=2m)", cfg.Orders.PaymentRetryMinutes)
	sw.Run(ctx)
}
