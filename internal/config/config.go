package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`
	LND struct {
		RESTEndpoint         string `yaml:"rest_endpoint"`
		WSEndpoint           string `yaml:"ws_endpoint"`
		MacaroonHex          string `yaml:"macaroon_hex"`
		InvoiceExpirySeconds int64  `yaml:"invoice_expiry_seconds"`
	} `yaml:"lnd"`
	Price struct {
		APIURL string `yaml:"api_url"`
	} `yaml:"price"`
	Orders struct {
		Fee                          float64 `yaml:"fee"`
		ExpirationMinutes            int     `yaml:"expiration_minutes"`
		HoldInvoiceExpirationMinutes int     `yaml:"hold_invoice_expiration_minutes"`
		MaxDisputes                  int     `yaml:"max_disputes"`
		MaxPaymentAttempts           int     `yaml:"max_payment_attempts"`
		PaymentRetryMinutes          int     `yaml:"payment_retry_minutes"`
	} `yaml:"orders"`
	Admin struct {
		UserIDs []string `yaml:"user_ids"`
	} `yaml:"admin"`
	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notify"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.LND.RESTEndpoint == "" {
		return nil, errors.New("lnd.rest_endpoint is required")
	}
	if cfg.Orders.Fee < 0 || cfg.Orders.Fee >= 1 {
		return nil, errors.New("orders.fee must be a fraction in [0,1)")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LND.InvoiceExpirySeconds == 0 {
		cfg.LND.InvoiceExpirySeconds = 3600
	}
	if cfg.Orders.ExpirationMinutes == 0 {
		cfg.Orders.ExpirationMinutes = 24 * 60
	}
	if cfg.Orders.HoldInvoiceExpirationMinutes == 0 {
		cfg.Orders.HoldInvoiceExpirationMinutes = 60
	}
	if cfg.Orders.MaxDisputes == 0 {
		cfg.Orders.MaxDisputes = 8
	}
	if cfg.Orders.MaxPaymentAttempts == 0 {
		cfg.Orders.MaxPaymentAttempts = 3
	}
	if cfg.Orders.PaymentRetryMinutes == 0 {
		cfg.Orders.PaymentRetryMinutes = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LND_REST_ENDPOINT"); v != "" {
		cfg.LND.RESTEndpoint = v
	}
	if v := os.Getenv("LND_WS_ENDPOINT"); v != "" {
		cfg.LND.WSEndpoint = v
	}
	if v := os.Getenv("LND_MACAROON_HEX"); v != "" {
		cfg.LND.MacaroonHex = v
	}
	if v := os.Getenv("LND_INVOICE_EXPIRY_SECONDS"); v != "" {
		cfg.LND.InvoiceExpirySeconds = atoi64Or(cfg.LND.InvoiceExpirySeconds, v)
	}
	if v := os.Getenv("PRICE_API_URL"); v != "" {
		cfg.Price.APIURL = v
	}
	if v := os.Getenv("FEE"); v != "" {
		cfg.Orders.Fee = atofOr(cfg.Orders.Fee, v)
	}
	if v := os.Getenv("ORDER_EXPIRATION_MINUTES"); v != "" {
		cfg.Orders.ExpirationMinutes = atoiOr(cfg.Orders.ExpirationMinutes, v)
	}
	if v := os.Getenv("HOLD_INVOICE_EXPIRATION_MINUTES"); v != "" {
		cfg.Orders.HoldInvoiceExpirationMinutes = atoiOr(cfg.Orders.HoldInvoiceExpirationMinutes, v)
	}
	if v := os.Getenv("MAX_DISPUTES"); v != "" {
		cfg.Orders.MaxDisputes = atoiOr(cfg.Orders.MaxDisputes, v)
	}
	if v := os.Getenv("MAX_PAYMENT_ATTEMPTS"); v != "" {
		cfg.Orders.MaxPaymentAttempts = atoiOr(cfg.Orders.MaxPaymentAttempts, v)
	}
	if v := os.Getenv("PAYMENT_RETRY_MINUTES"); v != "" {
		cfg.Orders.PaymentRetryMinutes = atoiOr(cfg.Orders.PaymentRetryMinutes, v)
	}
	if v := os.Getenv("ADMIN_USER_IDS"); v != "" {
		cfg.Admin.UserIDs = splitCommaList(v)
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
}

// IsAdmin reports whether the user id is in the configured admin list.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.Admin.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func atofOr(fallback float64, v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
