// Package pricing resolves fiat amounts to satoshis through an external
// rate API and knows which fiat currencies orders may be denominated in.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrUnknownCurrency = errors.New("unknown fiat currency")
	ErrPriceUnavailable = errors.New("price feed unavailable")
)

const (
	priceCacheKey = "price:%s"
	priceCacheTTL = 2 * time.Minute
	satsPerBtc    = 100_000_000
)

type Service struct {
	apiURL string
	client *http.Client
	cache  *redis.Client // nil disables caching
}

// New builds a pricing service. cache may be nil.
func New(apiURL string, cache *redis.Client) *Service {
	return &Service{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  cache,
	}
}

// BtcFiatRate returns the fiat-per-BTC rate for the currency.
func (s *Service) BtcFiatRate(ctx context.Context, fiatCode string) (float64, error) {
	fiatCode = strings.ToUpper(fiatCode)
	if !IsSupported(fiatCode) {
		return 0, ErrUnknownCurrency
	}

	if s.cache != nil {
		if v, err := s.cache.Get(ctx, fmt.Sprintf(priceCacheKey, fiatCode)).Result(); err == nil {
			if rate, err := strconv.ParseFloat(v, 64); err == nil && rate > 0 {
				return rate, nil
			}
		}
	}

	rate, err := s.fetchRate(ctx, fiatCode)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, fmt.Sprintf(priceCacheKey, fiatCode),
			strconv.FormatFloat(rate, 'f', -1, 64), priceCacheTTL).Err()
	}
	return rate, nil
}

// SatsForFiat converts a fiat amount to satoshis at the current rate,
// rounded down.
func (s *Service) SatsForFiat(ctx context.Context, fiatCode string, fiatAmount float64) (int64, error) {
	rate, err := s.BtcFiatRate(ctx, fiatCode)
	if err != nil {
		return 0, err
	}
	if rate <= 0 {
		return 0, ErrPriceUnavailable
	}
	return int64(math.Floor(fiatAmount / rate * satsPerBtc)), nil
}

func (s *Service) fetchRate(ctx context.Context, fiatCode string) (float64, error) {
	endpoint := s.apiURL + "/rate/" + fiatCode
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("%w: status %d %s", ErrPriceUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Rate float64 `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if out.Rate <= 0 {
		return 0, ErrPriceUnavailable
	}
	return out.Rate, nil
}
