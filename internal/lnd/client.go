// Package lnd wraps the Lightning node's REST surface: hold invoice
// creation, settlement, cancellation, payouts and the invoice event stream.
package lnd

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL     string
	wsURL       string
	macaroonHex string
	expiry      int64
	client      *http.Client
}

func NewClient(restEndpoint, wsEndpoint, macaroonHex string, invoiceExpiry int64) *Client {
	return &Client{
		baseURL:     strings.TrimRight(restEndpoint, "/"),
		wsURL:       strings.TrimRight(wsEndpoint, "/"),
		macaroonHex: macaroonHex,
		expiry:      invoiceExpiry,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// HoldInvoice is a newly created hold invoice. Secret is the preimage; it is
// generated locally and never leaves the process except through a settle call.
type HoldInvoice struct {
	Request string
	Hash    string
	Secret  string
}

type Info struct {
	Alias             string `json:"alias"`
	IdentityPubkey    string `json:"identity_pubkey"`
	Version           string `json:"version"`
	NumActiveChannels int    `json:"num_active_channels"`
	SyncedToChain     bool   `json:"synced_to_chain"`
	BlockHeight       int64  `json:"block_height"`
}

// CreateHoldInvoice generates a preimage locally, derives the payment hash
// and asks the node to publish a hold invoice for it.
func (c *Client) CreateHoldInvoice(ctx context.Context, description string, amount int64) (*HoldInvoice, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	hash := sha256.Sum256(secret)

	body := map[string]any{
		"memo":   description,
		"hash":   base64.StdEncoding.EncodeToString(hash[:]),
		"value":  amount,
		"expiry": c.expiry,
	}
	var resp struct {
		PaymentRequest string `json:"payment_request"`
	}
	if err := c.postJSON(ctx, "/v2/invoices/hodl", body, &resp); err != nil {
		return nil, err
	}
	return &HoldInvoice{
		Request: resp.PaymentRequest,
		Hash:    hex.EncodeToString(hash[:]),
		Secret:  hex.EncodeToString(secret),
	}, nil
}

// SettleHoldInvoice reveals the preimage. Irrevocable: the held payment
// completes and the funds belong to the node.
func (c *Client) SettleHoldInvoice(ctx context.Context, secret string) error {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("bad preimage: %w", err)
	}
	body := map[string]any{"preimage": base64.StdEncoding.EncodeToString(raw)}
	return c.postJSON(ctx, "/v2/invoices/settle", body, nil)
}

// CancelHoldInvoice releases the payer's held funds back to them.
func (c *Client) CancelHoldInvoice(ctx context.Context, hash string) error {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return fmt.Errorf("bad payment hash: %w", err)
	}
	body := map[string]any{"payment_hash": base64.StdEncoding.EncodeToString(raw)}
	return c.postJSON(ctx, "/v2/invoices/cancel", body, nil)
}

// PayInvoice pays an arbitrary payment request. amount is passed only when
// the request itself carries no amount.
func (c *Client) PayInvoice(ctx context.Context, paymentRequest string, amount int64) error {
	body := map[string]any{"payment_request": paymentRequest}
	if amount > 0 {
		body["amt"] = amount
	}
	var resp struct {
		PaymentError string `json:"payment_error"`
	}
	if err := c.postJSON(ctx, "/v1/channels/transactions", body, &resp); err != nil {
		return err
	}
	if resp.PaymentError != "" {
		return fmt.Errorf("payment failed: %s", resp.PaymentError)
	}
	return nil
}

func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.getJSON(ctx, "/v1/getinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Content-Type", "application/json")
	if c.macaroonHex != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.macaroonHex)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("lnd http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("lnd http status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
