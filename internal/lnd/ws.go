package lnd

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// InvoiceState is the node's view of a hold invoice.
type InvoiceState string

const (
	InvoiceOpen     InvoiceState = "OPEN"
	InvoiceAccepted InvoiceState = "ACCEPTED" // payment held, not yet settled
	InvoiceSettled  InvoiceState = "SETTLED"
	InvoiceCanceled InvoiceState = "CANCELED"
)

// InvoiceUpdate is one event from the invoice subscription stream.
type InvoiceUpdate struct {
	Hash  string
	State InvoiceState
}

// InvoiceHandler reacts to invoice state changes. It must tolerate duplicate
// deliveries: reconnects replay the current state.
type InvoiceHandler func(ctx context.Context, update InvoiceUpdate)

// SubscribeInvoice streams state changes for one invoice until the invoice
// reaches a final state or ctx is done. It runs in its own goroutine and
// reconnects on transient failures.
func (c *Client) SubscribeInvoice(ctx context.Context, hash string, handler InvoiceHandler) {
	go c.subscribeLoop(ctx, hash, handler)
}

func (c *Client) subscribeLoop(ctx context.Context, hash string, handler InvoiceHandler) {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		log.Printf("subscribe invoice %s: bad hash: %v", hash, err)
		return
	}
	endpoint := c.wsURL + "/v2/invoices/subscribe/" + base64.RawURLEncoding.EncodeToString(raw) + "?method=GET"

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		done, err := c.streamInvoice(ctx, endpoint, hash, handler)
		if done {
			return
		}
		if err != nil {
			log.Printf("invoice stream %s: %v", hash, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

// streamInvoice reads one websocket session. It returns done=true once the
// invoice hits a final state.
func (c *Client) streamInvoice(ctx context.Context, endpoint, hash string, handler InvoiceHandler) (bool, error) {
	header := http.Header{}
	if c.macaroonHex != "" {
		header.Set("Grpc-Metadata-Macaroon", c.macaroonHex)
	}
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	for {
		var env struct {
			Result struct {
				State string `json:"state"`
			} `json:"result"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			return false, err
		}
		if env.Error != nil {
			log.Printf("invoice stream %s: node error: %s", hash, env.Error.Message)
			continue
		}
		state := InvoiceState(env.Result.State)
		if state == "" {
			continue
		}

		handler(ctx, InvoiceUpdate{Hash: hash, State: state})

		if state == InvoiceSettled || state == InvoiceCanceled {
			return true, nil
		}
	}
}
