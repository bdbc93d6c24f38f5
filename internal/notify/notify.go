// Package notify carries transition events to the front end. The coordinator
// only promises the correct party set per transition; rendering is the front
// end's problem.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Event is one named notification addressed to one or more users.
type Event struct {
	Name       string         `json:"name"`
	OrderID    string         `json:"order_id,omitempty"`
	Recipients []string       `json:"recipients"`
	Data       map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier prints events; the default when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, event Event) {
	log.Printf("notify %s order=%s to=%s", event.Name, event.OrderID, strings.Join(event.Recipients, ","))
}

// WebhookNotifier posts events to the chat front end. Delivery is best
// effort: a lost notification never blocks or rolls back a transition.
type WebhookNotifier struct {
	URL    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("notify %s: marshal: %v", event.Name, err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		log.Printf("notify %s: %v", event.Name, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("notify %s: %v", event.Name, err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		log.Printf("notify %s: webhook status %d", event.Name, resp.StatusCode)
	}
}

// FromConfig picks the webhook notifier when a URL is set, logging otherwise.
func FromConfig(webhookURL string) Notifier {
	if webhookURL != "" {
		return NewWebhookNotifier(webhookURL)
	}
	return LogNotifier{}
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Name, e.OrderID)
}
