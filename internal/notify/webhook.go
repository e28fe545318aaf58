package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier posts feed events to a webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
	Event   FeedEvent   `json:"event"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts the event to the webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, event FeedEvent) error {
	if n == nil || n.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: formatFeedEvent(event)},
		Event:   event,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("webhook notifier: non-2xx")
	}
	return nil
}

func formatFeedEvent(event FeedEvent) string {
	var b strings.Builder
	b.WriteString("[Feeder]\n")
	fmt.Fprintf(&b, "Device: %s\n", event.DeviceID)
	fmt.Fprintf(&b, "Command: %s (%s)\n", event.CommandID, event.Kind)
	fmt.Fprintf(&b, "Status: %s\n", event.Status)
	if event.PortionSize > 0 {
		fmt.Fprintf(&b, "Portion: %.1f\n", event.PortionSize)
	}
	if event.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", event.ErrorMessage)
	}
	return strings.TrimSpace(b.String())
}
