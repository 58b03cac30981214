// ABOUTME: Webhook notifier that POSTs alerts as JSON to a configured URL
// ABOUTME: Any non-2xx response is reported as a delivery failure

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts alerts to an HTTP endpoint.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// webhookPayload is the JSON body sent for every alert.
type webhookPayload struct {
	Kind   string       `json:"kind"`
	Text   string       `json:"text"`
	HTML   string       `json:"html,omitempty"`
	Outage *OutageAlert `json:"outage,omitempty"`
	Alert  *AgentAlert  `json:"alert,omitempty"`
	IdleS  int64        `json:"idleSeconds,omitempty"`
}

// NewWebhook creates a webhook notifier. A nil client gets a 10s timeout client.
func NewWebhook(url string, headers map[string]string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, headers: headers, client: client}
}

// SendOutageAlert posts an outage alert.
func (w *Webhook) SendOutageAlert(ctx context.Context, alert OutageAlert) error {
	msg, err := RenderOutage(alert)
	if err != nil {
		return err
	}
	return w.post(ctx, webhookPayload{
		Kind:   "agent_outage",
		Text:   msg.Markdown,
		HTML:   msg.HTML,
		Outage: &alert,
		IdleS:  int64(alert.Idle / time.Second),
	})
}

// SendAgentAlert posts an agent alert.
func (w *Webhook) SendAgentAlert(ctx context.Context, alert AgentAlert) error {
	msg, err := RenderAgentAlert(alert)
	if err != nil {
		return err
	}
	return w.post(ctx, webhookPayload{
		Kind:  "agent_alert",
		Text:  msg.Markdown,
		HTML:  msg.HTML,
		Alert: &alert,
	})
}

func (w *Webhook) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
