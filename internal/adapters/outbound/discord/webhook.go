package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charleschow/sports-stream/internal/telemetry"
)

// Notifier posts operator alerts to a Discord webhook. With no URL
// configured every call is a no-op.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

type Embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type webhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

func (n *Notifier) SendText(ctx context.Context, msg string) error {
	return n.send(ctx, webhookPayload{Content: msg})
}

func (n *Notifier) SendEmbed(ctx context.Context, embed Embed) error {
	if embed.Timestamp == "" {
		embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return n.send(ctx, webhookPayload{Embeds: []Embed{embed}})
}

func (n *Notifier) send(ctx context.Context, payload webhookPayload) error {
	if !n.Enabled() {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		telemetry.Warnf("discord: rate limited")
		return fmt.Errorf("discord rate limited")
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook: status=%d", resp.StatusCode)
	}

	return nil
}

// --- Pipeline alerts ---

const (
	ColorGreen  = 0x2ECC71
	ColorRed    = 0xE74C3C
	ColorYellow = 0xF1C40F
)

// FeedBackoff reports a consumer lane stuck retrying the change feed.
func (n *Notifier) FeedBackoff(ctx context.Context, consumer string, lane, failures int, cause error) error {
	return n.SendEmbed(ctx, Embed{
		Title: fmt.Sprintf("Change feed stalled: %s", consumer),
		Color: ColorRed,
		Fields: []Field{
			{Name: "Lane", Value: fmt.Sprintf("%d", lane), Inline: true},
			{Name: "Failures", Value: fmt.Sprintf("%d", failures), Inline: true},
			{Name: "Error", Value: truncate(cause.Error(), 1000), Inline: false},
		},
	})
}

// Lifecycle posts a start/stop notice for a service node.
func (n *Notifier) Lifecycle(ctx context.Context, node, state string, healthy bool) error {
	color := ColorGreen
	if !healthy {
		color = ColorYellow
	}
	return n.SendEmbed(ctx, Embed{
		Title:       fmt.Sprintf("%s %s", node, state),
		Description: time.Now().UTC().Format(time.RFC1123),
		Color:       color,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
