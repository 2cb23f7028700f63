// Package slack posts offer notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/locus/internal/dispatch"
	"github.com/linnemanlabs/locus/internal/geo"
)

const (
	// Slack rejects plain_text headers longer than this.
	maxHeaderLen = 150
	httpTimeout  = 10 * time.Second
)

// Notifier is a dispatch.Sink that posts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts an offer to the configured Slack webhook. A 4xx response is
// permanent and not retried by the dispatcher.
func (n *Notifier) Send(ctx context.Context, req *dispatch.Request) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(req))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("slack: marshal message: %w", err))
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("slack: create request: %w", err))
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(hreq) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	n.logger.Info(ctx, "offer posted to slack", "dispatch_id", req.ID)
	return nil
}

func buildMessage(r *dispatch.Request) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func headerBlock(r *dispatch.Request) map[string]any {
	text := fmt.Sprintf("%s Offer triggered: %s", conditionEmoji(r.Condition), r.DeviceID)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, maxHeaderLen),
		},
	}
}

func fieldsBlock(r *dispatch.Request) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Device:* %s", r.DeviceID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Condition:* %s", r.Condition),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Cell:* `%s`", r.Cell),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Location:* %s", centroid(r.Cell)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Event time:* %s", r.EventTime.UTC().Format(time.RFC3339)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(r *dispatch.Request) map[string]any {
	ts := r.EnqueuedAt
	if ts.IsZero() {
		ts = r.EventTime
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("locus • dispatch %s • %s", r.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func centroid(c geo.Cell) string {
	lat, lon, err := geo.Center(c)
	if err != nil {
		return "_unknown_"
	}
	return fmt.Sprintf("%.5f, %.5f", lat, lon)
}

func conditionEmoji(condition string) string {
	switch strings.ToLower(condition) {
	case "drizzle":
		return "\U0001f326" // sun behind rain cloud
	case "rain", "thunderstorm":
		return "\U0001f327" // rain cloud
	case "snow":
		return "❄" // snowflake
	case "clear":
		return "☀" // sun
	default:
		return "\U0001f4cd" // pin
	}
}

// truncate shortens s to at most limit runes, never splitting a rune.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - 3
	for i := range s {
		if keep == 0 {
			return s[:i] + "..."
		}
		keep--
	}
	return s
}
