// Package slack sends escalation and digest notifications to Slack via
// incoming webhooks.
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

	"github.com/linnemanlabs/warden/internal/advisor"
	"github.com/linnemanlabs/warden/internal/exception"
)

const (
	maxDescriptionLen = 1500
	httpTimeout       = 10 * time.Second
)

// Notifier posts messages to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, sends are no-ops.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// SendEscalation posts an escalated exception to the configured webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) SendEscalation(ctx context.Context, e *exception.Exception, roles []string) error {
	return n.post(ctx, buildEscalationMessage(e, roles))
}

// SendDigest posts a tenant's daily rollup to the configured webhook.
func (n *Notifier) SendDigest(ctx context.Context, clientID string, d *advisor.Digest) error {
	return n.post(ctx, buildDigestMessage(clientID, d))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildEscalationMessage(e *exception.Exception, roles []string) map[string]any {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("%s Escalated: %s", severityEmoji(e.Severity), e.Title),
			},
		},
		{"type": "divider"},
		fieldsBlock(e, roles),
	}

	if e.Description != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": truncate(e.Description, maxDescriptionLen),
			},
		})
	}

	blocks = append(blocks, contextBlock(e))
	return map[string]any{"blocks": blocks}
}

func fieldsBlock(e *exception.Exception, roles []string) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Type:* %s", e.TypeKey)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", e.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", e.Status)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Module:* %s", e.SourceModuleKey)},
	}
	if len(roles) > 0 {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Notify:* %s", strings.Join(roles, ", ")),
		})
	}
	if e.SLADueAt != nil {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*SLA due:* %s", e.SLADueAt.UTC().Format("2006-01-02 15:04 UTC")),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(e *exception.Exception) map[string]any {
	text := fmt.Sprintf("warden • exception %s • %s", e.ID, e.UpdatedAt.UTC().Format("2006-01-02 15:04 UTC"))
	if e.LinkURL != "" {
		text += " • " + e.LinkURL
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func buildDigestMessage(clientID string, d *advisor.Digest) map[string]any {
	var top []string
	for _, tc := range d.TopTypes {
		top = append(top, fmt.Sprintf("%s (%d)", tc.TypeKey, tc.Count))
	}
	topLine := "none"
	if len(top) > 0 {
		topLine = strings.Join(top, ", ")
	}

	return map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": "Exception digest: " + clientID,
				},
			},
			{
				"type": "section",
				"fields": []map[string]any{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Open:* %d", d.OpenCount)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Critical:* %d", d.CriticalCount)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*At risk:* %d", d.AtRiskCount)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Overdue:* %d", d.OverdueCount)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Top types:* %s", topLine)},
				},
			},
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": d.Recommendation,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{"type": "mrkdwn", "text": "warden • " + d.GeneratedAt.UTC().Format("2006-01-02 15:04 UTC")},
				},
			},
		},
	}
}

func severityEmoji(severity exception.Severity) string {
	switch severity {
	case exception.SeverityCritical:
		return "\U0001f534" // red circle
	case exception.SeverityWarning:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
