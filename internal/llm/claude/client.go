// Package claude generates exception narratives through the Anthropic API.
// It is an optional enrichment layer: the advisory endpoints work without it
// and fall back to the deterministic summary when it is absent or failing.
package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/warden/internal/advisor"
	"github.com/linnemanlabs/warden/internal/exception"
)

const systemPrompt = "You are an operations assistant for a back-office exception queue. " +
	"Write a short plain-language briefing for the exception described by the user. " +
	"Stick to the facts given; never invent identifiers, amounts, or causes. " +
	"Two to four sentences, no markdown."

// Client generates narratives with the Anthropic messages API.
type Client struct {
	api       anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// New returns a client for the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		api:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: 1024,
	}
}

// Narrative implements advisor.Provider. The deterministic summary is part of
// the prompt so the model rephrases established facts instead of guessing.
func (c *Client) Narrative(ctx context.Context, e *exception.Exception, s *advisor.Summary) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(e, s))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude messages: %w", err)
	}

	text := firstText(msg)
	if text == "" {
		return "", fmt.Errorf("claude returned no text content (stop reason %s)", msg.StopReason)
	}
	return text, nil
}

// buildPrompt renders the record and its deterministic summary as a compact
// fact sheet.
func buildPrompt(e *exception.Exception, s *advisor.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Exception %s\n", e.ID)
	fmt.Fprintf(&b, "Title: %s\n", e.Title)
	fmt.Fprintf(&b, "Type: %s\nSeverity: %s\nStatus: %s\n", e.TypeKey, e.Severity, e.Status)
	fmt.Fprintf(&b, "Source module: %s\n", e.SourceModuleKey)
	if e.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", e.Description)
	}
	if e.SLADueAt != nil {
		fmt.Fprintf(&b, "SLA due: %s\n", e.SLADueAt.Format(time.RFC3339))
	}
	if s != nil {
		fmt.Fprintf(&b, "Deterministic summary: %s\n", s.Summary)
		if len(s.ProposedSteps) > 0 {
			fmt.Fprintf(&b, "Proposed steps: %s\n", strings.Join(s.ProposedSteps, "; "))
		}
	}
	return b.String()
}

// firstText returns the first text block of a response, trimmed.
func firstText(msg *anthropic.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" {
			return strings.TrimSpace(block.Text)
		}
	}
	return ""
}
