package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicMaxTokens is used when a request sets no limit; the
// Messages API requires one.
const defaultAnthropicMaxTokens = 4096

// AnthropicClient calls the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a client for model.
func NewAnthropicClient(apiKey, baseURL, model string, opts ...option.RequestOption) *AnthropicClient {
	all := make([]option.RequestOption, 0, len(opts)+2)
	if apiKey != "" {
		all = append(all, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	return &AnthropicClient{client: anthropic.NewClient(all...), model: model}
}

// buildSystemBlocks returns the system prompt as a single text block.
func (c *AnthropicClient) buildSystemBlocks(req Request) []anthropic.TextBlockParam {
	sys := req.SystemPrompt()
	if sys == "" {
		return nil
	}
	return []anthropic.TextBlockParam{{Text: sys}}
}

// buildMessages converts the conversation, merging consecutive messages of
// the same role since the API requires alternation.
func (c *AnthropicClient) buildMessages(req Request) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var lastRole Role
	var pending []string

	flush := func() {
		if len(pending) == 0 {
			return
		}
		block := anthropic.NewTextBlock(strings.Join(pending, "\n\n"))
		if lastRole == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
		pending = nil
	}

	for _, m := range req.Conversation() {
		role := m.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		if role != lastRole {
			flush()
			lastRole = role
		}
		pending = append(pending, m.Content)
	}
	flush()
	return out
}

// Complete sends req and concatenates the text blocks of the reply.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := int64(defaultAnthropicMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System:    c.buildSystemBlocks(req),
		Messages:  c.buildMessages(req),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyError(err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
