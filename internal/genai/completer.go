package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// UserReplyPlaceholder is substituted in catalog prompts with the action's user_reply_for_format.
const UserReplyPlaceholder = "{user_reply}"

// PromptSource resolves prompt keys against the instruction catalog.
type PromptSource interface {
	Resolve(ctx context.Context, key, lang string) (string, bool, error)
}

type messageGenerator interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// PromptCompleter turns completion requests into chat calls: it picks the
// system prompt, appends the history and returns the first choice.
type PromptCompleter struct {
	gen      messageGenerator
	prompts  PromptSource
	fallback string
}

// NewPromptCompleter creates a completer. fallbackSystem is used when a prompt key does not resolve; it may be empty.
func NewPromptCompleter(client *Client, prompts PromptSource, fallbackSystem string) *PromptCompleter {
	return &PromptCompleter{gen: client, prompts: prompts, fallback: fallbackSystem}
}

// Complete implements the call_ai collaborator. A response without choices yields "", nil.
func (p *PromptCompleter) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	system, err := p.systemPrompt(ctx, req)
	if err != nil {
		return "", err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, m := range req.History {
		switch m.Role {
		case models.ChatRoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case models.ChatRoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	if len(messages) == 0 {
		return "", errors.New("nothing to send: no system prompt and no history")
	}

	out, err := p.gen.GenerateWithMessages(ctx, messages)
	if errors.Is(err, ErrNoChoicesReturned) {
		slog.Warn("PromptCompleter.Complete: empty completion", "prompt_key", req.PromptKey)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// systemPrompt picks the override first, then the catalog prompt (with {user_reply}
// substituted when a reply is given), then the fallback.
func (p *PromptCompleter) systemPrompt(ctx context.Context, req models.CompletionRequest) (string, error) {
	if req.SystemPromptOverride != "" {
		return req.SystemPromptOverride, nil
	}
	if req.PromptKey == "" || p.prompts == nil {
		return p.fallback, nil
	}
	text, found, err := p.prompts.Resolve(ctx, req.PromptKey, req.Language)
	if err != nil {
		return "", fmt.Errorf("resolve prompt %s: %w", req.PromptKey, err)
	}
	if !found {
		slog.Warn("PromptCompleter: prompt key not found, using fallback", "prompt_key", req.PromptKey, "lang", req.Language)
		return p.fallback, nil
	}
	if req.UserReply != "" {
		text = strings.ReplaceAll(text, UserReplyPlaceholder, req.UserReply)
	}
	return text, nil
}
