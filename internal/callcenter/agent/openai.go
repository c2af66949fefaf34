package agent

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/svv2602/call-center-sub002/internal/callcenter/session"
)

const (
	DefaultModel = "gpt-4o-mini"

	toolTransfer     = "transfer_to_operator"
	toolConfirmOrder = "confirm_order"
	toolEndCall      = "end_call"

	// tool results are fed back at most this many times per turn
	maxRounds = 3
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = `You are a phone assistant for a customer service line.
Answer briefly in one to three short sentences suitable for speech. Do not use lists or markdown.
Reply in the caller's language.
Call transfer_to_operator when the caller asks for a human or you cannot help.
Call confirm_order once the caller has confirmed an order.
Call end_call when the caller says goodbye or the request is fully handled.`

// OpenAIConfig configures the chat model.
type OpenAIConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int64
}

// OpenAIProcessor is a TurnProcessor backed by chat completions with
// function tools for transfer, order confirmation and hang-up.
type OpenAIProcessor struct {
	client openai.Client
	cfg    OpenAIConfig
	tools  []openai.ChatCompletionToolUnionParam
}

// NewOpenAIProcessor creates a processor.
func NewOpenAIProcessor(client openai.Client, cfg OpenAIConfig) *OpenAIProcessor {
	cfg.Model = cmp.Or(cfg.Model, DefaultModel)
	cfg.SystemPrompt = cmp.Or(cfg.SystemPrompt, DefaultSystemPrompt)
	return &OpenAIProcessor{client: client, cfg: cfg, tools: tools()}
}

func tools() []openai.ChatCompletionToolUnionParam {
	return []openai.ChatCompletionToolUnionParam{
		openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        toolTransfer,
			Description: param.NewOpt("Hand the call over to a human operator."),
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string", "description": "Why the caller needs a human."},
				},
				"required": []string{"reason"},
			},
		}),
		openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        toolConfirmOrder,
			Description: param.NewOpt("Record that the caller confirmed an order."),
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"order_id": map[string]any{"type": "string"},
				},
				"required": []string{"order_id"},
			},
		}),
		openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        toolEndCall,
			Description: param.NewOpt("End the call after the current reply."),
			Parameters:  openai.FunctionParameters{"type": "object", "properties": map[string]any{}},
		}),
	}
}

func (p *OpenAIProcessor) messages(text string, history []session.DialogTurn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	msgs = append(msgs, openai.SystemMessage(p.cfg.SystemPrompt))
	for _, t := range history {
		switch t.Speaker {
		case session.SpeakerUser:
			msgs = append(msgs, openai.UserMessage(t.Content))
		case session.SpeakerAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		}
	}
	return append(msgs, openai.UserMessage(text))
}

// ProcessTurn implements TurnProcessor
func (p *OpenAIProcessor) ProcessTurn(ctx context.Context, text string, history []session.DialogTurn) (Reply, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.cfg.Model),
		Messages: p.messages(text, history),
		Tools:    p.tools,
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(p.cfg.MaxTokens)
	}

	var reply Reply
	for round := 0; round < maxRounds; round++ {
		resp, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return Reply{}, fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return Reply{}, errors.New("chat completion: no choices")
		}
		msg := resp.Choices[0].Message
		reply.Text = strings.TrimSpace(msg.Content)

		if len(msg.ToolCalls) == 0 {
			return reply, nil
		}

		results := make([]openai.ChatCompletionMessageParamUnion, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			result := applyTool(&reply, call.Function.Name, call.Function.Arguments)
			results = append(results, openai.ToolMessage(result, call.ID))
		}

		// a transfer or a reply with text ends the turn; otherwise let the model speak
		if reply.Transfer != nil || reply.Text != "" {
			return reply, nil
		}
		params.Messages = append(params.Messages, msg.ToParam())
		params.Messages = append(params.Messages, results...)
	}
	return reply, nil
}

// applyTool records a tool call's side effect on reply and returns the JSON
// result fed back to the model.
func applyTool(reply *Reply, name, arguments string) string {
	var args struct {
		Reason  string `json:"reason"`
		OrderID string `json:"order_id"`
	}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			slog.Warn("[Agent] Malformed tool arguments", "tool", name, "error", err)
			return `{"error":"malformed arguments"}`
		}
	}

	switch name {
	case toolTransfer:
		reply.Transfer = &TransferRequest{Reason: cmp.Or(args.Reason, "requested by assistant")}
		return `{"status":"transferring"}`
	case toolConfirmOrder:
		if args.OrderID == "" {
			return `{"error":"order_id is required"}`
		}
		reply.OrderID = args.OrderID
		return `{"status":"confirmed"}`
	case toolEndCall:
		reply.EndCall = true
		return `{"status":"ok"}`
	default:
		slog.Warn("[Agent] Unknown tool requested", "tool", name)
		return `{"error":"unknown tool"}`
	}
}
