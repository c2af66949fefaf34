package agent

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/svv2602/call-center-sub002/internal/callcenter/session"
)

const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiConfig configures the Gemini model.
type GeminiConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int32
}

// GeminiProcessor is a TurnProcessor backed by the Gemini API with the same
// function tools as OpenAIProcessor.
type GeminiProcessor struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewGeminiProcessor creates a processor.
func NewGeminiProcessor(client *genai.Client, cfg GeminiConfig) *GeminiProcessor {
	return &GeminiProcessor{
		client: client,
		model:  cmp.Or(cfg.Model, DefaultGeminiModel),
		config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(cmp.Or(cfg.SystemPrompt, DefaultSystemPrompt), genai.RoleUser),
			Tools:             geminiTools(),
			MaxOutputTokens:   cfg.MaxTokens,
		},
	}
}

func geminiTools() []*genai.Tool {
	return []*genai.Tool{{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        toolTransfer,
				Description: "Hand the call over to a human operator.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"reason": {Type: genai.TypeString, Description: "Why the caller needs a human."},
					},
					Required: []string{"reason"},
				},
			},
			{
				Name:        toolConfirmOrder,
				Description: "Record that the caller confirmed an order.",
				Parameters: &genai.Schema{
					Type:       genai.TypeObject,
					Properties: map[string]*genai.Schema{"order_id": {Type: genai.TypeString}},
					Required:   []string{"order_id"},
				},
			},
			{
				Name:        toolEndCall,
				Description: "End the call after the current reply.",
			},
		},
	}}
}

func geminiContents(text string, history []session.DialogTurn) []*genai.Content {
	out := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		switch t.Speaker {
		case session.SpeakerUser:
			out = append(out, genai.NewContentFromText(t.Content, genai.RoleUser))
		case session.SpeakerAssistant:
			out = append(out, genai.NewContentFromText(t.Content, genai.RoleModel))
		}
	}
	return append(out, genai.NewContentFromText(text, genai.RoleUser))
}

// ProcessTurn implements TurnProcessor
func (p *GeminiProcessor) ProcessTurn(ctx context.Context, text string, history []session.DialogTurn) (Reply, error) {
	conv := geminiContents(text, history)

	var reply Reply
	for round := 0; round < maxRounds; round++ {
		resp, err := p.client.Models.GenerateContent(ctx, p.model, conv, p.config)
		if err != nil {
			return Reply{}, fmt.Errorf("generate content: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return Reply{}, errors.New("generate content: no candidates")
		}

		calls := resp.FunctionCalls()
		reply.Text = strings.TrimSpace(textOf(resp.Candidates[0].Content))
		if len(calls) == 0 {
			return reply, nil
		}

		results := make([]*genai.Part, 0, len(calls))
		for _, call := range calls {
			var args string
			if len(call.Args) > 0 {
				data, err := json.Marshal(call.Args)
				if err != nil {
					return Reply{}, fmt.Errorf("encode %s arguments: %w", call.Name, err)
				}
				args = string(data)
			}
			var result map[string]any
			_ = json.Unmarshal([]byte(applyTool(&reply, call.Name, args)), &result)
			results = append(results, genai.NewPartFromFunctionResponse(call.Name, result))
		}

		if reply.Transfer != nil || reply.Text != "" {
			return reply, nil
		}
		conv = append(conv, resp.Candidates[0].Content, genai.NewContentFromParts(results, genai.RoleUser))
	}
	return reply, nil
}

// textOf joins the text parts of c, skipping function calls and thoughts.
func textOf(c *genai.Content) string {
	var b strings.Builder
	for _, part := range c.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
