// Package ai binds the harness provider port and the miner's judge to the
// OpenAI chat completions API.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/orion-gepa/orion/config"
	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
)

var ErrMissingAPIKey = errors.New("openai api key is not configured")

// OpenAIProvider implements ports.Provider with chat completions and
// function calling.
type OpenAIProvider struct {
	client   openai.Client
	model    string
	defaults ports.Options
	logger   zerolog.Logger
}

// NewOpenAIProvider builds a provider from the llm config section. Retries
// are left to the harness, so the SDK's own retry loop is disabled.
func NewOpenAIProvider(cfg config.LLMConfig, logger zerolog.Logger, extra ...option.RequestOption) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	opts = append(opts, extra...)

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
		defaults: ports.Options{
			MaxNewTokens: cfg.MaxNewTokens,
			Temperature:  cfg.Temperature,
		},
		logger: logger.With().Str("component", "openai_provider").Logger(),
	}, nil
}

func (p *OpenAIProvider) Model() string { return p.model }

// Complete sends one chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	params, err := p.buildParams(in, opts)
	if err != nil {
		return ports.Completion{}, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ports.Completion{}, errors.New("chat completion returned no choices")
	}

	msg := resp.Choices[0].Message
	out := ports.Completion{
		Text: msg.Content,
		Raw:  resp,
		Usage: &ports.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ports.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}

	p.logger.Debug().
		Str("model", string(params.Model)).
		Int("tool_calls", len(out.ToolCalls)).
		Int64("total_tokens", resp.Usage.TotalTokens).
		Msg("Completion received")
	return out, nil
}

func (p *OpenAIProvider) buildParams(in ports.PromptInput, opts ports.Options) (openai.ChatCompletionNewParams, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: encodeMessages(in.System, in.Messages),
	}

	maxTokens := opts.MaxNewTokens
	if maxTokens == 0 {
		maxTokens = p.defaults.MaxNewTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = p.defaults.Temperature
	}
	if temperature > 0 {
		params.Temperature = openai.Float(float64(temperature))
	}
	if opts.Seed != 0 {
		params.Seed = openai.Int(int64(opts.Seed))
	}

	if len(in.Tools) == 0 {
		return params, nil
	}
	tools, err := encodeTools(in.Tools)
	if err != nil {
		return params, err
	}
	params.Tools = tools
	params.ToolChoice = encodeToolChoice(opts.ToolChoice)
	if opts.ParallelToolCalls {
		params.ParallelToolCalls = openai.Bool(true)
	}
	return params, nil
}

func encodeMessages(system string, msgs []ports.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Kind {
		case ports.KindSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case ports.KindUser:
			out = append(out, openai.UserMessage(m.Content))
		case ports.KindAssistantText:
			out = append(out, openai.AssistantMessage(m.Content))
		case ports.KindAssistantToolRequest:
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				args := string(c.Args)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: c.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: args,
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case ports.KindToolResult:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func encodeTools(specs []ports.ToolSpec) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		parameters := openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
		if len(spec.JSONSchema) > 0 {
			if err := json.Unmarshal(spec.JSONSchema, &parameters); err != nil {
				return nil, fmt.Errorf("tool %s has an invalid schema: %w", spec.Name, err)
			}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  parameters,
			},
		})
	}
	return out, nil
}

func encodeToolChoice(choice string) openai.ChatCompletionToolChoiceOptionUnionParam {
	switch choice {
	case "", ports.ToolChoiceAuto:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(ports.ToolChoiceAuto)}
	case ports.ToolChoiceNone, ports.ToolChoiceRequired:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(choice)}
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice},
			},
		}
	}
}
