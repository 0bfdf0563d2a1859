package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for Anthropic (official SDK).
type Adapter struct {
	baseURL string
	client  anthropic.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// New creates a new Anthropic Adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(a)
	}

	a.client = anthropic.NewClient(
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{}),
	)
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Capabilities() providers.Capability {
	return providers.CapStreaming |
		providers.CapTools |
		providers.CapSystemMessages |
		providers.CapImages |
		providers.CapCompletions
}

type wireRequest struct {
	params anthropic.MessageNewParams
	opts   []option.RequestOption
	stream bool
}

type wireResponse struct {
	msg    *anthropic.Message
	stream <-chan providers.StreamChunk
}

// Prepare builds MessageNewParams. System turns are folded into the system
// prompt; tool results ride as tool_result content blocks on user turns.
func (a *Adapter) Prepare(req *providers.Request, key string) (any, error) {
	if key == "" {
		return nil, providers.NewError(providers.KindAuth, "anthropic: no API key")
	}

	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	source := req.Messages
	if len(source) == 0 && req.Prompt != "" {
		source = []providers.Message{{Role: providers.RoleUser, Content: req.Prompt}}
	}

	for _, m := range source {
		switch strings.ToLower(m.Role) {
		case providers.RoleSystem, "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case providers.RoleAssistant:
			msgs = append(msgs, toAssistantParam(m))

		case providers.RoleTool:
			msgs = append(msgs, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					{
						OfToolResult: &anthropic.ToolResultBlockParam{
							ToolUseID: m.ToolCallID,
							Content: []anthropic.ToolResultBlockParamContentUnion{
								{OfText: &anthropic.TextBlockParam{Text: m.Content}},
							},
						},
					},
				},
			})

		default:
			msgs = append(msgs, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					{OfText: &anthropic.TextBlockParam{Text: m.Content}},
				},
			})
		}
	}

	maxTokens := req.Params.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if t := req.Params.Temperature; t != nil {
		params.Temperature = anthropic.Float(*t)
	}
	if tp := req.Params.TopP; tp != nil {
		params.TopP = anthropic.Float(*tp)
	}
	if len(req.Params.Stop) > 0 {
		params.StopSequences = req.Params.Stop
	}

	for _, t := range req.Params.Tools {
		schema, err := toInputSchema(t.Parameters)
		if err != nil {
			return nil, &providers.Error{
				Kind:    providers.KindInvalidRequest,
				Message: fmt.Sprintf("anthropic: tool %s: bad parameter schema: %v", t.Name, err),
			}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}

	switch req.Params.ToolChoice {
	case "", "auto":
	case "none":
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case "required":
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return nil, &providers.Error{
			Kind:    providers.KindInvalidRequest,
			Message: "anthropic: unsupported tool_choice " + req.Params.ToolChoice,
		}
	}

	return &wireRequest{
		params: params,
		opts:   []option.RequestOption{option.WithAPIKey(key)},
		stream: req.Stream,
	}, nil
}

// Execute performs the network call.
func (a *Adapter) Execute(ctx context.Context, wire any) (any, error) {
	w, ok := wire.(*wireRequest)
	if !ok {
		return nil, providers.NewError(providers.KindInternal, "anthropic: wrong wire request type")
	}

	if w.stream {
		return a.executeStreaming(ctx, w)
	}

	msg, err := a.client.Messages.New(ctx, w.params, w.opts...)
	if err != nil {
		return nil, toAdapterError(err)
	}
	return &wireResponse{msg: msg}, nil
}

func (a *Adapter) executeStreaming(ctx context.Context, w *wireRequest) (any, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := a.client.Messages.NewStreaming(ctx, w.params, w.opts...)

	go func() {
		defer close(ch)
		for stream.Next() {
			ev := stream.Current()
			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					ch <- providers.StreamChunk{
						FinishReason: normalizeStopReason(string(eventVariant.Delta.StopReason)),
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: providers.FinishError,
			}
		}
	}()

	return &wireResponse{stream: ch}, nil
}

// Parse maps the SDK message into the normalized response.
func (a *Adapter) Parse(wire any) (*providers.Response, error) {
	w, ok := wire.(*wireResponse)
	if !ok {
		return nil, providers.NewError(providers.KindInternal, "anthropic: wrong wire response type")
	}

	if w.stream != nil {
		return &providers.Response{Stream: w.stream}, nil
	}

	msg := w.msg
	out := providers.Message{Role: providers.RoleAssistant}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:        v.ID,
				Name:      v.Name,
				Arguments: string(v.Input),
			})
		}
	}
	out.Content = sb.String()

	finish := normalizeStopReason(string(msg.StopReason))
	if len(out.ToolCalls) > 0 {
		finish = providers.FinishToolCalls
	}

	return &providers.Response{
		ID:    msg.ID,
		Model: string(msg.Model),
		Choices: []providers.Choice{
			{Index: 0, FinishReason: finish, Message: out},
		},
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		Raw: msg,
	}, nil
}

func toAssistantParam(m providers.Message) anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
	if m.Content != "" {
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfText: &anthropic.TextBlockParam{Text: m.Content},
		})
	}
	for _, tc := range m.ToolCalls {
		var input any
		if tc.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Arguments), &input)
		}
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfToolUse: &anthropic.ToolUseBlockParam{
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			},
		})
	}
	return anthropic.MessageParam{
		Role:    anthropic.MessageParamRoleAssistant,
		Content: blocks,
	}
}

// toInputSchema converts a raw JSON Schema into the SDK's schema param.
func toInputSchema(raw json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	schema := anthropic.ToolInputSchemaParam{}
	if len(raw) == 0 {
		return schema, nil
	}
	var parsed struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return schema, err
	}
	schema.Properties = parsed.Properties
	schema.Required = parsed.Required
	return schema, nil
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return providers.FinishStop
	case "max_tokens":
		return providers.FinishLength
	case "tool_use":
		return providers.FinishToolCalls
	case "refusal":
		return providers.FinishContentFilter
	default:
		return providers.FinishStop
	}
}

// toAdapterError classifies SDK errors into the gateway taxonomy.
func toAdapterError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		gerr := providers.StatusError(apierr.StatusCode, apierr.Error())
		gerr.Err = err
		return gerr
	}
	return err
}
