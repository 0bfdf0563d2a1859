// Package openaicompat provides a generic OpenAI-compatible adapter. Use it
// for any service that implements the OpenAI chat completions API
// (xAI, Groq, DeepSeek, Together AI, Perplexity, Cerebras, etc.).
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Adapter is a configurable OpenAI-compatible adapter.
type Adapter struct {
	name         string
	baseURL      string
	capabilities providers.Capability
	client       openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCapabilities overrides the declared capability set. Some compatible
// services reject tool parameters; drop CapTools for those.
func WithCapabilities(c providers.Capability) Option {
	return func(a *Adapter) { a.capabilities = c }
}

// New creates a new OpenAI-compatible Adapter.
//
//   - name    — unique provider identifier used for routing and logs.
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func New(name, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		name:    name,
		baseURL: baseURL,
		capabilities: providers.CapStreaming |
			providers.CapTools |
			providers.CapSystemMessages |
			providers.CapCompletions,
	}
	for _, o := range opts {
		o(a)
	}

	clientOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{}),
	}
	if a.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(a.baseURL))
	}
	a.client = openaiSDK.NewClient(clientOpts...)
	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() providers.Capability { return a.capabilities }

type wireRequest struct {
	params openaiSDK.ChatCompletionNewParams
	opts   []option.RequestOption
	stream bool
}

type wireResponse struct {
	resp   *openaiSDK.ChatCompletion
	stream <-chan providers.StreamChunk
}

// Prepare builds the SDK parameter struct and binds the key.
func (a *Adapter) Prepare(req *providers.Request, key string) (any, error) {
	if key == "" {
		return nil, providers.NewError(providers.KindAuth, a.name+": no API key")
	}
	if len(req.Params.Tools) > 0 && !a.capabilities.Has(providers.CapTools) {
		return nil, &providers.Error{
			Kind:    providers.KindInvalidRequest,
			Message: a.name + ": tools are not supported by this provider",
		}
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: toSDKMessages(req),
		Model:    req.Model,
	}
	if t := req.Params.Temperature; t != nil {
		params.Temperature = openaiSDK.Float(*t)
	}
	if tp := req.Params.TopP; tp != nil {
		params.TopP = openaiSDK.Float(*tp)
	}
	if req.Params.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.Params.MaxTokens))
	}

	for _, t := range req.Params.Tools {
		var schema shared.FunctionParameters
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, &providers.Error{
					Kind:    providers.KindInvalidRequest,
					Message: fmt.Sprintf("%s: tool %s: bad parameter schema: %v", a.name, t.Name, err),
				}
			}
		}
		params.Tools = append(params.Tools, openaiSDK.ChatCompletionFunctionTool(
			shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openaiSDK.String(t.Description),
				Parameters:  schema,
			},
		))
	}

	switch req.Params.ToolChoice {
	case "", "auto":
	case "none", "required":
		params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openaiSDK.String(req.Params.ToolChoice),
		}
	default:
		return nil, &providers.Error{
			Kind:    providers.KindInvalidRequest,
			Message: a.name + ": unsupported tool_choice " + req.Params.ToolChoice,
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
		return nil, providers.NewError(providers.KindInternal, a.name+": wrong wire request type")
	}

	if w.stream {
		return a.executeStreaming(ctx, w)
	}

	resp, err := a.client.Chat.Completions.New(ctx, w.params, w.opts...)
	if err != nil {
		return nil, a.toAdapterError(err)
	}
	return &wireResponse{resp: resp}, nil
}

func (a *Adapter) executeStreaming(ctx context.Context, w *wireRequest) (any, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := a.client.Chat.Completions.NewStreaming(ctx, w.params, w.opts...)

	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" || c.FinishReason != "" {
				ch <- providers.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: normalizeFinish(c.FinishReason),
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

// Parse maps the SDK response into the normalized shape.
func (a *Adapter) Parse(wire any) (*providers.Response, error) {
	w, ok := wire.(*wireResponse)
	if !ok {
		return nil, providers.NewError(providers.KindInternal, a.name+": wrong wire response type")
	}

	if w.stream != nil {
		return &providers.Response{Stream: w.stream}, nil
	}

	resp := w.resp
	out := &providers.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		Raw: resp,
	}

	for i, c := range resp.Choices {
		msg := providers.Message{
			Role:    providers.RoleAssistant,
			Content: c.Message.Content,
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out.Choices = append(out.Choices, providers.Choice{
			Index:        i,
			FinishReason: normalizeFinish(c.FinishReason),
			Message:      msg,
		})
	}
	return out, nil
}

func toSDKMessages(req *providers.Request) []openaiSDK.ChatCompletionMessageParamUnion {
	if len(req.Messages) == 0 && req.Prompt != "" {
		return []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(req.Prompt),
		}
	}

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case providers.RoleSystem, "developer":
			msgs = append(msgs, openaiSDK.SystemMessage(m.Content))

		case providers.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, openaiSDK.AssistantMessage(m.Content))
				continue
			}
			assistant := openaiSDK.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = openaiSDK.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls,
					openaiSDK.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openaiSDK.ChatCompletionMessageFunctionToolCallParam{
							ID: tc.ID,
							Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      tc.Name,
								Arguments: tc.Arguments,
							},
						},
					})
			}
			msgs = append(msgs, openaiSDK.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case providers.RoleTool:
			msgs = append(msgs, openaiSDK.ToolMessage(m.Content, m.ToolCallID))

		default:
			msgs = append(msgs, openaiSDK.UserMessage(m.Content))
		}
	}
	return msgs
}

func normalizeFinish(reason string) string {
	switch reason {
	case "stop", "":
		return providers.FinishStop
	case "length":
		return providers.FinishLength
	case "tool_calls", "function_call":
		return providers.FinishToolCalls
	case "content_filter":
		return providers.FinishContentFilter
	default:
		return providers.FinishStop
	}
}

func (a *Adapter) toAdapterError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		gerr := providers.StatusError(apierr.StatusCode, apierr.Error())
		gerr.Err = err
		return gerr
	}
	return err
}
