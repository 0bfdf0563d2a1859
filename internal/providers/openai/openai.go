package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Adapter implements providers.Adapter for the OpenAI API (official SDK).
// It is stateless after construction: the shared HTTP client and base URL
// are the only fields, and the credential arrives per call via Prepare.
type Adapter struct {
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Adapter)

// WithBaseURL overrides the API endpoint (useful for mocks).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(a)
	}

	httpClient := &http.Client{}
	if a.baseURL != "" && a.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, a.baseURL)
	}

	a.client = openaiSDK.NewClient(
		option.WithHTTPClient(httpClient),
	)
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Capabilities() providers.Capability {
	return providers.CapStreaming |
		providers.CapTools |
		providers.CapSystemMessages |
		providers.CapCompletions
}

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
		return nil, providers.NewError(providers.KindAuth, "openai: no API key")
	}

	msgs, err := toSDKMessages(req)
	if err != nil {
		return nil, err
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
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
					Message: fmt.Sprintf("openai: tool %s: bad parameter schema: %v", t.Name, err),
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
		// API default.
	case "none", "required":
		params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openaiSDK.String(req.Params.ToolChoice),
		}
	default:
		return nil, &providers.Error{
			Kind:    providers.KindInvalidRequest,
			Message: "openai: unsupported tool_choice " + req.Params.ToolChoice,
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
		return nil, providers.NewError(providers.KindInternal, "openai: wrong wire request type")
	}

	if w.stream {
		return a.executeStreaming(ctx, w)
	}

	resp, err := a.client.Chat.Completions.New(ctx, w.params, w.opts...)
	if err != nil {
		return nil, toAdapterError(err)
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
		return nil, providers.NewError(providers.KindInternal, "openai: wrong wire response type")
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

// toSDKMessages converts the normalized conversation, expanding a bare
// prompt into a single user turn.
func toSDKMessages(req *providers.Request) ([]openaiSDK.ChatCompletionMessageParamUnion, error) {
	if len(req.Messages) == 0 && req.Prompt != "" {
		return []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(req.Prompt),
		}, nil
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
	return msgs, nil
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

// toAdapterError classifies SDK errors into the gateway taxonomy.
func toAdapterError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		gerr := providers.StatusError(apierr.StatusCode, apierr.Error())
		gerr.Err = err
		return gerr
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}
