// Package mistral implements the Mistral AI chat completions adapter over
// plain HTTP. Mistral's wire format is OpenAI-shaped, so the types here
// mirror that schema including tool calls.
package mistral

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.mistral.ai/v1"
	providerName   = "mistral"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type,omitempty"`
	Function chatToolCallFunc `json:"function"`
}

type chatToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Adapter implements providers.Adapter for Mistral AI.
type Adapter struct {
	baseURL string
	client  *http.Client
}

type Option func(*Adapter)

func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
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
	body   []byte
	key    string
	stream bool
}

type wireResponse struct {
	body   []byte
	stream <-chan providers.StreamChunk
}

// Prepare serializes the request body through a pooled buffer.
func (a *Adapter) Prepare(req *providers.Request, key string) (any, error) {
	if key == "" {
		return nil, providers.NewError(providers.KindAuth, "mistral: no API key")
	}

	source := req.Messages
	if len(source) == 0 && req.Prompt != "" {
		source = []providers.Message{{Role: providers.RoleUser, Content: req.Prompt}}
	}

	msgs := make([]chatMessage, len(source))
	for i, m := range source {
		cm := chatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: chatToolCallFunc{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		msgs[i] = cm
	}

	cr := chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		MaxTokens:   req.Params.MaxTokens,
		Stop:        req.Params.Stop,
		ToolChoice:  req.Params.ToolChoice,
	}
	for _, t := range req.Params.Tools {
		cr.Tools = append(cr.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(cr); err != nil {
		return nil, &providers.Error{
			Kind:    providers.KindInvalidRequest,
			Message: fmt.Sprintf("mistral: marshal request: %v", err),
			Err:     err,
		}
	}

	body := make([]byte, buf.Len())
	copy(body, buf.B)

	return &wireRequest{body: body, key: key, stream: req.Stream}, nil
}

// Execute performs the HTTP call. Non-2xx statuses come back as classified
// gateway errors so the worker retry policy can act on them.
func (a *Adapter) Execute(ctx context.Context, wire any) (any, error) {
	w, ok := wire.(*wireRequest)
	if !ok {
		return nil, providers.NewError(providers.KindInternal, "mistral: wrong wire request type")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/chat/completions", bytes.NewReader(w.body))
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+w.key)
	httpReq.Header.Set("Content-Type", "application/json")
	if w.stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	if w.stream {
		return &wireResponse{stream: streamChunks(resp)}, nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mistral: read response: %w", err)
	}
	return &wireResponse{body: body}, nil
}

// Parse decodes the wire body into the normalized response.
func (a *Adapter) Parse(wire any) (*providers.Response, error) {
	w, ok := wire.(*wireResponse)
	if !ok {
		return nil, providers.NewError(providers.KindInternal, "mistral: wrong wire response type")
	}

	if w.stream != nil {
		return &providers.Response{Stream: w.stream}, nil
	}

	var cr chatResponse
	if err := json.Unmarshal(w.body, &cr); err != nil {
		return nil, &providers.Error{
			Kind:    providers.KindUpstreamMalformed,
			Message: fmt.Sprintf("mistral: decode response: %v", err),
			Err:     err,
		}
	}

	out := &providers.Response{
		ID:    cr.ID,
		Model: cr.Model,
		Usage: providers.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		},
		Raw: json.RawMessage(w.body),
	}

	for _, c := range cr.Choices {
		if c.Message == nil {
			continue
		}
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
			Index:        c.Index,
			FinishReason: normalizeFinish(c.FinishReason, len(msg.ToolCalls) > 0),
			Message:      msg,
		})
	}

	if len(out.Choices) == 0 {
		return nil, providers.NewError(providers.KindUpstreamMalformed, "mistral: response has no choices")
	}
	return out, nil
}

func streamChunks(resp *http.Response) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}
			if len(cr.Choices) == 0 || cr.Choices[0].Delta == nil {
				continue
			}

			ch <- providers.StreamChunk{
				Content:      cr.Choices[0].Delta.Content,
				FinishReason: normalizeFinish(cr.Choices[0].FinishReason, false),
			}
		}
	}()

	return ch
}

func normalizeFinish(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return providers.FinishToolCalls
	}
	switch reason {
	case "stop":
		return providers.FinishStop
	case "length", "model_length":
		return providers.FinishLength
	case "tool_calls":
		return providers.FinishToolCalls
	case "":
		return ""
	default:
		return providers.FinishStop
	}
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		gerr := providers.StatusError(resp.StatusCode, cr.Error.Message)
		return gerr
	}
	return providers.StatusError(resp.StatusCode, string(body))
}
