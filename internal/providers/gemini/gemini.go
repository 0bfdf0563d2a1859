package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Adapter implements providers.Adapter for Google Gemini (official GenAI
// SDK). The SDK binds the API key at client construction, so clients are
// cached per key; the HTTP client and base URL are shared across them.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	base       string
	apiVersion string

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a new Gemini Adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: defaultBaseURL,
		clients: make(map[string]*genai.Client),
	}
	for _, o := range opts {
		o(a)
	}

	a.httpClient = &http.Client{}
	a.base, a.apiVersion = splitBaseURLAndVersion(a.baseURL)
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
	key      string
	model    string
	contents []*genai.Content
	cfg      *genai.GenerateContentConfig
	stream   bool
}

type wireResponse struct {
	model  string
	resp   *genai.GenerateContentResponse
	stream <-chan providers.StreamChunk
}

// Prepare translates the conversation into genai contents plus config.
func (a *Adapter) Prepare(req *providers.Request, key string) (any, error) {
	if key == "" {
		return nil, providers.NewError(providers.KindAuth, "gemini: no API key")
	}

	var systemPrompt string
	source := req.Messages
	if len(source) == 0 && req.Prompt != "" {
		source = []providers.Message{{Role: providers.RoleUser, Content: req.Prompt}}
	}

	contents := make([]*genai.Content, 0, len(source))
	for _, m := range source {
		switch strings.ToLower(m.Role) {
		case providers.RoleSystem, "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case providers.RoleAssistant, "model":
			parts := make([]*genai.Part, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if tc.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Arguments), &args)
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})

		case providers.RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     m.Name,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})

		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if t := req.Params.Temperature; t != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*t))
	}
	if tp := req.Params.TopP; tp != nil {
		cfg.TopP = genai.Ptr[float32](float32(*tp))
	}
	if req.Params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Params.MaxTokens)
	}
	if len(req.Params.Stop) > 0 {
		cfg.StopSequences = req.Params.Stop
	}

	if len(req.Params.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Params.Tools))
		for _, t := range req.Params.Tools {
			var schema any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &schema); err != nil {
					return nil, &providers.Error{
						Kind:    providers.KindInvalidRequest,
						Message: fmt.Sprintf("gemini: tool %s: bad parameter schema: %v", t.Name, err),
					}
				}
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: schema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return &wireRequest{
		key:      key,
		model:    req.Model,
		contents: contents,
		cfg:      cfg,
		stream:   req.Stream,
	}, nil
}

// Execute performs the network call.
func (a *Adapter) Execute(ctx context.Context, wire any) (any, error) {
	w, ok := wire.(*wireRequest)
	if !ok {
		return nil, providers.NewError(providers.KindInternal, "gemini: wrong wire request type")
	}

	client, err := a.clientForKey(ctx, w.key)
	if err != nil {
		return nil, err
	}

	if w.stream {
		return a.executeStreaming(ctx, client, w)
	}

	resp, err := client.Models.GenerateContent(ctx, w.model, w.contents, w.cfg)
	if err != nil {
		return nil, toAdapterError(err)
	}
	return &wireResponse{model: w.model, resp: resp}, nil
}

func (a *Adapter) executeStreaming(ctx context.Context, client *genai.Client, w *wireRequest) (any, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)
		for resp, err := range client.Models.GenerateContentStream(ctx, w.model, w.contents, w.cfg) {
			if err != nil {
				ch <- providers.StreamChunk{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: providers.FinishError,
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = normalizeFinish(c.FinishReason)
			}
			if text != "" || finish != "" {
				ch <- providers.StreamChunk{Content: text, FinishReason: finish}
			}
		}
	}()

	return &wireResponse{model: w.model, stream: ch}, nil
}

// Parse maps the genai response into the normalized shape.
func (a *Adapter) Parse(wire any) (*providers.Response, error) {
	w, ok := wire.(*wireResponse)
	if !ok {
		return nil, providers.NewError(providers.KindInternal, "gemini: wrong wire response type")
	}

	if w.stream != nil {
		return &providers.Response{Stream: w.stream}, nil
	}

	resp := w.resp
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, providers.NewError(providers.KindUpstreamMalformed, "gemini: empty response")
	}

	id := resp.ResponseID
	if id == "" {
		id = generateID()
	}

	out := &providers.Response{
		ID:    id,
		Model: w.model,
		Raw:   resp,
	}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	for i, c := range resp.Candidates {
		if c == nil {
			continue
		}
		msg := providers.Message{
			Role:    providers.RoleAssistant,
			Content: candidateText(c),
		}
		if c.Content != nil {
			for _, part := range c.Content.Parts {
				if part == nil || part.FunctionCall == nil {
					continue
				}
				args, _ := json.Marshal(part.FunctionCall.Args)
				callID := part.FunctionCall.ID
				if callID == "" {
					callID = fmt.Sprintf("call-%x", rand.Int63())
				}
				msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
					ID:        callID,
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				})
			}
		}

		finish := normalizeFinish(c.FinishReason)
		if len(msg.ToolCalls) > 0 {
			finish = providers.FinishToolCalls
		}
		out.Choices = append(out.Choices, providers.Choice{
			Index:        i,
			FinishReason: finish,
			Message:      msg,
		})
	}

	if len(out.Choices) == 0 {
		return nil, providers.NewError(providers.KindUpstreamMalformed, "gemini: no usable candidates")
	}
	return out, nil
}

func (a *Adapter) clientForKey(ctx context.Context, key string) (*genai.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[key]; ok {
		return c, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  a.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: a.base, APIVersion: a.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	a.clients[key] = client
	return client, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func normalizeFinish(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop, "":
		return providers.FinishStop
	case genai.FinishReasonMaxTokens:
		return providers.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return providers.FinishContentFilter
	default:
		return providers.FinishStop
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// toAdapterError classifies genai errors into the gateway taxonomy.
func toAdapterError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		gerr := providers.StatusError(apiErr.Code, apiErr.Message)
		gerr.Err = err
		return gerr
	}
	return err
}
