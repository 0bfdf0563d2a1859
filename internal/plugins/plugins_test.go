package plugins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	npCache "github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func chatRequest(model, content string) *providers.Request {
	return &providers.Request{
		Model:     model,
		RequestID: "req-1",
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: content},
		},
	}
}

func chatResponse(content string) *providers.Response {
	return &providers.Response{
		ID:       "resp-1",
		Provider: "openai",
		Model:    "gpt-4o",
		Choices: []providers.Choice{{
			FinishReason: providers.FinishStop,
			Message:      providers.Message{Role: providers.RoleAssistant, Content: content},
		}},
		Usage: providers.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
	}
}

func TestRateLimit_BlocksOverBudget(t *testing.T) {
	rdb := newTestRedis(t)
	p := NewRateLimit(ratelimit.NewRPMLimiter(rdb, 3), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := p.Pre(ctx, chatRequest("gpt-4o", "hi")); err != nil {
			t.Fatalf("request %d unexpectedly limited: %v", i, err)
		}
	}

	_, _, err := p.Pre(ctx, chatRequest("gpt-4o", "hi"))
	if err == nil {
		t.Fatal("expected rate limit rejection")
	}
	var gerr *providers.Error
	if !errors.As(err, &gerr) || gerr.Kind != providers.KindRateLimited {
		t.Errorf("expected rate_limited, got %v", err)
	}
}

func TestCache_MissThenHit(t *testing.T) {
	rdb := newTestRedis(t)
	store := npCache.NewExactCacheFromClient(rdb)
	p := NewCache(store, time.Hour, nil, nil, nil)
	ctx := context.Background()

	req := chatRequest("gpt-4o", "ping")

	if _, short, _ := p.Pre(ctx, req); short != nil {
		t.Fatal("unexpected hit on empty cache")
	}
	if _, err := p.Post(ctx, req, chatResponse("pong")); err != nil {
		t.Fatalf("post: %v", err)
	}

	_, short, err := p.Pre(ctx, req)
	if err != nil {
		t.Fatalf("pre: %v", err)
	}
	if short == nil {
		t.Fatal("expected cache hit short-circuit")
	}
	if short.FirstContent() != "pong" {
		t.Errorf("cached content %q", short.FirstContent())
	}
	if short.Usage.TotalTokens != 8 {
		t.Errorf("cached usage lost: %+v", short.Usage)
	}
}

func TestCache_KeyDistinguishesRequests(t *testing.T) {
	rdb := newTestRedis(t)
	store := npCache.NewExactCacheFromClient(rdb)
	p := NewCache(store, time.Hour, nil, nil, nil)
	ctx := context.Background()

	if _, err := p.Post(ctx, chatRequest("gpt-4o", "one"), chatResponse("answer one")); err != nil {
		t.Fatal(err)
	}

	if _, short, _ := p.Pre(ctx, chatRequest("gpt-4o", "two")); short != nil {
		t.Error("different message content must miss")
	}
	if _, short, _ := p.Pre(ctx, chatRequest("gpt-4o-mini", "one")); short != nil {
		t.Error("different model must miss")
	}
	if _, short, _ := p.Pre(ctx, chatRequest("gpt-4o", "one")); short == nil {
		t.Error("identical request must hit")
	}
}

func TestCache_StreamBypass(t *testing.T) {
	rdb := newTestRedis(t)
	store := npCache.NewExactCacheFromClient(rdb)
	p := NewCache(store, time.Hour, nil, nil, nil)
	ctx := context.Background()

	req := chatRequest("gpt-4o", "ping")
	req.Stream = true

	if _, err := p.Post(ctx, req, chatResponse("pong")); err != nil {
		t.Fatal(err)
	}
	req2 := chatRequest("gpt-4o", "ping")
	if _, short, _ := p.Pre(ctx, req2); short != nil {
		t.Error("stream requests must never populate the cache")
	}
}

func TestCache_ToolCallResponsesNotCached(t *testing.T) {
	rdb := newTestRedis(t)
	store := npCache.NewExactCacheFromClient(rdb)
	p := NewCache(store, time.Hour, nil, nil, nil)
	ctx := context.Background()

	req := chatRequest("gpt-4o", "ping")
	resp := chatResponse("")
	resp.Choices[0].FinishReason = providers.FinishToolCalls
	resp.Choices[0].Message.ToolCalls = []providers.ToolCall{{ID: "t1", Name: "x"}}

	if _, err := p.Post(ctx, req, resp); err != nil {
		t.Fatal(err)
	}
	if _, short, _ := p.Pre(ctx, chatRequest("gpt-4o", "ping")); short != nil {
		t.Error("mid-conversation tool responses must not be cached")
	}
}

func TestCache_ExclusionRules(t *testing.T) {
	rdb := newTestRedis(t)
	store := npCache.NewExactCacheFromClient(rdb)

	el, err := npCache.NewExclusionList([]string{"gpt-4o"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := NewCache(store, time.Hour, el, nil, nil)
	ctx := context.Background()

	req := chatRequest("gpt-4o", "ping")
	if _, err := p.Post(ctx, req, chatResponse("pong")); err != nil {
		t.Fatal(err)
	}
	if _, short, _ := p.Pre(ctx, req); short != nil {
		t.Error("excluded model was cached")
	}
}

func TestAudit_PassThrough(t *testing.T) {
	p := NewAudit(nil)
	ctx := context.Background()

	req := chatRequest("gpt-4o", "hi")
	newReq, short, err := p.Pre(ctx, req)
	if newReq != nil || short != nil || err != nil {
		t.Errorf("audit pre must pass through: %v %v %v", newReq, short, err)
	}
	if newResp, err := p.Post(ctx, req, chatResponse("ok")); newResp != nil || err != nil {
		t.Errorf("audit post must pass through: %v %v", newResp, err)
	}
	if _, err := p.Post(ctx, req, nil); err != nil {
		t.Errorf("audit post must tolerate nil responses: %v", err)
	}
}
