package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/switchboard/pkg/provider/llm"
	llmmock "github.com/MrWong99/switchboard/pkg/provider/llm/mock"
)

func TestLLMFallback_StreamCompletion_Failover(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{StreamErr: errTest}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hello"}, {Text: " there", FinishReason: "stop"}},
	}
	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("anthropic", secondary)

	req := llm.CompletionRequest{SystemPrompt: "be brief", Messages: []llm.Message{{Role: "user", Content: "hi"}}}
	ch, err := fb.StreamCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "Hello there" {
		t.Errorf("text = %q, want %q", text, "Hello there")
	}
	if len(primary.StreamCalls) != 1 || len(secondary.StreamCalls) != 1 {
		t.Errorf("calls primary=%d secondary=%d, want 1 each", len(primary.StreamCalls), len(secondary.StreamCalls))
	}
	if got := secondary.StreamCalls[0].Req.SystemPrompt; got != "be brief" {
		t.Errorf("forwarded system prompt = %q", got)
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errTest}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("ollama", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewLLMFallback(&llmmock.Provider{StreamErr: errTest}, "openai", FallbackConfig{})
	fb.AddFallback("anthropic", &llmmock.Provider{StreamErr: errTest})

	_, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_PrimaryMetadata(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{TokenCount: 42, ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000}}
	secondary := &llmmock.Provider{TokenCount: 7}
	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("anthropic", secondary)

	n, err := fb.CountTokens([]llm.Message{{Role: "user", Content: "hello"}})
	if err != nil || n != 42 {
		t.Errorf("CountTokens = (%d, %v), want (42, nil)", n, err)
	}
	if got := fb.Capabilities().ContextWindow; got != 128000 {
		t.Errorf("ContextWindow = %d, want 128000", got)
	}
	if secondary.CountTokensCalls != 0 {
		t.Error("secondary should not be asked for metadata")
	}
}
