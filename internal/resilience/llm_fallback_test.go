package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/types"
)

func newLLMFallback(primary, secondary *llmmock.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}
	fb := newLLMFallback(primary, secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 || len(secondary.CompleteCalls) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.CompleteCalls), len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_StreamCompletion(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErrs: []error{errors.New("connection refused")}}
	secondary := &llmmock.Provider{Streams: [][]llm.Chunk{{{Text: "Lydia: Hello."}}}}
	fb := newLLMFallback(primary, secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "Lydia: Hello." {
		t.Errorf("text = %q", text)
	}
	if primary.Calls() != 1 || secondary.Calls() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.Calls(), secondary.Calls())
	}
}

func TestLLMFallback_CountTokensAndCapabilities(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{
		TokenCount:        42,
		ModelCapabilities: types.ModelCapabilities{ContextWindow: 8192},
	}
	fb := newLLMFallback(primary, &llmmock.Provider{})

	n, err := fb.CountTokens([]types.Message{{Role: "user", Content: "hi"}})
	if err != nil || n != 42 {
		t.Errorf("CountTokens = %d, %v", n, err)
	}
	if got := fb.Capabilities().ContextWindow; got != 8192 {
		t.Errorf("context window = %d, want primary's 8192", got)
	}
}
