// Package mock provides a test double for the llm.Provider interface.
//
// Streams are scripted per call: the n-th StreamCompletion call replays
// Streams[n] (or the last entry once the script runs out), which lets retry
// tests feed a bad first response followed by a good one.
//
//	p := &mock.Provider{Streams: [][]llm.Chunk{
//	    {{Text: "Guard1: Halt!"}},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors.
type Provider struct {
	mu sync.Mutex

	// Streams holds one chunk script per StreamCompletion call.
	Streams [][]llm.Chunk

	// StreamErrs, when its n-th entry is non-nil, makes the n-th call fail
	// before a channel is opened.
	StreamErrs []error

	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// TokenCount and CountTokensErr are returned by CountTokens.
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// Call records.
	StreamCalls      []StreamCall
	CompleteCalls    []llm.CompletionRequest
	CountTokensCalls int
}

// StreamCompletion records the call and replays the matching script.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if n < len(p.StreamErrs) && p.StreamErrs[n] != nil {
		err := p.StreamErrs[n]
		p.mu.Unlock()
		return nil, err
	}
	var chunks []llm.Chunk
	switch {
	case n < len(p.Streams):
		chunks = append(chunks, p.Streams[n]...)
	case len(p.Streams) > 0:
		chunks = append(chunks, p.Streams[len(p.Streams)-1]...)
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens records the call and returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(_ []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls++
	return p.TokenCount, p.CountTokensErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns the number of StreamCompletion invocations so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

var _ llm.Provider = (*Provider)(nil)
