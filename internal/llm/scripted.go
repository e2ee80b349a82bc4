package llm

import (
	"context"
	"iter"
	"sync"
)

// ScriptedTurn is the canned output of one Stream call.
type ScriptedTurn struct {
	Deltas []Delta
	// Err is yielded after all deltas.
	Err error
	// Hold, when set, blocks after the deltas until it is closed or the
	// context is cancelled.
	Hold <-chan struct{}
}

// ScriptedProvider replays scripted turns in order. It is safe for concurrent use.
//
// Usage:
//
//	p := &ScriptedProvider{Turns: []ScriptedTurn{
//	    {Deltas: []Delta{{Content: "Hello"}, {FinishReason: FinishStop}}},
//	}}
type ScriptedProvider struct {
	Turns []ScriptedTurn

	mu       sync.Mutex
	next     int
	requests []CompletionRequest
}

// Name returns the provider identifier.
func (p *ScriptedProvider) Name() string {
	return "scripted"
}

// Stream implements Provider.
func (p *ScriptedProvider) Stream(ctx context.Context, req CompletionRequest) iter.Seq2[Delta, error] {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var turn ScriptedTurn
	if p.next < len(p.Turns) {
		turn = p.Turns[p.next]
		p.next++
	} else {
		turn = ScriptedTurn{Deltas: []Delta{{FinishReason: FinishStop}}}
	}
	p.mu.Unlock()

	return func(yield func(Delta, error) bool) {
		for _, d := range turn.Deltas {
			if err := ctx.Err(); err != nil {
				yield(Delta{}, err)
				return
			}
			if !yield(d, nil) {
				return
			}
		}
		if turn.Hold != nil {
			select {
			case <-turn.Hold:
			case <-ctx.Done():
				yield(Delta{}, ctx.Err())
				return
			}
		}
		if turn.Err != nil {
			yield(Delta{}, turn.Err)
		}
	}
}

// Requests returns the requests received so far.
func (p *ScriptedProvider) Requests() []CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// CallCount returns the number of Stream calls.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
