package pipeline

import (
	"context"
	"sync"
)

// MockPipeline replays scripted events and records inputs. Tests gate
// its progress through the Release channel to exercise interrupts at
// known suspension points.
type MockPipeline struct {
	mu     sync.Mutex
	script []Event
	inputs []Input

	// Release, when non-nil, is received from before each scripted
	// event is emitted.
	Release chan struct{}
}

func NewMockPipeline(script ...Event) *MockPipeline {
	return &MockPipeline{script: script}
}

// Inputs returns every input Run has observed so far.
func (p *MockPipeline) Inputs() []Input {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Input, len(p.inputs))
	copy(out, p.inputs)
	return out
}

func (p *MockPipeline) Run(ctx context.Context, in Input) (<-chan Event, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, in)
	script := make([]Event, len(p.script))
	copy(script, p.script)
	release := p.Release
	p.mu.Unlock()

	events := make(chan Event, len(script))
	go func() {
		defer close(events)
		for _, evt := range script {
			if release != nil {
				select {
				case <-ctx.Done():
					return
				case <-release:
				}
			} else if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case events <- evt:
			}
		}
	}()
	return events, nil
}
