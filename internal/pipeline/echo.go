package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EchoPipeline is a local fallback used when no real agent stack is
// wired in. It streams the input back word by word, with synthetic
// voice chunks when TTS is required.
type EchoPipeline struct {
	// ChunkDelay spaces out chunks so interrupts have something to
	// interrupt. Zero means no delay.
	ChunkDelay time.Duration
}

func NewEchoPipeline(chunkDelay time.Duration) *EchoPipeline {
	return &EchoPipeline{ChunkDelay: chunkDelay}
}

func (p *EchoPipeline) Run(ctx context.Context, in Input) (<-chan Event, error) {
	events := make(chan Event, 16)

	text := in.Text
	if in.DataType == "VOICE" {
		text = fmt.Sprintf("received %d bytes of audio", len(in.Audio))
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		words = []string{"(empty)"}
	}

	go func() {
		defer close(events)
		for i, w := range words {
			if p.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.ChunkDelay):
				}
			} else if ctx.Err() != nil {
				return
			}
			chunk := w
			if i < len(words)-1 {
				chunk += " "
			}
			select {
			case <-ctx.Done():
				return
			case events <- Event{Type: EventChunk, Modality: ModalityText, Text: chunk}:
			}
			if in.RequireTTS {
				select {
				case <-ctx.Done():
					return
				case events <- Event{Type: EventChunk, Modality: ModalityVoice, Audio: []byte(chunk)}:
				}
			}
		}
		select {
		case <-ctx.Done():
		case events <- Event{Type: EventDone}:
		}
	}()

	return events, nil
}
