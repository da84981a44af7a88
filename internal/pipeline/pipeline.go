// Package pipeline is the seam between the protocol engine and the
// external agent stack (STT, LLM, function calling, TTS). The engine
// hands a completed input and a cancellation token to a Pipeline and
// consumes a stream of output events; everything behind the interface
// is an opaque collaborator.
package pipeline

import (
	"context"
	"encoding/json"

	"github.com/ent0n29/parley/internal/protocol"
)

// Modality tags one output chunk.
type Modality string

const (
	ModalityText  Modality = "TEXT"
	ModalityVoice Modality = "VOICE"
)

// Input is one completed request input: text, or fully reassembled
// audio, plus the session attributes snapshotted at admission.
type Input struct {
	SessionID  string
	RequestID  string
	DataType   protocol.DataType
	Text       string
	Audio      []byte
	RequireTTS bool
	Functions  []protocol.FunctionSpec
}

type EventType string

const (
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one element of a pipeline's output stream. Chunk events
// carry exactly one modality; Done and Error are terminal. Closing the
// event channel without a terminal event counts as Done.
type Event struct {
	Type         EventType
	Modality     Modality
	Text         string
	Audio        []byte
	FunctionCall json.RawMessage
	Code         string
	Detail       string
}

// Pipeline produces output events for one input. Implementations must
// check ctx between chunks and stop promptly once it is cancelled;
// cancellation is cooperative and never forcibly kills work in flight.
type Pipeline interface {
	Run(ctx context.Context, in Input) (<-chan Event, error)
}
