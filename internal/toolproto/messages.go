// Package toolproto is the client/server surface for the Tool Protocol: the
// existing remote streaming protocol the external agent runtime exposes for
// tool invocation (spec.md §1 Non-goal — "the tool execution runtime itself
// is out of scope"; this package is the thin consuming client plus a demo
// server, not a new protocol design). It is hand-authored against
// google.golang.org/grpc's public streaming API in the shape
// protoc-gen-go-grpc would emit, since no .proto/protoc pipeline is part of
// this module; wire encoding uses a JSON codec (see codec.go) rather than
// protobuf binary framing.
package toolproto

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// ChunkKind discriminates the frames exchanged on the InvokeTool stream.
type ChunkKind string

const (
	ChunkRequest ChunkKind = "request"
	ChunkOutput  ChunkKind = "output"
	ChunkFinal   ChunkKind = "final"
	ChunkError   ChunkKind = "error"
)

// ToolStreamChunk is the single message type flowing in both directions of
// the bidi InvokeTool stream: the client opens with a ChunkRequest, the
// server may emit zero or more ChunkOutput progress frames, and closes with
// exactly one ChunkFinal or ChunkError.
type ToolStreamChunk struct {
	Kind            ChunkKind        `json:"kind"`
	InvocationID    string           `json:"invocation_id"`
	Tool            string           `json:"tool,omitempty"`
	ProtocolVersion string           `json:"protocol_version,omitempty"`
	Payload         *structpb.Struct `json:"payload,omitempty"`
	Output          *structpb.Struct `json:"output,omitempty"`
	Sequence        int32            `json:"sequence,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
}
