package toolproto

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a convenience wrapper over ToolProtocolClient that drives a
// single request/response cycle on the InvokeTool stream — the shape the
// Orchestrator actually needs for one tool step, even though the underlying
// RPC is bidi-streaming to allow progress frames.
type Client struct {
	conn    *grpc.ClientConn
	rpc     ToolProtocolClient
	timeout time.Duration
}

// Dial connects to a Tool Protocol server at target.
func Dial(target string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.Dial(target, opts...) //nolint:staticcheck // grpc.NewClient requires a scheme-qualified target; Dial matches the rest of this codebase
	if err != nil {
		return nil, fmt.Errorf("toolproto: dial %s: %w", target, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{conn: conn, rpc: NewToolProtocolClient(conn), timeout: timeout}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// InvokeResult is the outcome of a single tool invocation, including any
// progress frames observed before the terminal frame.
type InvokeResult struct {
	InvocationID string
	Output       map[string]any
	Progress     []map[string]any
}

// Invoke sends a single tool invocation request and blocks until the server
// sends a ChunkFinal or ChunkError frame, collecting any intermediate
// ChunkOutput progress frames along the way.
func (c *Client) Invoke(ctx context.Context, tool string, params map[string]any) (*InvokeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.rpc.InvokeTool(ctx)
	if err != nil {
		return nil, fmt.Errorf("toolproto: open invoke stream: %w", err)
	}

	payload, err := structpb.NewStruct(params)
	if err != nil {
		return nil, fmt.Errorf("toolproto: convert params to proto struct: %w", err)
	}

	invocationID := uuid.NewString()
	if err := stream.Send(&ToolStreamChunk{
		Kind:            ChunkRequest,
		InvocationID:    invocationID,
		Tool:            tool,
		ProtocolVersion: CurrentVersion,
		Payload:         payload,
	}); err != nil {
		return nil, fmt.Errorf("toolproto: send invocation request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("toolproto: close send: %w", err)
	}

	result := &InvokeResult{InvocationID: invocationID}
	for {
		chunk, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("toolproto: receive invocation response: %w", err)
		}
		switch chunk.Kind {
		case ChunkOutput:
			if chunk.Output != nil {
				result.Progress = append(result.Progress, chunk.Output.AsMap())
			}
		case ChunkFinal:
			if chunk.Output != nil {
				result.Output = chunk.Output.AsMap()
			}
			return result, nil
		case ChunkError:
			return nil, &InvocationError{Tool: tool, InvocationID: invocationID, Message: chunk.ErrorMessage}
		default:
			return nil, fmt.Errorf("toolproto: unexpected chunk kind %q", chunk.Kind)
		}
	}
}
