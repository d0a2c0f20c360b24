package toolproto

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Handler executes a single tool invocation and returns its output. The
// production wiring never implements this within this package — the real
// implementation lives in the external agent runtime this package is a
// client for; this interface exists so cmd/toolrund's demo server can plug
// in the PreflightSimulator's MockToolRegistry-shaped behavior over the
// wire for local development.
type Handler interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error)
}

// Server implements ToolProtocolServer over a Handler.
type Server struct {
	handler Handler
	logger  *zap.Logger
}

// NewServer constructs a Server dispatching to handler.
func NewServer(handler Handler, logger *zap.Logger) *Server {
	return &Server{handler: handler, logger: logger.Named("toolproto_server")}
}

// InvokeTool implements ToolProtocolServer: reads exactly one request frame,
// runs it through the handler, and sends exactly one terminal frame.
func (s *Server) InvokeTool(stream ToolProtocol_InvokeToolServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	if req.Kind != ChunkRequest {
		return stream.Send(&ToolStreamChunk{
			Kind:         ChunkError,
			InvocationID: req.InvocationID,
			ErrorMessage: "expected a request frame to open the stream",
		})
	}

	version, err := NegotiateVersion(req.ProtocolVersion)
	if err != nil {
		return stream.Send(&ToolStreamChunk{
			Kind:         ChunkError,
			InvocationID: req.InvocationID,
			ErrorMessage: err.Error(),
		})
	}

	var params map[string]any
	if req.Payload != nil {
		params = req.Payload.AsMap()
	}

	out, err := s.handler.Invoke(stream.Context(), req.Tool, params)
	if err != nil {
		s.logger.Warn("tool invocation failed", zap.String("tool", req.Tool), zap.Error(err))
		return stream.Send(&ToolStreamChunk{
			Kind:            ChunkError,
			InvocationID:    req.InvocationID,
			ProtocolVersion: version,
			ErrorMessage:    err.Error(),
		})
	}

	outStruct, err := structpb.NewStruct(out)
	if err != nil {
		return stream.Send(&ToolStreamChunk{
			Kind:         ChunkError,
			InvocationID: req.InvocationID,
			ErrorMessage: "failed to encode tool output: " + err.Error(),
		})
	}

	return stream.Send(&ToolStreamChunk{
		Kind:            ChunkFinal,
		InvocationID:    req.InvocationID,
		Tool:            req.Tool,
		ProtocolVersion: version,
		Output:          outStruct,
	})
}
