package toolproto

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's global codec registry and selected via
// the "content-subtype" of the "application/grpc+json" content type instead
// of grpc's default protobuf binary framing (google.golang.org/grpc/encoding/proto).
const codecName = "json"

// jsonCodec marshals ToolStreamChunk (and any other codec.Codec-compatible
// value) as JSON. structpb.Struct/Value implement MarshalJSON/UnmarshalJSON,
// so a *ToolStreamChunk containing a *structpb.Struct payload round-trips
// through plain encoding/json without needing protobuf wire framing.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
