package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered once at package init so a *grpc.Server can
// select it without generated protobuf stubs: this module hand-writes
// its service registration (see Register) and carries no protoc output,
// so the wire codec is plain JSON rather than the default proto codec.
const jsonCodecName = "regioncdc-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// NewGRPCServer builds a *grpc.Server wired to use the hand-registered
// JSON codec instead of the default protobuf one, plus any caller-
// supplied options (interceptors, credentials, ...).
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	all := append([]grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}, opts...)
	return grpc.NewServer(all...)
}
