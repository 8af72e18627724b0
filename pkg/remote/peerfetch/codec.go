// Package peerfetch implements the retrieval extension interface (spec
// §6) over gRPC: a RemoteFetcher that asks a peer for events by id.
//
// Without a .proto/.pb.go pair to generate from, this package defines
// its own minimal service by hand: one unary method,
// wire messages that are plain Go structs, and a JSON grpc.Codec
// (encoding/json, registered under the name "json") standing in for
// protobuf wire encoding. google.golang.org/protobuf is not imported
// here; it remains in go.mod only as an indirect dependency of grpc
// (status/health-check wire types), not something this codec exercises.
package peerfetch

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the codec registered for this service's wire format.
const CodecName = "json"

// jsonCodec adapts encoding/json to grpc's Codec interface.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("peerfetch: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("peerfetch: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
