package hub

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype of every hub call ("application/grpc+json").
const codecName = "json"

// jsonCodec carries the hub messages as JSON instead of protobuf.
type jsonCodec struct{}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
