package jobapi

import (
	"encoding/json"
)

// JSONCodec carries the worker RPC wire structs as JSON over connect. It
// takes the place of connect's protobuf-backed "json" codec on both the
// handler and the client side.
type JSONCodec struct{}

func (JSONCodec) Name() string {
	return "json"
}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
