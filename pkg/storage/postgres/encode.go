package postgres

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"ankurah-core/pkg/event"
)

// marshalOperations encodes an event's operations map into the JSONB
// shape the events table stores: backend name -> base64 payloads, since
// Operation.Payload is opaque binary and JSON has no native byte type.
func marshalOperations(ops map[string][]event.Operation) ([]byte, error) {
	wire := make(map[string][]string, len(ops))
	for name, list := range ops {
		encoded := make([]string, len(list))
		for i, op := range list {
			encoded[i] = base64.StdEncoding.EncodeToString(op.Payload)
		}
		wire[name] = encoded
	}
	out, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal operations: %w", err)
	}
	return out, nil
}

func unmarshalOperations(data []byte) (map[string][]event.Operation, error) {
	var wire map[string][]string
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal operations: %w", err)
	}
	ops := make(map[string][]event.Operation, len(wire))
	for name, list := range wire {
		decoded := make([]event.Operation, len(list))
		for i, s := range list {
			payload, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("decode operation payload: %w", err)
			}
			decoded[i] = event.Operation{Payload: payload}
		}
		ops[name] = decoded
	}
	return ops, nil
}

// marshalBuffers/unmarshalBuffers do the same base64-in-JSON encoding
// for a snapshot's opaque per-backend buffers.
func marshalBuffers(buffers map[string][]byte) ([]byte, error) {
	wire := make(map[string]string, len(buffers))
	for name, buf := range buffers {
		wire[name] = base64.StdEncoding.EncodeToString(buf)
	}
	out, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal buffers: %w", err)
	}
	return out, nil
}

func unmarshalBuffers(data []byte) (map[string][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var wire map[string]string
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal buffers: %w", err)
	}
	buffers := make(map[string][]byte, len(wire))
	for name, s := range wire {
		buf, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode buffer: %w", err)
		}
		buffers[name] = buf
	}
	return buffers, nil
}
