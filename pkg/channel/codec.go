package channel

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Frame types carried in the "type" field of every envelope
const (
	FrameDispatch  = "dispatch"
	FrameHeartbeat = "heartbeat"
	FrameResult    = "result"
	FrameResultAck = "result-ack"
)

// encodeFrame converts a JSON-tagged value into a Struct envelope of the given type
func encodeFrame(frameType string, v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("frame payload must be an object: %w", err)
	}
	fields["type"] = frameType
	return structpb.NewStruct(fields)
}

// decodeFrame fills v from a Struct envelope
func decodeFrame(frame *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s frame: %w", frameTypeOf(frame), err)
	}
	return nil
}

func frameTypeOf(frame *structpb.Struct) string {
	if frame == nil {
		return ""
	}
	return frame.GetFields()["type"].GetStringValue()
}
