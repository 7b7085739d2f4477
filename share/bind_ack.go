package wsgshare

import (
	json "github.com/goccy/go-json"
)

// BindAck is the JSON payload of a FrameBindAck. The frame's link id
// mirrors the one in the FrameBind request so the client can match the
// reply.
type BindAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Marshal serializes the ack payload
func (a *BindAck) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBindAck parses a FrameBindAck payload
func UnmarshalBindAck(b []byte) (*BindAck, error) {
	a := &BindAck{}
	if err := json.Unmarshal(b, a); err != nil {
		return nil, err
	}
	return a, nil
}
