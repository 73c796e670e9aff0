// Package wire defines the JSON framing spoken over the messaging websocket.
package wire

import (
	"encoding/json"
	"fmt"
)

type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
	OpMessage     Op = "message"
	OpError       Op = "error"
)

// Frame is one websocket text message in either direction.
type Frame struct {
	Op          Op              `json:"op"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Sub         string          `json:"sub,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	switch f.Op {
	case OpSubscribe:
		if f.Topic == "" || f.Sub == "" {
			return Frame{}, fmt.Errorf("subscribe needs topic and sub")
		}
	case OpUnsubscribe:
		if f.Sub == "" {
			return Frame{}, fmt.Errorf("unsubscribe needs sub")
		}
	case OpPublish:
		if f.Destination == "" {
			return Frame{}, fmt.Errorf("publish needs destination")
		}
	case OpMessage:
		if f.Sub == "" {
			return Frame{}, fmt.Errorf("message needs sub")
		}
	case OpError:
	default:
		return Frame{}, fmt.Errorf("unknown op %q", f.Op)
	}
	return f, nil
}

func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Publish builds a publish frame with payload marshalled as the body.
func Publish(destination string, payload any) (Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: OpPublish, Destination: destination, Body: body}, nil
}
