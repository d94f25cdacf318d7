package ws

import (
	"encoding/json"
	"fmt"

	"github.com/charleschow/sports-stream/internal/events"
)

// Client → server ops.
const (
	OpSubscribe = "subscribe"
	OpPing      = "ping"
)

// Server → client frame types.
const (
	FrameWelcome    = "welcome"
	FrameSubscribed = "subscribed"
	FramePong       = "pong"
	FrameEvent      = "event"
	FrameError      = "error"
)

// Request is a client → server frame.
type Request struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics,omitempty"`
}

// Frame is a server → client frame.
type Frame struct {
	Type    string                   `json:"type"`
	ID      string                   `json:"id,omitempty"`
	Topics  []string                 `json:"topics,omitempty"`
	Error   string                   `json:"error,omitempty"`
	Message *events.BroadcastMessage `json:"message,omitempty"`
}

func encodeFrame(f Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// Frames only carry strings and already-valid JSON payloads.
		panic(fmt.Sprintf("ws: marshal %s frame: %v", f.Type, err))
	}
	return data
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}
