package api

import "time"

// Frame types pushed to websocket subscribers.
const (
	FrameConnected      = "connected"
	FrameStatusUpdate   = "status_update"
	FrameProgressUpdate = "progress_update"
	FrameError          = "error"
	FramePing           = "ping"
	FramePong           = "pong"
)

type FrameHeader struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Token     string `json:"token,omitempty"`
}

func NewFrameHeader(frameType, token string) FrameHeader {
	return FrameHeader{
		Type:      frameType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Token:     token,
	}
}

// ConnectedFrame is sent once, immediately after a subscriber attaches.
type ConnectedFrame struct {
	FrameHeader
	Message string `json:"message"`
}

// ResultData carries execution output on terminal status updates.
type ResultData struct {
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	CompileOutput string `json:"compile_output,omitempty"`
	Time          string `json:"time,omitempty"`
	Memory        int64  `json:"memory,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
}

// StatusUpdateFrame is broadcast on every lifecycle transition.
type StatusUpdateFrame struct {
	FrameHeader
	Status Status      `json:"status"`
	Data   *ResultData `json:"data,omitempty"`
}

// ProgressUpdateFrame is broadcast before the run phase starts.
type ProgressUpdateFrame struct {
	FrameHeader
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// ErrorFrame is broadcast when orchestration fails internally.
type ErrorFrame struct {
	FrameHeader
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// PongFrame answers a subscriber ping.
type PongFrame struct {
	FrameHeader
}
