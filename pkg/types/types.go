package types

// MessageType identifies the kind of frame carried over the shared channel.
type MessageType uint8

const (
	MessageEcho       MessageType = 0
	MessageCompletion MessageType = 1
	MessageStream     MessageType = 2
	MessageCancel     MessageType = 3
	MessageHeartbeat  MessageType = 4
	MessageShutdown   MessageType = 5
	MessageError      MessageType = 6
	MessageCustom     MessageType = 99
)

// String returns a stable name for logs and metrics labels.
func (t MessageType) String() string {
	switch t {
	case MessageEcho:
		return "echo"
	case MessageCompletion:
		return "completion"
	case MessageStream:
		return "stream"
	case MessageCancel:
		return "cancel"
	case MessageHeartbeat:
		return "heartbeat"
	case MessageShutdown:
		return "shutdown"
	case MessageError:
		return "error"
	case MessageCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// CompletionRequest is the payload of a MessageCompletion frame.
type CompletionRequest struct {
	ConnectionID string   `json:"connection_id"`
	RequestID    string   `json:"request_id"`
	Model        string   `json:"model,omitempty"`
	Prompt       string   `json:"prompt"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	Stop         []string `json:"stop,omitempty"`
}

// ErrorResponse is the structured error payload returned to clients.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

// ProviderStatus is one provider's view in a status snapshot.
type ProviderStatus struct {
	ID        string `json:"id"`
	Priority  int    `json:"priority"`
	State     string `json:"state"`
	Failures  uint64 `json:"failures"`
	Requests  uint64 `json:"requests"`
	LatencyMS uint64 `json:"latency_ms_total"`
}

// StatusResponse is the admin /status payload.
type StatusResponse struct {
	State          string           `json:"state"`
	Connections    int              `json:"connections"`
	QueueDepth     int              `json:"queue_depth"`
	Providers      []ProviderStatus `json:"providers"`
	ReconnectState string           `json:"reconnect_state"`
	Err            string           `json:"error,omitempty"`
}
