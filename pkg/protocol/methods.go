package protocol

// ProtocolVersion is bumped whenever frame shapes change.
const ProtocolVersion = 1

// RPC method names accepted on the /ws endpoint.
const (
	MethodAgentSubscribe   = "agent.subscribe"
	MethodAgentUnsubscribe = "agent.unsubscribe"
	MethodHealth           = "health"
	MethodSessionsList     = "sessions.list"
)

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client-to-server RPC call.
type RequestFrame struct {
	Type   string         `json:"type"`
	ID     string         `json:"id,omitempty"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EventFrame is a server push.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
}

// NewEvent builds an EventFrame.
func NewEvent(name string, payload any) EventFrame {
	return EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}
