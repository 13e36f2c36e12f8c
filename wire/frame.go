package wire

// Relay frame operations. A participant opens with FrameConnect and waits
// for FrameConnAck; the relay pushes FrameMessage for every delivery.
const (
	FrameConnect     = "connect"
	FrameConnAck     = "connack"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FrameDisconnect  = "disconnect"
	FrameMessage     = "message"
	FrameError       = "error"
)

// Frame is one websocket message between a participant and the relay.
// Payloads are opaque and travel base64-encoded.
type Frame struct {
	Op       string     `json:"op"`
	ID       string     `json:"id,omitempty"`
	Topic    string     `json:"topic,omitempty"`
	Payload  []byte     `json:"payload,omitempty"`
	Retained bool       `json:"retained,omitempty"`
	Will     *WillFrame `json:"will,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// WillFrame is the message the relay publishes when a connection drops
// without a FrameDisconnect.
type WillFrame struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}
