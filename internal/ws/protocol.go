package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies an envelope on the agent WebSocket protocol.
type Kind string

// Message kinds for the agent WebSocket protocol.
const (
	// Both directions
	KindHandshake = Kind("handshake")
	KindHeartbeat = Kind("heartbeat")

	// Client → Agent
	KindUserTurn         = Kind("user-turn")
	KindListFilesRequest = Kind("list-files-request")

	// Agent → Client
	KindAgentPartial       = Kind("agent-partial")        // streamed turn text, requires id
	KindAgentFinal         = Kind("agent-final")          // terminal turn text, requires id
	KindFileUpdateBegin    = Kind("file-update-begin")    // update cycle opened
	KindFileUpdateProgress = Kind("file-update-progress") // transient per-file marker, requires id
	KindFileUpdateComplete = Kind("file-update-complete") // update cycle closed
	KindListFilesResponse  = Kind("list-files-response")
	KindError              = Kind("error")

	// Local only: published by the Client, never read from or written to the wire.
	KindConnected      = Kind("connected")
	KindDisconnected   = Kind("disconnected")
	KindTransportError = Kind("transport-error")
)

// WireKinds lists every kind that may appear in a frame.
var WireKinds = []Kind{
	KindHandshake, KindHeartbeat, KindUserTurn, KindListFilesRequest,
	KindAgentPartial, KindAgentFinal, KindFileUpdateBegin, KindFileUpdateProgress,
	KindFileUpdateComplete, KindListFilesResponse, KindError,
}

// Local reports whether k is a lifecycle kind produced by the Client itself.
func (k Kind) Local() bool {
	return k == KindConnected || k == KindDisconnected || k == KindTransportError
}

// Streaming reports whether envelopes of kind k carry a TurnID that merges them.
func (k Kind) Streaming() bool {
	return k == KindAgentPartial || k == KindAgentFinal || k == KindFileUpdateProgress
}

// Envelope is one decoded protocol message. Payload holds the variant that
// matches Kind (see payloadFor).
type Envelope struct {
	Kind      Kind
	ID        string
	Timestamp int64 // unix millis
	Payload   any
}

// frame is the JSON shape of an Envelope on the wire.
type frame struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Handshake is sent by the client to create or restore a sandbox, and echoed
// back by the agent with the live preview URL.
type Handshake struct {
	RemoteSandboxID string `json:"remoteSandboxId,omitempty"`
	LocalSessionID  string `json:"localSessionId,omitempty"`
	URL             string `json:"url,omitempty"`
}

// UserTurn carries text typed by the user.
type UserTurn struct {
	Text string `json:"text"`
}

// StreamText is the payload of agent-partial, agent-final and
// file-update-progress. TurnID is the envelope id; decoding fails without it.
type StreamText struct {
	TurnID string `json:"-"`
	Text   string `json:"text"`
}

// Empty is the payload of signal-only kinds.
type Empty struct{}

// ListFilesRequest asks the agent for the workspace listing of a sandbox.
type ListFilesRequest struct {
	RemoteSandboxID string `json:"remoteSandboxId"`
}

// ListFilesResponse carries the workspace listing: path → contents.
type ListFilesResponse struct {
	Files map[string]string `json:"files"`
}

// ErrorMsg is sent by the agent for request-level failures.
type ErrorMsg struct {
	Message string `json:"message"`
}

// Lifecycle is the payload of the local connected/disconnected/transport-error kinds.
type Lifecycle struct {
	Code     int           // websocket close code, -1 when unknown
	Reason   string        // close reason or error text
	Attempt  int           // reconnect attempt number scheduled (0 if none)
	Delay    time.Duration // delay before that attempt
	Retrying bool          // a reconnect is scheduled
	Fatal    bool          // transport gave up; no further reconnects
	Err      error
}

// RestorationHint tells the agent which sandbox to resume.
type RestorationHint struct {
	RemoteSandboxID string
	LocalSessionID  string
}

// payloadFor returns a pointer to a zero payload variant for k.
func payloadFor(k Kind) (any, bool) {
	switch k {
	case KindHandshake:
		return &Handshake{}, true
	case KindUserTurn:
		return &UserTurn{}, true
	case KindAgentPartial, KindAgentFinal, KindFileUpdateProgress:
		return &StreamText{}, true
	case KindFileUpdateBegin, KindFileUpdateComplete, KindHeartbeat:
		return &Empty{}, true
	case KindListFilesRequest:
		return &ListFilesRequest{}, true
	case KindListFilesResponse:
		return &ListFilesResponse{}, true
	case KindError:
		return &ErrorMsg{}, true
	}
	return nil, false
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(kind Kind, id string, payload any) Envelope {
	return Envelope{Kind: kind, ID: id, Timestamp: time.Now().UnixMilli(), Payload: payload}
}

// Encode serializes env into a wire frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Kind == "" {
		return nil, &ProtocolViolation{ID: env.ID, Reason: "missing kind"}
	}
	if env.Kind.Local() {
		return nil, &ProtocolViolation{Kind: env.Kind, ID: env.ID, Reason: "local kind cannot be sent"}
	}
	if st, ok := env.Payload.(StreamText); ok && env.ID == "" {
		env.ID = st.TurnID
	}
	if env.Kind.Streaming() && env.ID == "" {
		return nil, &ProtocolViolation{Kind: env.Kind, Reason: "missing id"}
	}
	payload := env.Payload
	if payload == nil {
		payload = Empty{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", env.Kind, err)
	}
	return json.Marshal(frame{Kind: env.Kind, ID: env.ID, Timestamp: env.Timestamp, Payload: raw})
}

// Decode parses a wire frame and checks its payload against its kind.
// A missing timestamp is defaulted to now.
func Decode(data []byte, now time.Time) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, &ProtocolViolation{Reason: "malformed frame", Err: err}
	}
	if f.Kind == "" {
		return Envelope{}, &ProtocolViolation{ID: f.ID, Reason: "missing kind"}
	}
	p, ok := payloadFor(f.Kind)
	if !ok {
		return Envelope{}, &ProtocolViolation{Kind: f.Kind, ID: f.ID, Reason: "unknown kind"}
	}
	if f.Kind.Streaming() && f.ID == "" {
		return Envelope{}, &ProtocolViolation{Kind: f.Kind, Reason: "missing id"}
	}
	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		if err := json.Unmarshal(f.Payload, p); err != nil {
			return Envelope{}, &ProtocolViolation{Kind: f.Kind, ID: f.ID, Reason: "bad payload", Err: err}
		}
	}
	ts := f.Timestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}
	env := Envelope{Kind: f.Kind, ID: f.ID, Timestamp: ts}
	switch v := p.(type) {
	case *Handshake:
		env.Payload = *v
	case *UserTurn:
		env.Payload = *v
	case *StreamText:
		v.TurnID = f.ID
		env.Payload = *v
	case *Empty:
		env.Payload = *v
	case *ListFilesRequest:
		env.Payload = *v
	case *ListFilesResponse:
		env.Payload = *v
	case *ErrorMsg:
		env.Payload = *v
	}
	return env, nil
}
