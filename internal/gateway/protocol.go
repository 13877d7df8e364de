package gateway

import "encoding/json"

// Protocol version bounds sent in the connect request.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// Frame types
const (
	FrameReq   = "req"
	FrameRes   = "res"
	FrameEvent = "event"
)

// Well-known methods and events
const (
	MethodConnect = "connect"
	MethodAgent   = "agent"
	MethodSend    = "send"

	EventChallenge = "connect.challenge"
	EventConnected = "connect.ok"
	EventAgent     = "agent"
	EventTick      = "tick"
	EventHealth    = "health"
	EventPresence  = "presence"
)

// connectRequestID is reserved for the handshake request so its response
// can be matched without a pending-table entry.
const connectRequestID = "connect"

// Stream kinds and lifecycle phases carried in agent events
const (
	StreamAssistant = "assistant"
	StreamLifecycle = "lifecycle"

	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// Frame is one JSON message on the gateway socket, in either direction.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// ErrorShape is the error object of a failed response
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}

// ConnectParams is sent as the "connect" request after the challenge.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Auth        ConnectAuth `json:"auth"`
	Locale      string      `json:"locale,omitempty"`
	UserAgent   string      `json:"userAgent,omitempty"`
}

// ClientInfo identifies this bridge to the gateway
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries the bearer token (empty when none is configured)
type ConnectAuth struct {
	Token string `json:"token"`
}

// Attachment references a local file the agent may read.
type Attachment struct {
	Type     string `json:"type"` // "image" or "file"
	Path     string `json:"path"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// AgentParams are the params of an "agent" request.
type AgentParams struct {
	Message        string       `json:"message"`
	AgentID        string       `json:"agentId"`
	SessionKey     string       `json:"sessionKey"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey"`
}

// SendParams are the params of a generic "send" request.
type SendParams struct {
	To             string `json:"to"`
	Message        string `json:"message"`
	Channel        string `json:"channel,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// AgentResult is the aggregated outcome of an agent call.
type AgentResult struct {
	RunID string
	Text  string
}

// agentResponsePayload is the payload of "res" frames answering an agent request.
type agentResponsePayload struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Result  *struct {
		Payloads []struct {
			Text string `json:"text"`
		} `json:"payloads"`
	} `json:"result,omitempty"`
}

// text joins the final payload texts, if any.
func (p agentResponsePayload) text() string {
	if p.Result == nil {
		return ""
	}
	var out string
	for i, pl := range p.Result.Payloads {
		if i > 0 && out != "" && pl.Text != "" {
			out += "\n\n"
		}
		out += pl.Text
	}
	return out
}

// agentEventPayload is the payload of "agent" events.
type agentEventPayload struct {
	RunID  string          `json:"runId"`
	Stream string          `json:"stream"`
	Seq    int64           `json:"seq,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// assistantData distinguishes a full snapshot (Text) from an increment (Delta).
type assistantData struct {
	Text  *string `json:"text,omitempty"`
	Delta *string `json:"delta,omitempty"`
}

type lifecycleData struct {
	Phase   string `json:"phase"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Agent response statuses that finish a run. Any other status, or none,
// only acknowledges submission; the stream's lifecycle end completes it.
var terminalStatuses = map[string]bool{
	"ok":        true,
	"done":      true,
	"completed": true,
	"error":     true,
}
