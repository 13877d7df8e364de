package gateway

// State is the connection state of the gateway session
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
)

// Event is the interface for all status notifications emitted by a Session
type Event interface {
	gatewayEvent() // marker method
}

// EventStateChanged is emitted on every state transition. Requested is set
// when the transition came from Disconnect rather than a failure.
type EventStateChanged struct {
	From      State
	To        State
	Requested bool
}

func (EventStateChanged) gatewayEvent() {}

// EventAuthFailed is emitted when the gateway rejects the connect request.
// The socket stays open but unauthenticated.
type EventAuthFailed struct {
	Err error
}

func (EventAuthFailed) gatewayEvent() {}

// EventGaveUp is emitted once reconnection stops for good.
type EventGaveUp struct {
	Attempts int
}

func (EventGaveUp) gatewayEvent() {}

// Status is a snapshot for health checks and the status endpoint
type Status struct {
	State             State  `json:"state"`
	Connected         bool   `json:"connected"`
	Authenticated     bool   `json:"authenticated"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	GaveUp            bool   `json:"gaveUp"`
	Pending           int    `json:"pending"`
	LastError         string `json:"lastError,omitempty"`
}
