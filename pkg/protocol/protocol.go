// Package protocol defines the wire format shared by the dashboard
// gateway and its websocket clients.
package protocol

import "time"

// Server-to-client message types.
const (
	TypeInitialStatus = "initial_status"
	TypeStatusUpdate  = "status_update"
	TypeAgentUpdate   = "agent_update"
	TypeLiveEvent     = "live_event"
	TypeAgentDetails  = "agent_details"
	TypeSuccession    = "succession"
	TypeWaveChange    = "wave_change"
	TypePong          = "pong"
	TypeError         = "error"
)

// Client-to-server message types.
const (
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeRequestStatus = "request_status"
	TypeRequestAgent  = "request_agent"
	TypePing          = "ping"
)

// DefaultSubscriptions is what a fresh connection receives before it
// sends any subscribe message.
func DefaultSubscriptions() []string {
	return []string{TypeStatusUpdate, TypeAgentUpdate, TypeLiveEvent}
}

// Envelope wraps every server-to-client payload.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ClientMessage is what the dashboard sends back over the socket.
type ClientMessage struct {
	Type    string   `json:"type"`
	Events  []string `json:"events,omitempty"`
	AgentID string   `json:"agent_id,omitempty"`
}

// NewEnvelope stamps a payload with the current UTC time.
func NewEnvelope(msgType string, data any) Envelope {
	return Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
