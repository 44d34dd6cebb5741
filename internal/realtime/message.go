// Package realtime implements the websocket link between the client and the
// API: a heartbeat-aware server hub and a reconnecting client.
package realtime

import "encoding/json"

// Message is the JSON envelope exchanged over the socket.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	// MessageTypePing is sent by clients to check liveness.
	MessageTypePing = "ping"
	// MessageTypePong answers a ping.
	MessageTypePong = "pong"
	// MessageTypeHeartbeat is sent by the server after a quiet period.
	MessageTypeHeartbeat = "heartbeat"
	// MessageTypeAck echoes any other client message back in Data.
	MessageTypeAck = "ack"
)
