// Package transport binds the presence service to a concrete socket
// transport (spec §4.5, §6.1, §6.2): one binding per connection, JSON
// request/ack framing, and broadcast of presence events to every socket
// joined to a room.
package transport

import (
	"encoding/json"
	"fmt"
)

const (
	maxIdentifierBytes = 256
	maxStateBytes      = 64 * 1024
	maxEpochBits       = 53
)

// maxEpoch is the largest integer a float64 (and therefore JSON-encoded
// number on most clients) can represent without loss of precision.
const maxEpoch = int64(1)<<maxEpochBits - 1

// RequestName enumerates the client -> server request names (spec §6.2).
type RequestName string

const (
	RequestJoin      RequestName = "presence:join"
	RequestHeartbeat RequestName = "presence:heartbeat"
	RequestLeave     RequestName = "presence:leave"
)

// DefaultEventName is the server -> client broadcast name (spec §6.3
// eventName tunable default).
const DefaultEventName = "presence:event"

// Envelope is the wire framing around every inbound request: a name, a
// raw payload dispatched per RequestName, and a correlation id echoed back
// on the ack so the client can match responses to requests.
type Envelope struct {
	ID      string          `json:"id"`
	Name    RequestName     `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Ack is the wire framing around every response to an Envelope.
type Ack struct {
	ID string `json:"id"`
	AckPayload
}

// AckPayload is embedded in Ack and marshaled inline with it.
type AckPayload struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BroadcastMessage is the wire framing around a server-initiated event.
type BroadcastMessage struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload"`
}

// JoinRequest is the payload of a presence:join request.
type JoinRequest struct {
	RoomID string         `json:"roomId"`
	UserID string         `json:"userId"`
	State  map[string]any `json:"state,omitempty"`
}

// SelfInfo reports the caller's own connId/epoch alongside the snapshot.
type SelfInfo struct {
	ConnID string `json:"connId"`
	Epoch  int64  `json:"epoch"`
}

// JoinResponse is the successful-ack payload of presence:join.
type JoinResponse struct {
	Snapshot []SnapshotEntryWire `json:"snapshot"`
	Self     SelfInfo             `json:"self"`
}

// SnapshotEntryWire is the wire shape of one snapshot member (spec §6.2).
type SnapshotEntryWire struct {
	ConnID     string          `json:"connId"`
	UserID     string          `json:"userId"`
	State      json.RawMessage `json:"state,omitempty"`
	LastSeenMs int64           `json:"lastSeenMs"`
	Epoch      int64           `json:"epoch"`
}

// HeartbeatRequest is the payload of a presence:heartbeat request.
type HeartbeatRequest struct {
	PatchState map[string]any `json:"patchState,omitempty"`
	Epoch      int64          `json:"epoch"`
}

// HeartbeatResponse is the successful-ack payload of presence:heartbeat.
type HeartbeatResponse struct {
	Changed bool  `json:"changed"`
	Epoch   int64 `json:"epoch,omitempty"`
}

// validateIdentifier enforces the non-empty, <=256-byte rule shared by
// roomId and userId (spec §4.5).
func validateIdentifier(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	if len(value) > maxIdentifierBytes {
		return fmt.Errorf("%s exceeds %d bytes", name, maxIdentifierBytes)
	}
	return nil
}

// validateState enforces the <=64KiB serialized-size rule (spec §4.5).
func validateState(state map[string]any) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("state is not JSON-serializable: %w", err)
	}
	if len(data) > maxStateBytes {
		return fmt.Errorf("state exceeds %d bytes", maxStateBytes)
	}
	return nil
}

// validateEpoch enforces the non-negative, 53-bit rule (spec §4.5).
func validateEpoch(epoch int64) error {
	if epoch < 0 {
		return fmt.Errorf("epoch must be non-negative")
	}
	if epoch > maxEpoch {
		return fmt.Errorf("epoch exceeds %d-bit range", maxEpochBits)
	}
	return nil
}
