// Package presence implements the authoritative join/heartbeat/leave
// business logic described for the presence fabric: epoch allocation and
// fencing, per-room aggregate indices, and cross-node event publication.
// It owns every write to the backing store's conn/room/user/active_rooms
// keys (spec §3.3); nothing outside this package writes to them directly.
package presence

import "encoding/json"

// unsetSentinel is the reserved patch value that signals "delete this key"
// during a heartbeat's shallow state merge. A JSON null patch value instead
// retains the key with a null value — see Service.Heartbeat.
const unsetSentinel = " __unset__ "

// Unset is the patchState value callers supply to delete a key from a
// connection's advertised state on the next heartbeat.
var Unset = unsetSentinel

// EventType names a connection lifecycle transition.
type EventType string

const (
	EventJoin   EventType = "join"
	EventUpdate EventType = "update"
	EventLeave  EventType = "leave"
)

// Event is the immutable record broadcast on a connection's lifecycle
// transition (spec §3.1 "Event").
type Event struct {
	Type   EventType       `json:"type"`
	RoomID string          `json:"roomId"`
	UserID string          `json:"userId"`
	ConnID string          `json:"connId"`
	State  json.RawMessage `json:"state,omitempty"`
	Epoch  int64           `json:"epoch,omitempty"`
	TS     int64           `json:"ts"`
}

// SnapshotEntry is a point-in-time view of a room member, returned on join.
type SnapshotEntry struct {
	ConnID     string          `json:"connId"`
	UserID     string          `json:"userId"`
	State      json.RawMessage `json:"state,omitempty"`
	LastSeenMs int64           `json:"lastSeenMs"`
	Epoch      int64           `json:"epoch"`
}

// HeartbeatResult is the outcome of Service.Heartbeat.
type HeartbeatResult struct {
	Changed bool
	Epoch   int64
}

// LeaveResult identifies which room/user a connection was removed from.
type LeaveResult struct {
	RoomID string
	UserID string
}

// Key layout, spec §4.2.1. The `{room:<roomId>}` brace notation is kept
// verbatim in generated keys as a colocation hint for sharded deployments of
// the backing store; a single-node store treats it as an ordinary
// substring.
func connKey(connID string) string {
	return "prs:conn:" + connID
}

func roomConnsKey(roomID string) string {
	return "prs:{room:" + roomID + "}:conns"
}

func roomMembersKey(roomID string) string {
	return "prs:{room:" + roomID + "}:members"
}

func roomLastSeenKey(roomID string) string {
	return "prs:{room:" + roomID + "}:last_seen"
}

func roomConnMetaKey(roomID string) string {
	return "prs:{room:" + roomID + "}:conn_meta"
}

func userConnsKey(userID string) string {
	return "prs:user:" + userID + ":conns"
}

func activeRoomsKey() string {
	return "prs:active_rooms"
}

func roomEventsChannel(roomID string) string {
	return "prs:{room:" + roomID + "}:events"
}

// EventSubscribePattern is the pattern the Event Bridge subscribes to in
// order to observe every room's event channel (spec §4.3).
const EventSubscribePattern = "prs:{room:*}:events"
