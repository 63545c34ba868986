package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/outpostlabs/presence-fabric/internal/v1/presence"
	"go.uber.org/zap"

	"github.com/outpostlabs/presence-fabric/internal/v1/logging"
)

// errAlreadyJoinedOther mirrors presence.Err* naming but lives at the
// transport boundary: it is raised by the binding itself (spec §4.5),
// before ever reaching the Service.
var errAlreadyJoinedOther = errors.New("transport: socket already joined another room")

// Binding holds the small per-socket session data the spec requires (the
// current presenceRoomId/presenceUserId, nullable) and translates wire
// requests into Service calls, enforcing the one-room-per-socket rule and
// the §4.5 input validation ahead of ever calling the Service.
type Binding struct {
	service *presence.Service
	connID  string

	mu     sync.Mutex
	roomID string
	userID string
}

// NewBinding creates a Binding for one socket. connID must be stable for
// the lifetime of the socket; it is used as the presence connId and the
// transport is its sole source of truth (client-supplied connId fields,
// if any, are always ignored).
func NewBinding(service *presence.Service, connID string) *Binding {
	return &Binding{service: service, connID: connID}
}

// RoomID returns the room this socket is currently bound to, or "" if none.
func (b *Binding) RoomID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roomID
}

// UserID returns the userId this socket joined with, or "" if not yet joined.
func (b *Binding) UserID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userID
}

// HandleJoin processes a presence:join request and returns the ack payload
// (or an error whose message is the ack's error string).
func (b *Binding) HandleJoin(ctx context.Context, raw json.RawMessage) (*JoinResponse, error) {
	var req JoinRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, presence.ErrInvalidArgument
	}
	if err := validateIdentifier("roomId", req.RoomID); err != nil {
		return nil, presence.ErrInvalidArgument
	}
	if err := validateIdentifier("userId", req.UserID); err != nil {
		return nil, presence.ErrInvalidArgument
	}
	if err := validateState(req.State); err != nil {
		return nil, presence.ErrInvalidArgument
	}

	b.mu.Lock()
	currentRoom := b.roomID
	b.mu.Unlock()
	if currentRoom != "" && currentRoom != req.RoomID {
		return nil, errAlreadyJoinedOther
	}

	snapshot, epoch, err := b.service.Join(ctx, req.RoomID, req.UserID, b.connID, req.State)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.roomID = req.RoomID
	b.userID = req.UserID
	b.mu.Unlock()

	wireSnapshot := make([]SnapshotEntryWire, 0, len(snapshot))
	for _, entry := range snapshot {
		wireSnapshot = append(wireSnapshot, SnapshotEntryWire{
			ConnID: entry.ConnID, UserID: entry.UserID, State: entry.State,
			LastSeenMs: entry.LastSeenMs, Epoch: entry.Epoch,
		})
	}
	return &JoinResponse{Snapshot: wireSnapshot, Self: SelfInfo{ConnID: b.connID, Epoch: epoch}}, nil
}

// HandleHeartbeat processes a presence:heartbeat request.
func (b *Binding) HandleHeartbeat(ctx context.Context, raw json.RawMessage) (*HeartbeatResponse, error) {
	var req HeartbeatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, presence.ErrInvalidArgument
	}
	if err := validateEpoch(req.Epoch); err != nil {
		return nil, presence.ErrInvalidArgument
	}
	if err := validateState(req.PatchState); err != nil {
		return nil, presence.ErrInvalidArgument
	}

	result, err := b.service.Heartbeat(ctx, b.connID, req.PatchState, req.Epoch)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResponse{Changed: result.Changed, Epoch: result.Epoch}, nil
}

// HandleLeave processes an explicit presence:leave request.
func (b *Binding) HandleLeave(ctx context.Context) error {
	_, err := b.service.Leave(ctx, b.connID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.roomID, b.userID = "", ""
	b.mu.Unlock()
	return nil
}

// HandleDisconnect synthesizes a leave for the socket's connId (spec §4.5
// "On transport disconnect, synthesizes a leave(connId)"). Errors are
// logged, never surfaced: there is no ack to deliver them to.
func (b *Binding) HandleDisconnect(ctx context.Context) {
	if _, err := b.service.Leave(ctx, b.connID); err != nil {
		logging.Warn(ctx, "disconnect leave failed", zap.Error(err), zap.String("conn_id", b.connID))
	}
}
