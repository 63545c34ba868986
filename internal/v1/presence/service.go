package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/outpostlabs/presence-fabric/internal/v1/logging"
	"github.com/outpostlabs/presence-fabric/internal/v1/metrics"
	"github.com/outpostlabs/presence-fabric/internal/v1/store"
	"go.uber.org/zap"
)

const maxHeartbeatRetries = 3

// Service is the authoritative business logic for join/heartbeat/leave
// (spec §4.2). It exclusively owns writes to connection and room aggregate
// keys; the Reaper only reaches the store through Service.Leave.
type Service struct {
	store *store.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewService builds a Service against client, expiring connection hashes
// after ttl (spec §6.3 ttlMs).
func NewService(client *store.Client, ttl time.Duration) *Service {
	return &Service{store: client, ttl: ttl, now: time.Now}
}

func (s *Service) nowMs() int64 {
	return s.now().UnixMilli()
}

func observe(op string, start time.Time, err error) {
	metrics.ServiceOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ServiceOperationsTotal.WithLabelValues(op, status).Inc()
}

// Join implements spec §4.2.2. It returns the full room snapshot (including
// the joining connection) and the epoch allocated to connId.
func (s *Service) Join(ctx context.Context, roomID, userID, connID string, state map[string]any) ([]SnapshotEntry, int64, error) {
	start := time.Now()
	var err error
	defer func() { observe("join", start, err) }()

	existing, readErr := s.store.HashGetAll(ctx, connKey(connID))
	if readErr != nil {
		err = wrapStoreErr(readErr)
		return nil, 0, err
	}
	if existingRoom, ok := existing["roomId"]; ok && existingRoom != "" && existingRoom != roomID {
		if _, leaveErr := s.Leave(ctx, connID); leaveErr != nil {
			logging.Warn(ctx, "internal leave before reconnect join failed", zap.Error(leaveErr), zap.String("conn_id", connID))
		}
	}

	if state == nil {
		state = map[string]any{}
	}
	stateJSON, marshalErr := json.Marshal(state)
	if marshalErr != nil {
		err = fmt.Errorf("%w: state not serializable: %v", ErrInvalidArgument, marshalErr)
		return nil, 0, err
	}

	keys := []string{
		connKey(connID), roomConnsKey(roomID), roomMembersKey(roomID),
		roomLastSeenKey(roomID), roomConnMetaKey(roomID), userConnsKey(userID),
		activeRoomsKey(),
	}
	now := s.nowMs()
	res, evalErr := s.store.Eval(ctx, joinScript, keys,
		userID, roomID, connID, string(stateJSON), now, s.ttl.Milliseconds())
	if evalErr != nil {
		err = wrapStoreErr(evalErr)
		return nil, 0, err
	}
	epoch, memberCount, activeRoomCount, convErr := parseJoinResult(res)
	if convErr != nil {
		err = fmt.Errorf("%w: %v", ErrInternal, convErr)
		return nil, 0, err
	}
	recordRoomOccupancy(roomID, memberCount, activeRoomCount)

	evt := Event{Type: EventJoin, RoomID: roomID, UserID: userID, ConnID: connID, State: stateJSON, Epoch: epoch, TS: now}
	s.publish(ctx, roomID, evt)

	snapshot, snapErr := s.snapshot(ctx, roomID)
	if snapErr != nil {
		err = snapErr
		return nil, 0, err
	}
	return snapshot, epoch, nil
}

// snapshot enumerates room:r:conns and batch-loads each conn:c (spec §4.2.2
// step 4).
func (s *Service) snapshot(ctx context.Context, roomID string) ([]SnapshotEntry, error) {
	connIDs, err := s.store.SetMembers(ctx, roomConnsKey(roomID))
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	entries := make([]SnapshotEntry, 0, len(connIDs))
	for _, connID := range connIDs {
		fields, err := s.store.HashGetAll(ctx, connKey(connID))
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		if len(fields) == 0 {
			continue // orphaned index entry; conn expired/removed concurrently
		}
		entry := SnapshotEntry{ConnID: connID, UserID: fields["userId"]}
		if v, ok := fields["state"]; ok && v != "" {
			entry.State = json.RawMessage(v)
		}
		if v, err := strconv.ParseInt(fields["lastSeenMs"], 10, 64); err == nil {
			entry.LastSeenMs = v
		}
		if v, err := strconv.ParseInt(fields["epoch"], 10, 64); err == nil {
			entry.Epoch = v
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Heartbeat implements spec §4.2.3.
func (s *Service) Heartbeat(ctx context.Context, connID string, patch map[string]any, epoch int64) (*HeartbeatResult, error) {
	start := time.Now()
	var err error
	defer func() { observe("heartbeat", start, err) }()

	for attempt := 0; attempt < maxHeartbeatRetries; attempt++ {
		fields, readErr := s.store.HashGetAll(ctx, connKey(connID))
		if readErr != nil {
			err = wrapStoreErr(readErr)
			return nil, err
		}
		if len(fields) == 0 {
			err = ErrUnknownConnection
			return nil, err
		}

		storedEpoch, _ := strconv.ParseInt(fields["epoch"], 10, 64)
		roomID := fields["roomId"]

		var storedState map[string]any
		if v, ok := fields["state"]; ok && v != "" {
			if jsonErr := json.Unmarshal([]byte(v), &storedState); jsonErr != nil {
				storedState = map[string]any{}
			}
		}
		if storedState == nil {
			storedState = map[string]any{}
		}

		newState, changed := mergePatch(storedState, patch)

		var newStateJSON []byte
		changedFlag := "0"
		if changed {
			changedFlag = "1"
			var marshalErr error
			newStateJSON, marshalErr = json.Marshal(newState)
			if marshalErr != nil {
				err = fmt.Errorf("%w: state not serializable: %v", ErrInvalidArgument, marshalErr)
				return nil, err
			}
		}

		now := s.nowMs()
		res, evalErr := s.store.Eval(ctx, heartbeatScript, []string{connKey(connID)},
			storedEpoch, epoch, now, changedFlag, string(newStateJSON), s.ttl.Milliseconds(), connID, roomID)
		if evalErr != nil {
			if isConflict(evalErr) {
				continue // stored epoch moved since our read; recompute and retry
			}
			if isUnknown(evalErr) {
				err = ErrUnknownConnection
				return nil, err
			}
			err = wrapStoreErr(evalErr)
			return nil, err
		}

		result, parseErr := parseHeartbeatResult(res)
		if parseErr != nil {
			err = fmt.Errorf("%w: %v", ErrInternal, parseErr)
			return nil, err
		}

		if result.Changed {
			s.publish(ctx, roomID, Event{
				Type: EventUpdate, RoomID: roomID, UserID: fields["userId"], ConnID: connID,
				State: newStateJSON, Epoch: result.Epoch, TS: now,
			})
		}
		return result, nil
	}

	err = fmt.Errorf("%w: heartbeat conflict retries exhausted", ErrInternal)
	return nil, err
}

// Leave implements spec §4.2.4. Idempotent: a second call for an
// already-gone connId returns (nil, nil) and publishes nothing.
func (s *Service) Leave(ctx context.Context, connID string) (*LeaveResult, error) {
	start := time.Now()
	var err error
	defer func() { observe("leave", start, err) }()

	res, evalErr := s.store.Eval(ctx, leaveConnScript, []string{connKey(connID)})
	if evalErr != nil {
		err = wrapStoreErr(evalErr)
		return nil, err
	}
	fields, parseErr := parseFlatFields(res)
	if parseErr != nil {
		err = fmt.Errorf("%w: %v", ErrInternal, parseErr)
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil // already gone
	}

	roomID := fields["roomId"]
	userID := fields["userId"]

	keys := []string{
		roomConnsKey(roomID), roomLastSeenKey(roomID), roomConnMetaKey(roomID),
		userConnsKey(userID), activeRoomsKey(), roomMembersKey(roomID),
	}
	aggRes, evalErr := s.store.Eval(ctx, leaveAggregateScript, keys, connID, userID, roomID)
	if evalErr != nil {
		err = wrapStoreErr(evalErr)
		return nil, err
	}
	memberCount, activeRoomCount, parseErr := parseOccupancyResult(aggRes)
	if parseErr != nil {
		err = fmt.Errorf("%w: %v", ErrInternal, parseErr)
		return nil, err
	}
	recordRoomOccupancy(roomID, memberCount, activeRoomCount)

	s.publish(ctx, roomID, Event{
		Type: EventLeave, RoomID: roomID, UserID: userID, ConnID: connID, TS: s.nowMs(),
	})

	return &LeaveResult{RoomID: roomID, UserID: userID}, nil
}

// publish emits an event on the room's channel. Failures are logged, never
// surfaced: per spec §4.6 "Event publication fails: logged; state mutation
// still commits."
func (s *Service) publish(ctx context.Context, roomID string, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		logging.Error(ctx, "failed to marshal presence event", zap.Error(err))
		return
	}
	if err := s.store.Publish(ctx, roomEventsChannel(roomID), data); err != nil {
		logging.Warn(ctx, "failed to publish presence event", zap.Error(err), zap.String("room_id", roomID))
	}
}

// mergePatch applies the shallow-merge-with-sentinel semantics of spec
// §4.2.3 step 3 and reports whether the result differs from stored.
func mergePatch(stored, patch map[string]any) (map[string]any, bool) {
	if len(patch) == 0 {
		return stored, false
	}
	merged := make(map[string]any, len(stored)+len(patch))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range patch {
		if s, ok := v.(string); ok && s == unsetSentinel {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged, !reflect.DeepEqual(stored, merged)
}

func wrapStoreErr(err error) error {
	if err == store.ErrUnavailable {
		return ErrStoreUnavailable
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

// parseJoinResult decodes the {epoch, roomMemberCount, activeRoomCount}
// array joinScript returns.
func parseJoinResult(v any) (epoch, memberCount, activeRoomCount int64, err error) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 3 {
		return 0, 0, 0, fmt.Errorf("unexpected join script result: %#v", v)
	}
	if epoch, err = toInt64(arr[0]); err != nil {
		return 0, 0, 0, err
	}
	if memberCount, err = toInt64(arr[1]); err != nil {
		return 0, 0, 0, err
	}
	if activeRoomCount, err = toInt64(arr[2]); err != nil {
		return 0, 0, 0, err
	}
	return epoch, memberCount, activeRoomCount, nil
}

// parseOccupancyResult decodes the {roomMemberCount, activeRoomCount} array
// leaveAggregateScript returns.
func parseOccupancyResult(v any) (memberCount, activeRoomCount int64, err error) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return 0, 0, fmt.Errorf("unexpected leave aggregate script result: %#v", v)
	}
	if memberCount, err = toInt64(arr[0]); err != nil {
		return 0, 0, err
	}
	if activeRoomCount, err = toInt64(arr[1]); err != nil {
		return 0, 0, err
	}
	return memberCount, activeRoomCount, nil
}

// recordRoomOccupancy publishes the per-room member gauge and the
// cluster-wide active-room gauge from counts the store computed atomically
// alongside the join/leave mutation, so they never drift from what's
// actually stored. A room that just emptied has its label series dropped
// rather than left parked at zero forever.
func recordRoomOccupancy(roomID string, memberCount, activeRoomCount int64) {
	if memberCount <= 0 {
		metrics.RoomMembers.DeleteLabelValues(roomID)
	} else {
		metrics.RoomMembers.WithLabelValues(roomID).Set(float64(memberCount))
	}
	metrics.RoomsActive.Set(float64(activeRoomCount))
}

func isConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "conflict")
}

func isUnknown(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unknown")
}

// parseHeartbeatResult decodes the {changedFlag, epoch} array returned by
// heartbeatScript.
func parseHeartbeatResult(v any) (*HeartbeatResult, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return nil, fmt.Errorf("unexpected heartbeat script result: %#v", v)
	}
	changedRaw, err := toInt64(arr[0])
	if err != nil {
		return nil, err
	}
	epoch, err := toInt64(arr[1])
	if err != nil {
		return nil, err
	}
	return &HeartbeatResult{Changed: changedRaw == 1, Epoch: epoch}, nil
}

// parseFlatFields decodes the HGETALL-shaped flat array returned by
// leaveConnScript into a map.
func parseFlatFields(v any) (map[string]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected leave script result: %#v", v)
	}
	if len(arr)%2 != 0 {
		return nil, fmt.Errorf("odd-length field array from leave script")
	}
	out := make(map[string]string, len(arr)/2)
	for i := 0; i < len(arr); i += 2 {
		k, kok := arr[i].(string)
		val, vok := arr[i+1].(string)
		if !kok || !vok {
			return nil, fmt.Errorf("non-string field/value in leave script result")
		}
		out[k] = val
	}
	return out, nil
}
