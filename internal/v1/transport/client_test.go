package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostlabs/presence-fabric/internal/v1/presence"
	"github.com/outpostlabs/presence-fabric/internal/v1/store"
)

// fakeConn is a minimal wsConnection double: Write appends to a recorded
// list, Read plays back a scripted queue of inbound frames and then blocks
// until closed, at which point it returns an error (simulating a socket
// close) so readPump exits.
type fakeConn struct {
	mu      sync.Mutex
	inbound [][]byte
	written [][]byte
	closed  chan struct{}
}

func newFakeConn(inbound ...[]byte) *fakeConn {
	return &fakeConn{inbound: inbound, closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	if len(f.inbound) > 0 {
		msg := f.inbound[0]
		f.inbound = f.inbound[1:]
		f.mu.Unlock()
		return 1, msg, nil
	}
	f.mu.Unlock()
	<-f.closed
	return 0, nil, errors.New("connection closed")
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeConn) acks(t *testing.T) []Ack {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Ack, 0, len(f.written))
	for _, raw := range f.written {
		var a Ack
		if json.Unmarshal(raw, &a) == nil && a.ID != "" {
			out = append(out, a)
		}
	}
	return out
}

func newTestHub(t *testing.T) (*Hub, *store.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := store.NewClientFromRedis(rdb)
	svc := presence.NewService(client, 30*time.Second)
	return NewHub(svc, nil, "", nil), client, mr
}

func newTestClient(conn *fakeConn, hub *Hub, connID string) *Client {
	return &Client{
		conn: conn, hub: hub, binding: NewBinding(hub.service, connID),
		connID: connID, ip: "127.0.0.1", send: make(chan []byte, 16),
	}
}

func envelope(t *testing.T, id string, name RequestName, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{ID: id, Name: name, Payload: raw})
	require.NoError(t, err)
	return data
}

func TestClient_JoinThenHeartbeatThenLeave(t *testing.T) {
	hub, _, mr := newTestHub(t)
	defer mr.Close()

	conn := newFakeConn(
		envelope(t, "1", RequestJoin, JoinRequest{RoomID: "R1", UserID: "u1"}),
		envelope(t, "2", RequestHeartbeat, HeartbeatRequest{Epoch: 0}),
		envelope(t, "3", RequestLeave, nil),
	)
	client := newTestClient(conn, hub, "c1")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); client.readPump() }()
	go func() { defer wg.Done(); client.writePump() }()

	time.Sleep(50 * time.Millisecond)
	conn.Close()
	wg.Wait()

	acks := conn.acks(t)
	require.Len(t, acks, 3)

	var joinResp JoinResponse
	require.NoError(t, json.Unmarshal(acks[0].Payload, &joinResp))
	assert.True(t, acks[0].OK)
	assert.Equal(t, "c1", joinResp.Self.ConnID)

	assert.True(t, acks[1].OK) // stale epoch=0 folds into {ok:true, changed:false}, not an error

	assert.True(t, acks[2].OK)
}

func TestClient_JoinRejectsInvalidPayload(t *testing.T) {
	hub, _, mr := newTestHub(t)
	defer mr.Close()

	conn := newFakeConn(envelope(t, "1", RequestJoin, JoinRequest{RoomID: "", UserID: "u1"}))
	client := newTestClient(conn, hub, "c1")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); client.readPump() }()
	go func() { defer wg.Done(); client.writePump() }()

	time.Sleep(50 * time.Millisecond)
	conn.Close()
	wg.Wait()

	acks := conn.acks(t)
	require.Len(t, acks, 1)
	assert.False(t, acks[0].OK)
	assert.Equal(t, "InvalidArgument", acks[0].Error)
}

// P6 / spec §6.1: broadcast only reaches sockets registered with the
// target roomId.
func TestHub_BroadcastOnlyReachesRoomMembers(t *testing.T) {
	hub, _, mr := newTestHub(t)
	defer mr.Close()

	connA := newFakeConn()
	connB := newFakeConn()
	clientA := newTestClient(connA, hub, "cA")
	clientB := newTestClient(connB, hub, "cB")

	hub.joinRoom(clientA, "R1")
	hub.joinRoom(clientB, "R2")

	go clientA.writePump()
	go clientB.writePump()

	hub.HandleBridgeEvent(nil, presence.Event{Type: presence.EventJoin, RoomID: "R1"})
	time.Sleep(30 * time.Millisecond)

	clientA.closeSend()
	clientB.closeSend()
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, connA.writtenCount())
	assert.Equal(t, 0, connB.writtenCount())
}

func TestClient_DisconnectSynthesizesLeave(t *testing.T) {
	hub, storeClient, mr := newTestHub(t)
	defer mr.Close()

	conn := newFakeConn(envelope(t, "1", RequestJoin, JoinRequest{RoomID: "R1", UserID: "u1"}))
	client := newTestClient(conn, hub, "c1")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); client.readPump() }()
	go func() { defer wg.Done(); client.writePump() }()

	time.Sleep(30 * time.Millisecond)
	conn.Close()
	wg.Wait()

	fields, err := storeClient.HashGetAll(context.Background(), "prs:conn:c1")
	require.NoError(t, err)
	assert.Empty(t, fields, "disconnect should have synthesized a leave, removing the connection hash")
}
