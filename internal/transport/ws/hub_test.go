package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/sports-stream/internal/broadcast"
	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/registry"
)

func newHubServer(t *testing.T, reg registry.Registry) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(reg, time.Minute, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func TestSubscribeAndReceive(t *testing.T) {
	reg := registry.NewMemory(nil)
	hub, srv := newHubServer(t, reg)
	conn := dial(t, srv, "")

	welcome := readFrame(t, conn)
	require.Equal(t, FrameWelcome, welcome.Type)
	require.NotEmpty(t, welcome.ID)

	require.NoError(t, conn.WriteJSON(Request{Op: OpSubscribe, Topics: []string{"odds:nfl", "live_scores", "odds:nfl"}}))
	ack := readFrame(t, conn)
	assert.Equal(t, FrameSubscribed, ack.Type)
	assert.Equal(t, []string{"live_scores", "odds:nfl"}, ack.Topics)

	ids, err := reg.FindBySubscription(context.Background(), "live_scores")
	require.NoError(t, err)
	assert.Equal(t, []string{welcome.ID}, ids)

	msg := events.BroadcastMessage{
		Topic:         "live_scores",
		EventType:     events.EventLiveScore,
		Op:            "INSERT",
		Payload:       []byte(`{"gameId":"g1","home":1,"away":0}`),
		SourceEventID: "rec-1",
		Version:       1,
	}
	res := hub.Send(context.Background(), welcome.ID, msg)
	require.True(t, res.Delivered)

	ev := readFrame(t, conn)
	require.Equal(t, FrameEvent, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "rec-1", ev.Message.SourceEventID)
	assert.JSONEq(t, string(msg.Payload), string(ev.Message.Payload))
}

func TestInitialTopicsFromQuery(t *testing.T) {
	reg := registry.NewMemory(nil)
	_, srv := newHubServer(t, reg)
	conn := dial(t, srv, "topics=scores:hockey,live_scores")

	welcome := readFrame(t, conn)
	ack := readFrame(t, conn)
	assert.Equal(t, FrameSubscribed, ack.Type)
	assert.Equal(t, []string{"live_scores", "scores:hockey"}, ack.Topics)

	c, err := reg.Get(context.Background(), welcome.ID)
	require.NoError(t, err)
	assert.Equal(t, ack.Topics, c.Subscriptions)
}

func TestControlFrames(t *testing.T) {
	_, srv := newHubServer(t, registry.NewMemory(nil))
	conn := dial(t, srv, "")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Request{Op: OpPing}))
	assert.Equal(t, FramePong, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Request{Op: "unsubscribe"}))
	f := readFrame(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Contains(t, f.Error, "unknown op")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, FrameError, readFrame(t, conn).Type)
}

func TestSendToUnknownConnectionIsNotLocal(t *testing.T) {
	hub := NewHub(registry.NewMemory(nil), time.Minute, nil)
	res := hub.Send(context.Background(), "nobody", events.BroadcastMessage{Topic: "x"})
	assert.False(t, res.Delivered)
	assert.False(t, res.PermanentFailure)
	assert.ErrorIs(t, res.AsError(), broadcast.ErrNotLocal)
}

func TestDisconnectUnregisters(t *testing.T) {
	reg := registry.NewMemory(nil)
	hub, srv := newHubServer(t, reg)
	conn := dial(t, srv, "topics=odds")
	welcome := readFrame(t, conn)
	readFrame(t, conn)
	require.Equal(t, 1, hub.Len())

	conn.Close()

	require.Eventually(t, func() bool { return hub.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	_, err := reg.Get(context.Background(), welcome.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	res := hub.Send(context.Background(), welcome.ID, events.BroadcastMessage{Topic: "odds"})
	assert.True(t, res.NotLocal)
}

// Two hubs on one Redis registry model two nodes. A broadcaster on either
// node must leave the other node's connections alone.
func TestSharedRegistryKeepsOtherNodesConnections(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	reg := registry.NewRedis(client, "test", nil)
	ctx := context.Background()

	hubA := NewHub(reg, time.Minute, nil)
	hubB, srvB := newHubServer(t, reg)

	conn := dial(t, srvB, "topics=live_scores")
	welcome := readFrame(t, conn)
	require.Equal(t, FrameSubscribed, readFrame(t, conn).Type)

	msg := events.BroadcastMessage{
		Topic:         "live_scores",
		EventType:     events.EventLiveScore,
		Op:            "INSERT",
		Payload:       []byte(`{"gameId":"g1","home":1,"away":0}`),
		SourceEventID: "rec-1",
		Version:       1,
	}

	casterA := broadcast.New(reg, hubA, broadcast.Config{RetryDelay: time.Millisecond})
	casterA.Dispatch(ctx, msg)
	require.NoError(t, casterA.Drain(ctx))

	ids, err := reg.FindBySubscription(ctx, "live_scores")
	require.NoError(t, err)
	assert.Equal(t, []string{welcome.ID}, ids)
	_, err = reg.Get(ctx, welcome.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, hubB.Len())

	casterB := broadcast.New(reg, hubB, broadcast.Config{RetryDelay: time.Millisecond})
	casterB.Dispatch(ctx, msg)
	require.NoError(t, casterB.Drain(ctx))

	ev := readFrame(t, conn)
	require.Equal(t, FrameEvent, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "rec-1", ev.Message.SourceEventID)
}

func TestEvictClosesSocket(t *testing.T) {
	reg := registry.NewMemory(nil)
	hub, srv := newHubServer(t, reg)
	conn := dial(t, srv, "")
	welcome := readFrame(t, conn)

	hub.Evict(welcome.ID)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	_, err = reg.Get(context.Background(), welcome.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

type unavailableRegistry struct{ registry.Registry }

func (unavailableRegistry) AddConnection(context.Context, string, time.Time) error {
	return errors.New("redis down")
}

func TestRegistryFailureRejectsConnection(t *testing.T) {
	hub, srv := newHubServer(t, unavailableRegistry{})
	conn := dial(t, srv, "")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Zero(t, hub.Len())
}
