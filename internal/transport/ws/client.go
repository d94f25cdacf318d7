package ws

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/telemetry"
)

const (
	minBackoff   = 1 * time.Second
	maxBackoff   = 30 * time.Second
	dedupMaxKeys = 10_000
)

// Listener subscribes to a stream server and hands every new message to a
// callback, reconnecting on failure. Delivery is at-least-once, so messages
// already seen (same source event and version) are dropped.
type Listener struct {
	addr   string
	topics []string
	dedup  *Dedup
}

func NewListener(addr string, topics []string) *Listener {
	return &Listener{
		addr:   addr,
		topics: topics,
		dedup:  NewDedup(dedupMaxKeys),
	}
}

// ConnectWithRetry connects and reconnects with exponential backoff.
// Blocks until ctx is cancelled.
func (l *Listener) ConnectWithRetry(ctx context.Context, handle func(events.BroadcastMessage)) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connStart := time.Now()
		err := l.connect(ctx, handle)
		if ctx.Err() != nil {
			return
		}

		if time.Since(connStart) > time.Minute {
			attempt = 0
		}

		attempt++
		backoff := time.Duration(float64(minBackoff) * math.Pow(2, float64(min(attempt-1, 5))))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if err != nil {
			telemetry.Warnf("ws: connection lost (attempt %d): %v — retrying in %s", attempt, err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (l *Listener) connect(ctx context.Context, handle func(events.BroadcastMessage)) error {
	u := url.URL{Scheme: "ws", Host: l.addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(Request{Op: OpSubscribe, Topics: l.topics}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			telemetry.Warnf("ws: %v", err)
			continue
		}

		switch frame.Type {
		case FrameWelcome:
			telemetry.Infof("ws: connected to %s as %s", l.addr, frame.ID)
		case FrameSubscribed:
			telemetry.Infof("ws: subscribed to %v", frame.Topics)
		case FrameError:
			telemetry.Warnf("ws: server error: %s", frame.Error)
		case FrameEvent:
			if frame.Message == nil || !l.dedup.Fresh(*frame.Message) {
				continue
			}
			handle(*frame.Message)
		}
	}
}

// Dedup remembers the newest (version, timestamp) seen per (topic, source
// event id). A message is fresh when it carries a higher version or a later
// timestamp; the latter covers a record re-inserted after expiry, whose
// version starts over at 1. When the map grows past maxKeys it starts over,
// which at worst lets an old duplicate through once.
type Dedup struct {
	mu      sync.Mutex
	seen    map[string]seenMark
	maxKeys int
}

type seenMark struct {
	version int64
	ts      time.Time
}

func NewDedup(maxKeys int) *Dedup {
	return &Dedup{seen: make(map[string]seenMark), maxKeys: maxKeys}
}

// Fresh reports whether msg is newer than anything seen for its key and
// records it.
func (d *Dedup) Fresh(msg events.BroadcastMessage) bool {
	key := msg.Topic + "\x00" + msg.SourceEventID

	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.seen[key]
	if ok && msg.Version <= last.version && !msg.Timestamp.After(last.ts) {
		return false
	}
	if len(d.seen) >= d.maxKeys {
		clear(d.seen)
	}
	mark := seenMark{version: msg.Version, ts: msg.Timestamp}
	if ok && last.ts.After(mark.ts) {
		mark.ts = last.ts
	}
	d.seen[key] = mark
	return true
}
