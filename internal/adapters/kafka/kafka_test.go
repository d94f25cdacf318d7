package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/sports-stream/internal/events"
)

var epoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func change(seq int64, id string, op events.ChangeOp) events.Change {
	return events.Change{
		Seq:       seq,
		Partition: 1,
		Op:        op,
		Record: events.Record{
			ID:        id,
			Source:    "feed",
			Type:      events.EventBettingOdds,
			Payload:   json.RawMessage(`{"marketId":"m1","selections":[{"name":"home","price":1.9}]}`),
			Timestamp: epoch,
			ExpiresAt: epoch.Add(time.Hour),
			Version:   2,
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	ch := change(42, "rec-1", events.OpModify)
	msg, err := EncodeChange(ch)
	require.NoError(t, err)

	assert.Equal(t, "rec-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "MODIFY", string(msg.Headers[0].Value))

	got, err := DecodeChange(msg)
	require.NoError(t, err)
	assert.Equal(t, ch.Seq, got.Seq)
	assert.Equal(t, ch.Partition, got.Partition)
	assert.Equal(t, events.OpModify, got.Op)
	assert.Equal(t, ch.Record.ID, got.Record.ID)
	assert.True(t, ch.Record.Timestamp.Equal(got.Record.Timestamp))
	assert.JSONEq(t, string(ch.Record.Payload), string(got.Record.Payload))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeChange(kafka.Message{Topic: "changes", Value: []byte("nope")})
	assert.Error(t, err)
}

// memFeed is a single-lane feed backed by a slice.
type memFeed struct {
	mu        sync.Mutex
	changes   []events.Change
	committed int64
	commitErr error
}

func (f *memFeed) Lanes() int                       { return 1 }
func (f *memFeed) Start(context.Context, int) error { return nil }
func (f *memFeed) Wake(int) <-chan struct{}         { return nil }

func (f *memFeed) Pull(_ context.Context, _ int, max int) ([]events.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Change
	for _, ch := range f.changes {
		if ch.Seq > f.committed && len(out) < max {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *memFeed) Commit(_ context.Context, _ int, changes []events.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = changes[len(changes)-1].Seq
	return nil
}

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func TestRelayOnceCopiesAndCommits(t *testing.T) {
	feed := &memFeed{changes: []events.Change{
		change(1, "a", events.OpInsert),
		change(2, "b", events.OpUnknown),
		change(3, "a", events.OpModify),
	}}
	w := &memWriter{}
	r := NewRelay(feed, w, 10, time.Second)

	n, err := r.RelayOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, w.msgs, 2, "unknown ops are not relayed")
	assert.Equal(t, "INSERT", string(w.msgs[0].Headers[0].Value))
	assert.Equal(t, "MODIFY", string(w.msgs[1].Headers[0].Value))
	assert.EqualValues(t, 3, feed.committed)

	n, err = r.RelayOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayDoesNotCommitFailedWrites(t *testing.T) {
	feed := &memFeed{changes: []events.Change{change(1, "a", events.OpInsert)}}
	w := &memWriter{err: errors.New("broker unavailable")}
	r := NewRelay(feed, w, 10, time.Second)

	_, err := r.RelayOnce(context.Background(), 0)
	require.Error(t, err)
	assert.Zero(t, feed.committed)

	w.err = nil
	n, err := r.RelayOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, w.msgs, 1)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	feed := &memFeed{changes: []events.Change{change(1, "a", events.OpInsert)}}
	w := &memWriter{}
	r := NewRelay(feed, w, 10, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.msgs) == 1
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

// queueReader serves queued messages, then blocks until ctx is done.
type queueReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	commitErr error
}

func (q *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	q.mu.Lock()
	if len(q.queue) > 0 {
		msg := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()
		return msg, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (q *queueReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.commitErr != nil {
		return q.commitErr
	}
	q.committed = append(q.committed, msgs...)
	return nil
}

func (q *queueReader) Close() error { return nil }

func encoded(t *testing.T, ch events.Change, offset int64) kafka.Message {
	t.Helper()
	msg, err := EncodeChange(ch)
	require.NoError(t, err)
	msg.Offset = offset
	return msg
}

func TestFeedReaderPullAndCommit(t *testing.T) {
	q := &queueReader{queue: []kafka.Message{
		encoded(t, change(1, "a", events.OpInsert), 10),
		{Key: []byte("b"), Value: []byte("garbage"), Offset: 11},
		encoded(t, change(2, "a", events.OpModify), 12),
	}}
	f := NewFeedReader(q)
	f.linger = 5 * time.Millisecond

	batch, err := f.Pull(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, events.OpInsert, batch[0].Op)
	assert.Equal(t, events.OpUnknown, batch[1].Op, "undecodable messages are skipped, not fatal")
	assert.Equal(t, "b", batch[1].Record.ID)
	assert.Equal(t, events.OpModify, batch[2].Op)

	q.commitErr = errors.New("rebalance in progress")
	require.Error(t, f.Commit(context.Background(), 0, batch))
	assert.Empty(t, q.committed)

	q.commitErr = nil
	require.NoError(t, f.Commit(context.Background(), 0, batch))
	require.Len(t, q.committed, 3, "offsets are retried after a failed commit")
	assert.EqualValues(t, 12, q.committed[2].Offset)
}

func TestFeedReaderRespectsMax(t *testing.T) {
	q := &queueReader{queue: []kafka.Message{
		encoded(t, change(1, "a", events.OpInsert), 1),
		encoded(t, change(2, "b", events.OpInsert), 2),
		encoded(t, change(3, "c", events.OpInsert), 3),
	}}
	f := NewFeedReader(q)

	batch, err := f.Pull(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestFeedReaderPullHonoursCancellation(t *testing.T) {
	f := NewFeedReader(&queueReader{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Pull(ctx, 0, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
