package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/stream"
	"github.com/charleschow/sports-stream/internal/telemetry"
)

const defaultLinger = 50 * time.Millisecond

var _ stream.Feed = (*FeedReader)(nil)

// MessageReader is the part of *kafka.Reader the feed uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
	})
}

// FeedReader is a stream.Feed over a Kafka consumer group. It exposes a
// single lane and per-key order holds inside each Kafka partition. Each node
// reads with its own group (see config.KafkaConsumerGroup) so every node
// sees every change and fans it out to its own sockets.
type FeedReader struct {
	reader MessageReader
	linger time.Duration

	mu      sync.Mutex
	pending []kafka.Message
}

func NewFeedReader(reader MessageReader) *FeedReader {
	return &FeedReader{reader: reader, linger: defaultLinger}
}

func (f *FeedReader) Lanes() int { return 1 }

// Start is a no-op: the consumer group resumes from its committed offsets.
func (f *FeedReader) Start(context.Context, int) error { return nil }

// Pull blocks for the first message, then collects more for up to the
// linger window. Messages that cannot be decoded come back as OpUnknown so
// the consumer skips them and their offsets still get committed.
func (f *FeedReader) Pull(ctx context.Context, _ int, max int) ([]events.Change, error) {
	first, err := f.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("kafka fetch: %w", err)
	}
	msgs := []kafka.Message{first}

	for len(msgs) < max {
		lctx, cancel := context.WithTimeout(ctx, f.linger)
		msg, err := f.reader.FetchMessage(lctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				telemetry.Debugf("kafka feed: fetch ended batch early: %v", err)
			}
			break
		}
		msgs = append(msgs, msg)
	}

	f.mu.Lock()
	f.pending = append(f.pending, msgs...)
	f.mu.Unlock()

	changes := make([]events.Change, 0, len(msgs))
	for _, msg := range msgs {
		ch, err := DecodeChange(msg)
		if err != nil {
			telemetry.Warnf("kafka feed: %v", err)
			ch = events.Change{Seq: msg.Offset, Op: events.OpUnknown, Record: events.Record{ID: string(msg.Key)}}
		}
		changes = append(changes, ch)
	}
	return changes, nil
}

// Commit commits the offsets of everything pulled so far.
func (f *FeedReader) Commit(ctx context.Context, _ int, _ []events.Change) error {
	f.mu.Lock()
	msgs := f.pending
	f.pending = nil
	f.mu.Unlock()

	if len(msgs) == 0 {
		return nil
	}
	if err := f.reader.CommitMessages(ctx, msgs...); err != nil {
		f.mu.Lock()
		f.pending = append(msgs, f.pending...)
		f.mu.Unlock()
		return fmt.Errorf("kafka commit through %s: %w", offsetLabel(msgs[len(msgs)-1]), err)
	}
	return nil
}

// Wake returns nil: Pull itself blocks until Kafka has data.
func (f *FeedReader) Wake(int) <-chan struct{} { return nil }

func (f *FeedReader) Close() error {
	return f.reader.Close()
}
