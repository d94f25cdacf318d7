package kafka

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/stream"
	"github.com/charleschow/sports-stream/internal/telemetry"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// MessageWriter is the part of *kafka.Writer the relay uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// Relay tails a feed and copies every change to Kafka. Its cursor is only
// committed after Kafka acknowledged the batch, so a crash replays rather
// than drops.
type Relay struct {
	feed      stream.Feed
	writer    MessageWriter
	batchSize int
	poll      time.Duration
}

func NewRelay(feed stream.Feed, writer MessageWriter, batchSize int, poll time.Duration) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Relay{feed: feed, writer: writer, batchSize: batchSize, poll: poll}
}

// Run relays every lane until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for lane := 0; lane < r.feed.Lanes(); lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			r.runLane(ctx, lane)
		}(lane)
	}
	wg.Wait()
	return nil
}

func (r *Relay) runLane(ctx context.Context, lane int) {
	attempt := 0
	backoff := func(err error) bool {
		attempt++
		d := time.Duration(float64(minBackoff) * math.Pow(2, float64(min(attempt-1, 5))))
		if d > maxBackoff {
			d = maxBackoff
		}
		telemetry.Warnf("kafka relay: lane %d (attempt %d): %v — retrying in %s", lane, attempt, err, d)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		err := r.feed.Start(ctx, lane)
		if err == nil {
			break
		}
		if ctx.Err() != nil || !backoff(err) {
			return
		}
	}

	poll := time.NewTicker(r.poll)
	defer poll.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := r.RelayOnce(ctx, lane)
		if err != nil {
			if ctx.Err() != nil || !backoff(err) {
				return
			}
			continue
		}
		attempt = 0
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-r.feed.Wake(lane):
		case <-poll.C:
		}
	}
}

// RelayOnce copies one batch of a lane and returns how many changes it moved.
func (r *Relay) RelayOnce(ctx context.Context, lane int) (int, error) {
	batch, err := r.feed.Pull(ctx, lane, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("pull: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(batch))
	for _, ch := range batch {
		if ch.Op == events.OpUnknown {
			continue
		}
		msg, err := EncodeChange(ch)
		if err != nil {
			telemetry.Warnf("kafka relay: skipping change %d: %v", ch.Seq, err)
			continue
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) > 0 {
		if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
			return 0, fmt.Errorf("kafka write: %w", err)
		}
	}
	if err := r.feed.Commit(ctx, lane, batch); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(batch), nil
}

func (r *Relay) Close() error {
	return r.writer.Close()
}
