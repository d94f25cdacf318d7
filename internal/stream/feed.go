package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/charleschow/sports-stream/internal/eventlog"
	"github.com/charleschow/sports-stream/internal/events"
)

// Feed is what a Consumer reads from. A lane is one independently ordered
// sequence of changes; the consumer runs one sequential loop per lane.
type Feed interface {
	Lanes() int
	// Start positions the lane at its committed cursor, or at the current
	// head when nothing was committed yet.
	Start(ctx context.Context, lane int) error
	// Pull returns up to max changes after the lane's cursor. It may return
	// an empty batch.
	Pull(ctx context.Context, lane int, max int) ([]events.Change, error)
	// Commit advances the lane's cursor past changes.
	Commit(ctx context.Context, lane int, changes []events.Change) error
	// Wake returns a channel signalled when the lane has new data, or nil
	// when the feed only supports polling.
	Wake(lane int) <-chan struct{}
}

// LogFeed reads the event log's change table. Each log partition is a lane
// and cursors are stored in the log under the consumer name.
type LogFeed struct {
	feed eventlog.Feed
	name string

	mu      sync.Mutex
	cursors map[int]int64
	wake    []chan struct{}
}

// NewLogFeed creates a feed for consumer name. When bus is non-nil, writes
// to a partition wake that lane immediately instead of on the next poll.
func NewLogFeed(feed eventlog.Feed, name string, bus *events.Bus) *LogFeed {
	lf := &LogFeed{
		feed:    feed,
		name:    name,
		cursors: make(map[int]int64),
		wake:    make([]chan struct{}, feed.Partitions()),
	}
	for p := range lf.wake {
		lf.wake[p] = make(chan struct{}, 1)
		if bus != nil {
			bus.Subscribe(p, events.Wake(lf.wake[p]))
		}
	}
	return lf
}

func (lf *LogFeed) Lanes() int { return lf.feed.Partitions() }

func (lf *LogFeed) Start(ctx context.Context, lane int) error {
	seq, ok, err := lf.feed.LoadCursor(ctx, lf.name, lane)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		if seq, err = lf.feed.Head(ctx, lane); err != nil {
			return fmt.Errorf("read head: %w", err)
		}
		// Persist the starting point so a restart before the first batch
		// does not skip what arrived in between.
		if err := lf.feed.CommitCursor(ctx, lf.name, lane, seq); err != nil {
			return fmt.Errorf("commit start cursor: %w", err)
		}
	}

	lf.mu.Lock()
	lf.cursors[lane] = seq
	lf.mu.Unlock()
	return nil
}

func (lf *LogFeed) Pull(ctx context.Context, lane int, max int) ([]events.Change, error) {
	lf.mu.Lock()
	after := lf.cursors[lane]
	lf.mu.Unlock()
	return lf.feed.ReadChanges(ctx, lane, after, max)
}

func (lf *LogFeed) Commit(ctx context.Context, lane int, changes []events.Change) error {
	if len(changes) == 0 {
		return nil
	}
	last := changes[len(changes)-1].Seq
	if err := lf.feed.CommitCursor(ctx, lf.name, lane, last); err != nil {
		return err
	}
	lf.mu.Lock()
	if last > lf.cursors[lane] {
		lf.cursors[lane] = last
	}
	lf.mu.Unlock()
	return nil
}

func (lf *LogFeed) Wake(lane int) <-chan struct{} {
	if lane < 0 || lane >= len(lf.wake) {
		return nil
	}
	return lf.wake[lane]
}

// Cursor reports the in-memory position of a lane.
func (lf *LogFeed) Cursor(lane int) int64 {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.cursors[lane]
}
