// Package eventlog is the durable, ordered record of accepted events.
//
// Records are keyed by id and indexed by (source, timestamp) and
// (event type, timestamp). Every successful Put appends exactly one entry to
// a partitioned change feed in the same transaction; a record id always maps
// to the same partition so successive writes to it stay ordered. Expiry
// removes records and old feed entries without emitting feed entries.
package eventlog

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/charleschow/sports-stream/internal/events"
)

// Log is the contract the rest of the pipeline relies on.
type Log interface {
	Put(ctx context.Context, rec events.Record) (events.ChangeOp, error)
	Get(ctx context.Context, id string) (events.Record, bool, error)
	QueryBySource(ctx context.Context, source string, since time.Time) ([]events.Record, error)
	QueryByEventType(ctx context.Context, t events.EventType, limit int) ([]events.Record, error)
}

// Feed is the change-feed side of the log.
type Feed interface {
	Partitions() int
	ReadChanges(ctx context.Context, partition int, afterSeq int64, limit int) ([]events.Change, error)
	Head(ctx context.Context, partition int) (int64, error)
	LoadCursor(ctx context.Context, consumer string, partition int) (int64, bool, error)
	CommitCursor(ctx context.Context, consumer string, partition int, seq int64) error
}

// PartitionFor maps a record id onto one of n feed partitions.
func PartitionFor(id string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}
