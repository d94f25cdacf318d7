package events

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventLiveScore   EventType = "live_score"
	EventBettingOdds EventType = "betting_odds"
	EventRaceResult  EventType = "race_result"
)

// RawEvent is what a producer hands to the ingestion boundary. Nothing in it
// is trusted until the normalizer accepts it.
type RawEvent struct {
	Source    string          `json:"source"`
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId,omitempty"` // optional stable producer id
	Data      json.RawMessage `json:"data"`
}

// Record is one accepted fact about one game, market, or race.
// The log owns records; everything downstream sees copies.
type Record struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Type      EventType       `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"` // acceptance time, server assigned
	ExpiresAt time.Time       `json:"expiresAt"` // eligible for purge after this
	Version   int64           `json:"version"`   // 1 on insert, +1 per modify
}

func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// ChangeOp is the kind of write a change-feed entry describes.
type ChangeOp int

const (
	OpUnknown ChangeOp = iota
	OpInsert
	OpModify
)

func (op ChangeOp) String() string {
	switch op {
	case OpInsert:
		return "INSERT"
	case OpModify:
		return "MODIFY"
	default:
		return "UNKNOWN"
	}
}

// ParseChangeOp is the inverse of String. Anything unrecognized maps to
// OpUnknown so consumers can skip it.
func ParseChangeOp(s string) ChangeOp {
	switch s {
	case "INSERT":
		return OpInsert
	case "MODIFY":
		return OpModify
	default:
		return OpUnknown
	}
}

// Change is one ordered entry of the log's change feed.
// Seq is monotonic within a partition only.
type Change struct {
	Seq       int64
	Partition int
	Op        ChangeOp
	Record    Record
}

// BroadcastMessage is the transient, per-topic view of a change that is
// pushed to subscribers. Clients dedup on (SourceEventID, Timestamp).
type BroadcastMessage struct {
	Topic         string          `json:"topic"`
	EventType     EventType       `json:"eventType"`
	Op            string          `json:"op"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	SourceEventID string          `json:"sourceEventId"`
	Version       int64           `json:"version"`
}
