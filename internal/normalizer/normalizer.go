package normalizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/telemetry"
)

const DefaultRetention = 24 * time.Hour

// idNamespace scopes name-based record ids so they never collide with ids
// minted by other systems from the same names.
var idNamespace = uuid.MustParse("5c7d0b0e-3b8f-4b63-9f0e-6d2f1f7a2c41")

// Appender is the slice of the event log the normalizer writes to.
type Appender interface {
	Put(ctx context.Context, rec events.Record) (events.ChangeOp, error)
}

// Normalizer validates and canonicalizes producer events, derives their
// record id and appends them to the log. It holds no state of its own apart
// from the schema table, so Accept is safe for concurrent use.
type Normalizer struct {
	log       Appender
	clock     clock.Clock
	retention time.Duration

	mu      sync.RWMutex
	schemas map[events.EventType]Schema
}

type Option func(*Normalizer)

func WithClock(c clock.Clock) Option { return func(n *Normalizer) { n.clock = c } }

func WithRetention(d time.Duration) Option {
	return func(n *Normalizer) {
		if d > 0 {
			n.retention = d
		}
	}
}

func New(log Appender, opts ...Option) *Normalizer {
	n := &Normalizer{
		log:       log,
		clock:     clock.WallClock,
		retention: DefaultRetention,
		schemas:   defaultSchemas(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// RegisterSchema adds or replaces the schema for an event type.
func (n *Normalizer) RegisterSchema(t events.EventType, s Schema) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.schemas[t] = s
}

func (n *Normalizer) schema(t events.EventType) (Schema, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.schemas[t]
	return s, ok
}

// Accept validates raw and durably records it. It returns the record id.
// Validation failures return a *ValidationError and never touch the log;
// log failures are returned wrapped so errors.Is(err, eventlog.ErrStorage) holds.
func (n *Normalizer) Accept(ctx context.Context, raw events.RawEvent) (string, error) {
	rec, err := n.Normalize(raw)
	if err != nil {
		return "", err
	}

	op, err := n.log.Put(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("append %s: %w", rec.ID, err)
	}

	telemetry.Debugf("normalizer: %s %s source=%s type=%s", op, rec.ID, rec.Source, rec.Type)
	return rec.ID, nil
}

// Normalize is the pure half of Accept: it builds the record that would be
// appended without appending it.
func (n *Normalizer) Normalize(raw events.RawEvent) (events.Record, error) {
	source := CanonicalSource(raw.Source)
	if source == "" {
		return events.Record{}, invalid("source", "required")
	}

	eventType := events.EventType(strings.TrimSpace(raw.EventType))
	if eventType == "" {
		return events.Record{}, invalid("eventType", "required")
	}
	schema, ok := n.schema(eventType)
	if !ok {
		return events.Record{}, invalid("eventType", "unsupported event type %q", raw.EventType)
	}

	payload, key, err := schema.Normalize(raw.Data)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return events.Record{}, ve
		}
		return events.Record{}, invalid("data", "%v", err)
	}

	now := n.clock.Now().UTC()
	if producerID := strings.TrimSpace(raw.EventID); producerID != "" {
		key = producerID
	}

	return events.Record{
		ID:        n.recordID(source, eventType, key, now),
		Source:    source,
		Type:      eventType,
		Payload:   payload,
		Timestamp: now,
		ExpiresAt: now.Add(n.retention),
	}, nil
}

// recordID is stable for a (source, type, key) triple so producer retries
// land on the same record. Without a key every call mints a fresh id from
// the acceptance time plus a random suffix.
func (n *Normalizer) recordID(source string, t events.EventType, key string, now time.Time) string {
	if key == "" {
		key = strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	}
	name := source + "\x00" + string(t) + "\x00" + key
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// SubmitResult is the producer-facing outcome of Submit.
type SubmitResult struct {
	Accepted  bool   `json:"accepted"`
	ID        string `json:"id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"` // storage trouble; the producer should retry
}

// Submit is the ingestion boundary. It never returns an error: the outcome,
// including whether a retry makes sense, is carried in the result.
func (n *Normalizer) Submit(ctx context.Context, raw events.RawEvent) SubmitResult {
	start := n.clock.Now()
	telemetry.Metrics.EventsSubmitted.Inc()

	id, err := n.Accept(ctx, raw)
	switch {
	case err == nil:
		telemetry.Metrics.EventsAccepted.Inc()
		telemetry.Metrics.IngestLatency.Record(n.clock.Now().Sub(start))
		return SubmitResult{Accepted: true, ID: id}
	case errors.Is(err, ErrValidation):
		telemetry.Metrics.EventsRejected.Inc()
		return SubmitResult{Reason: err.Error()}
	default:
		telemetry.Metrics.StorageErrors.Inc()
		telemetry.Warnf("normalizer: append failed source=%q type=%q: %v", raw.Source, raw.EventType, err)
		return SubmitResult{Reason: err.Error(), Retryable: true}
	}
}
