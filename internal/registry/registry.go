// Package registry tracks live subscriber connections and the topics each
// one is subscribed to.
//
// Expiry is advisory: FindBySubscription still returns connections whose
// ExpiresAt has passed. Dead connections are removed when a delivery to them
// fails, with Sweep as a safety net for connections nobody publishes to.
package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/charleschow/sports-stream/internal/eventlog"
)

var (
	ErrAlreadyExists = errors.New("connection already exists")
	ErrNotFound      = errors.New("connection not found")

	// ErrStorage is shared with the event log so callers can treat any
	// backing-store failure the same way.
	ErrStorage = eventlog.ErrStorage
)

type Connection struct {
	ID            string    `json:"id"`
	Subscriptions []string  `json:"subscriptions"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func (c Connection) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func (c Connection) Subscribed(topic string) bool {
	_, found := slices.BinarySearch(c.Subscriptions, topic)
	return found
}

type Registry interface {
	// AddConnection registers id with no subscriptions. It fails with
	// ErrAlreadyExists only while an unexpired record for id exists; an
	// expired leftover is replaced.
	AddConnection(ctx context.Context, id string, expiresAt time.Time) error
	// RemoveConnection is idempotent.
	RemoveConnection(ctx context.Context, id string) error
	// UpdateSubscriptions replaces the subscription set of id.
	UpdateSubscriptions(ctx context.Context, id string, topics []string) error
	FindBySubscription(ctx context.Context, topic string) ([]string, error)
	Refresh(ctx context.Context, id string, expiresAt time.Time) error
	Get(ctx context.Context, id string) (Connection, error)
	// Sweep removes connections that expired more than grace ago and
	// returns how many were removed.
	Sweep(ctx context.Context, grace time.Duration) (int, error)
}

// NormalizeTopics trims, drops empties, dedups and sorts.
func NormalizeTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func storageErr(op string, err error) error {
	return &eventlog.StorageError{Op: "registry " + op, Err: err}
}
