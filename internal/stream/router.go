package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charleschow/sports-stream/internal/config"
	"github.com/charleschow/sports-stream/internal/events"
)

// Router derives the subscription topics a record is published on.
type Router struct {
	rules config.TopicRules
}

func NewRouter(rules config.TopicRules) *Router {
	return &Router{rules: rules}
}

// Topics returns the base topic of the record's type and, when the payload
// carries a qualifier, "<prefix>:<qualifier>". Types without a rule publish
// on their own type name.
func (r *Router) Topics(rec events.Record) ([]string, error) {
	rule, ok := r.rules.Rule(string(rec.Type))
	if !ok {
		return []string{string(rec.Type)}, nil
	}

	qualifier, err := qualifierFor(rec)
	if err != nil {
		return nil, err
	}

	topics := []string{rule.Base}
	if qualifier != "" && rule.Prefix != "" {
		topics = append(topics, rule.Prefix+":"+qualifier)
	}
	return topics, nil
}

func qualifierFor(rec events.Record) (string, error) {
	switch rec.Type {
	case events.EventLiveScore:
		var p events.LiveScore
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return "", fmt.Errorf("decode %s payload: %w", rec.Type, err)
		}
		return strings.ToLower(p.Sport), nil
	case events.EventBettingOdds:
		var p events.BettingOdds
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return "", fmt.Errorf("decode %s payload: %w", rec.Type, err)
		}
		if p.Sport != "" {
			return strings.ToLower(p.Sport), nil
		}
		return p.MarketID, nil
	case events.EventRaceResult:
		var p events.RaceResult
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return "", fmt.Errorf("decode %s payload: %w", rec.Type, err)
		}
		return strings.ToLower(p.Discipline), nil
	}
	return "", nil
}
