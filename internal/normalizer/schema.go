package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/charleschow/sports-stream/internal/events"
)

// Schema validates the data of one event type. It returns the canonical
// payload to store and the natural producer key for id derivation, which is
// empty when the type has no stable key of its own.
type Schema interface {
	Normalize(data json.RawMessage) (payload json.RawMessage, key string, err error)
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc func(data json.RawMessage) (json.RawMessage, string, error)

func (f SchemaFunc) Normalize(data json.RawMessage) (json.RawMessage, string, error) {
	return f(data)
}

func defaultSchemas() map[events.EventType]Schema {
	return map[events.EventType]Schema{
		events.EventLiveScore:   SchemaFunc(normalizeLiveScore),
		events.EventBettingOdds: SchemaFunc(normalizeBettingOdds),
		events.EventRaceResult:  SchemaFunc(normalizeRaceResult),
	}
}

// DecodeObject unmarshals producer data into v, turning JSON shape problems
// into validation errors that name the offending field.
func DecodeObject(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return invalid("data", "missing")
	}
	if trimmed[0] != '{' {
		return invalid("data", "must be a JSON object")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return invalid(typeErr.Field, "expected %s, got %s", typeErr.Type, typeErr.Value)
		}
		return invalid("data", "unparseable: %v", err)
	}
	return nil
}

type liveScoreIn struct {
	GameID string `json:"gameId"`
	Sport  string `json:"sport"`
	League string `json:"league"`
	Home   *int   `json:"home"`
	Away   *int   `json:"away"`
	Period string `json:"period"`
	Status string `json:"status"`
}

func normalizeLiveScore(data json.RawMessage) (json.RawMessage, string, error) {
	var in liveScoreIn
	if err := DecodeObject(data, &in); err != nil {
		return nil, "", err
	}
	gameID := strings.TrimSpace(in.GameID)
	if gameID == "" {
		return nil, "", invalid("gameId", "required")
	}
	if in.Home == nil {
		return nil, "", invalid("home", "required integer score")
	}
	if in.Away == nil {
		return nil, "", invalid("away", "required integer score")
	}
	if *in.Home < 0 || *in.Away < 0 {
		return nil, "", invalid("home/away", "scores must be non-negative")
	}

	out := events.LiveScore{
		GameID: gameID,
		Sport:  canonicalLabel(in.Sport),
		League: strings.TrimSpace(in.League),
		Home:   *in.Home,
		Away:   *in.Away,
		Period: strings.TrimSpace(in.Period),
		Status: strings.TrimSpace(in.Status),
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, "", err
	}
	return payload, gameID, nil
}

type bettingOddsIn struct {
	MarketID   string `json:"marketId"`
	Sport      string `json:"sport"`
	Bookmaker  string `json:"bookmaker"`
	Selections []struct {
		Name  string   `json:"name"`
		Price *float64 `json:"price"`
	} `json:"selections"`
}

func normalizeBettingOdds(data json.RawMessage) (json.RawMessage, string, error) {
	var in bettingOddsIn
	if err := DecodeObject(data, &in); err != nil {
		return nil, "", err
	}
	marketID := strings.TrimSpace(in.MarketID)
	if marketID == "" {
		return nil, "", invalid("marketId", "required")
	}
	if len(in.Selections) == 0 {
		return nil, "", invalid("selections", "at least one selection required")
	}

	out := events.BettingOdds{
		MarketID:   marketID,
		Sport:      canonicalLabel(in.Sport),
		Bookmaker:  canonicalName(in.Bookmaker),
		Selections: make([]events.Selection, 0, len(in.Selections)),
	}
	seen := make(map[string]bool, len(in.Selections))
	for _, sel := range in.Selections {
		name := strings.TrimSpace(sel.Name)
		if name == "" {
			return nil, "", invalid("selections.name", "required")
		}
		if seen[name] {
			return nil, "", invalid("selections.name", "duplicate selection %q", name)
		}
		seen[name] = true
		if sel.Price == nil {
			return nil, "", invalid("selections.price", "required for %q", name)
		}
		p := *sel.Price
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 1.0 {
			return nil, "", invalid("selections.price", "decimal odds must be > 1.0 for %q", name)
		}
		out.Selections = append(out.Selections, events.Selection{Name: name, Price: p})
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, "", err
	}
	key := marketID
	if out.Bookmaker != "" {
		key = marketID + "/" + out.Bookmaker
	}
	return payload, key, nil
}

type raceResultIn struct {
	RaceID     string `json:"raceId"`
	Venue      string `json:"venue"`
	Discipline string `json:"discipline"`
	Official   bool   `json:"official"`
	Finishers  []struct {
		Position *int   `json:"position"`
		Runner   string `json:"runner"`
	} `json:"finishers"`
}

func normalizeRaceResult(data json.RawMessage) (json.RawMessage, string, error) {
	var in raceResultIn
	if err := DecodeObject(data, &in); err != nil {
		return nil, "", err
	}
	raceID := strings.TrimSpace(in.RaceID)
	if raceID == "" {
		return nil, "", invalid("raceId", "required")
	}
	if len(in.Finishers) == 0 {
		return nil, "", invalid("finishers", "at least one finisher required")
	}

	out := events.RaceResult{
		RaceID:     raceID,
		Venue:      strings.TrimSpace(in.Venue),
		Discipline: canonicalLabel(in.Discipline),
		Official:   in.Official,
		Finishers:  make([]events.Finisher, 0, len(in.Finishers)),
	}
	positions := make(map[int]bool, len(in.Finishers))
	for _, f := range in.Finishers {
		runner := strings.TrimSpace(f.Runner)
		if runner == "" {
			return nil, "", invalid("finishers.runner", "required")
		}
		if f.Position == nil || *f.Position < 1 {
			return nil, "", invalid("finishers.position", "must be >= 1 for %q", runner)
		}
		if positions[*f.Position] {
			return nil, "", invalid("finishers.position", "duplicate position %d", *f.Position)
		}
		positions[*f.Position] = true
		out.Finishers = append(out.Finishers, events.Finisher{Position: *f.Position, Runner: runner})
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, "", err
	}
	return payload, raceID, nil
}
