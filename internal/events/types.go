package events

// Payload shapes per event type. Fields a producer must send are validated by
// the normalizer; everything here is what survives into the log.

// LiveScore is an in-play score snapshot for one game.
type LiveScore struct {
	GameID string `json:"gameId"`
	Sport  string `json:"sport,omitempty"`
	League string `json:"league,omitempty"`
	Home   int    `json:"home"`
	Away   int    `json:"away"`
	Period string `json:"period,omitempty"` // "1st Period", "2nd Half", "Q3", etc.
	Status string `json:"status,omitempty"`
}

// Selection is one priced outcome of a market, in decimal odds.
type Selection struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// BettingOdds is a full price snapshot for one market from one bookmaker.
type BettingOdds struct {
	MarketID   string      `json:"marketId"`
	Sport      string      `json:"sport,omitempty"`
	Bookmaker  string      `json:"bookmaker,omitempty"`
	Selections []Selection `json:"selections"`
}

// Finisher is one placed runner in a race.
type Finisher struct {
	Position int    `json:"position"`
	Runner   string `json:"runner"`
}

// RaceResult is the (possibly provisional) finishing order of one race.
type RaceResult struct {
	RaceID     string     `json:"raceId"`
	Venue      string     `json:"venue,omitempty"`
	Discipline string     `json:"discipline,omitempty"` // "horse", "greyhound", "f1", ...
	Finishers  []Finisher `json:"finishers"`
	Official   bool       `json:"official,omitempty"`
}
