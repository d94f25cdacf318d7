// mock_producer posts scripted live score, odds and race events to a running
// stream server to exercise the pipeline end to end. Run ws_listen alongside
// it to watch the broadcasts.
//
// Each run uses fresh ids (timestamp-based) so every script starts with an
// INSERT followed by MODIFYs.
//
// Usage:
//
//	go run ./cmd/mock_producer [-target http://localhost:8765] [-delay 1s] [-gzip]
package main

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

type step struct {
	label string
	body  any
}

var (
	target  string
	delay   time.Duration
	useGzip bool
)

func main() {
	flag.StringVar(&target, "target", "http://localhost:8765", "stream server base URL")
	flag.DurationVar(&delay, "delay", time.Second, "pause between steps")
	flag.BoolVar(&useGzip, "gzip", false, "gzip request bodies (raw, no Content-Encoding header)")
	flag.Parse()

	fmt.Println("=== Mock Producer ===")
	stamp := time.Now().Unix()

	scripts := map[string][]step{
		"hockey": hockeyScript(fmt.Sprintf("MOCK-NHL-%d", stamp)),
		"odds":   oddsScript(fmt.Sprintf("MOCK-MKT-%d", stamp)),
		"racing": raceScript(fmt.Sprintf("MOCK-RACE-%d", stamp)),
	}

	var wg sync.WaitGroup
	for name, script := range scripts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(name, script)
		}()
	}
	wg.Wait()
	fmt.Println("\nDone!")
}

func run(name string, script []step) {
	for i, s := range script {
		send(name, s, i+1, len(script))
		time.Sleep(delay)
	}
}

func hockeyScript(gameID string) []step {
	score := func(home, away int, period, status, label string) step {
		return step{label: label, body: map[string]any{
			"source":    "Mock Feed",
			"eventType": "live_score",
			"data": map[string]any{
				"gameId": gameID, "sport": "hockey", "league": "NHL",
				"home": home, "away": away, "period": period, "status": status,
			},
		}}
	}
	return []step{
		score(0, 0, "1st Period", "live", "Puck drop 0-0"),
		score(1, 0, "1st Period", "live", "GOAL home 1-0"),
		score(1, 1, "2nd Period", "live", "GOAL away 1-1"),
		{label: "malformed (negative score, expect 422)", body: map[string]any{
			"source": "Mock Feed", "eventType": "live_score",
			"data": map[string]any{"gameId": gameID, "home": -1, "away": 1},
		}},
		score(2, 1, "3rd Period", "live", "GOAL home 2-1"),
		score(2, 1, "Final", "finished", "FINAL 2-1"),
	}
}

func oddsScript(marketID string) []step {
	prices := func(home, away float64, label string) step {
		return step{label: label, body: map[string]any{
			"source":    "Mock Odds",
			"eventType": "betting_odds",
			"data": map[string]any{
				"marketId": marketID, "sport": "nfl", "bookmaker": "Pinnacle",
				"selections": []map[string]any{
					{"name": "home", "price": home},
					{"name": "away", "price": away},
				},
			},
		}}
	}
	return []step{
		prices(1.91, 1.95, "Open 1.91 / 1.95"),
		prices(1.80, 2.05, "Steam on home"),
		prices(1.75, 2.15, "Further move"),
	}
}

func raceScript(raceID string) []step {
	result := func(official bool, label string, runners ...string) step {
		finishers := make([]map[string]any, len(runners))
		for i, r := range runners {
			finishers[i] = map[string]any{"position": i + 1, "runner": r}
		}
		return step{label: label, body: map[string]any{
			"source":    "Mock Tote",
			"eventType": "race_result",
			"data": map[string]any{
				"raceId": raceID, "venue": "Ascot", "discipline": "horse",
				"finishers": finishers, "official": official,
			},
		}}
	}
	return []step{
		result(false, "Provisional result", "Red Rum", "Arkle", "Desert Orchid"),
		result(true, "Official (photo finish swap)", "Arkle", "Red Rum", "Desert Orchid"),
	}
}

func send(name string, s step, n, total int) {
	body, err := json.Marshal(s.body)
	if err != nil {
		fmt.Printf("  %s [%d/%d] marshal error: %v\n", name, n, total, err)
		return
	}

	var reader io.Reader = bytes.NewReader(body)
	if useGzip {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		gz.Write(body)
		gz.Close()
		reader = &buf
	}

	resp, err := http.Post(target+"/v1/events", "application/json", reader)
	if err != nil {
		fmt.Printf("  %s [%d/%d] %s: POST error: %v\n", name, n, total, s.label, err)
		return
	}
	defer resp.Body.Close()

	var res struct {
		Accepted bool   `json:"accepted"`
		ID       string `json:"id"`
		Reason   string `json:"reason"`
	}
	json.NewDecoder(resp.Body).Decode(&res)

	if res.Accepted {
		fmt.Printf("  %s [%d/%d] %s: %d id=%s\n", name, n, total, s.label, resp.StatusCode, res.ID)
		return
	}
	fmt.Printf("  %s [%d/%d] %s: %d %s\n", name, n, total, s.label, resp.StatusCode, res.Reason)
	if resp.StatusCode >= 500 {
		fmt.Fprintf(os.Stderr, "    server error %d\n", resp.StatusCode)
	}
}
