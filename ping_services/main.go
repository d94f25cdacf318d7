// Ping a running streamd to measure service latency.
//
// Measures the HTTP round-trip of /health, WebSocket ping/pong frames, and
// the end-to-end time from POST /v1/events until the change arrives on a
// subscribed socket.
//
// Usage:
//
//	go run ./ping_services                        # default: 20 samples each, localhost:8765
//	go run ./ping_services -addr host:8765 -n 50
//	go run ./ping_services --e2e=false            # skip the ingest→broadcast probe
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/transport/ws"
)

const (
	httpTimeout  = 10 * time.Second
	frameTimeout = 5 * time.Second
	probeSource  = "latency-probe"
	probeSport   = "probe"
)

func main() {
	addr := flag.String("addr", "localhost:8765", "streamd host:port")
	n := flag.Int("n", 20, "Number of samples per measurement")
	e2e := flag.Bool("e2e", true, "Also measure ingest → broadcast latency (writes probe events)")
	flag.Parse()

	base := "http://" + *addr
	fmt.Printf("\nPinging streamd — %s\n", base)

	pingHealth(base, *n)

	conn, err := dial(*addr, []string{"scores:" + probeSport})
	if err != nil {
		fmt.Printf("\n  [!] WebSocket dial failed: %v\n\n", err)
		return
	}
	defer conn.Close()

	pingWS(conn, *n)
	if *e2e {
		pingPipeline(base, conn, *n)
	}
	fmt.Println()
}

func section(title string) {
	fmt.Printf("\n%s\n", strings.Repeat("=", 55))
	fmt.Printf("  %s\n", title)
	fmt.Printf("%s\n", strings.Repeat("=", 55))
}

func pingHealth(base string, n int) {
	section("HTTP /health")
	healthURL := base + "/health"

	fmt.Println("\n  Cold-start request (TCP + HTTP):")
	ms, code, err := measureHTTP(healthURL, nil)
	if err != nil {
		fmt.Printf("    FAILED — %v\n", err)
		return
	}
	fmt.Printf("    %.1f ms  (HTTP %d)\n", ms, code)

	fmt.Printf("\n  Warm HTTP latency (%d requests, keep-alive):\n", n)
	client := &http.Client{Timeout: httpTimeout}
	latencies := make([]float64, 0, n)
	pad := len(fmt.Sprintf("%d", n))
	for i := 1; i <= n; i++ {
		ms, code, err := measureHTTP(healthURL, client)
		if err != nil {
			fmt.Printf("  [%*d/%d]  FAILED — %v\n", pad, i, n, err)
			continue
		}
		latencies = append(latencies, ms)
		fmt.Printf("  [%*d/%d]  %7.1f ms  (HTTP %d)\n", pad, i, n, ms, code)
	}
	printStats(latencies, "HTTP /health")
}

func measureHTTP(url string, client *http.Client) (ms float64, statusCode int, err error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	c := client
	if c == nil {
		c = &http.Client{Timeout: httpTimeout}
	}
	start := time.Now()
	resp, err := c.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	return float64(elapsed.Microseconds()) / 1000, resp.StatusCode, nil
}

// dial connects and consumes the welcome and subscribed frames.
func dial(addr string, topics []string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(ws.Request{Op: ws.OpSubscribe, Topics: topics}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if _, err := awaitFrame(conn, func(f ws.Frame) bool { return f.Type == ws.FrameSubscribed }); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe ack: %w", err)
	}
	return conn, nil
}

func awaitFrame(conn *websocket.Conn, match func(ws.Frame) bool) (ws.Frame, error) {
	deadline := time.Now().Add(frameTimeout)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return ws.Frame{}, err
		}
		f, err := ws.DecodeFrame(data)
		if err != nil {
			continue
		}
		if match(f) {
			return f, nil
		}
	}
}

func pingWS(conn *websocket.Conn, n int) {
	section("WebSocket ping → pong")
	fmt.Printf("\n  Op ping latency (%d pings, refreshes the registry entry):\n", n)

	latencies := make([]float64, 0, n)
	pad := len(fmt.Sprintf("%d", n))
	for i := 1; i <= n; i++ {
		start := time.Now()
		if err := conn.WriteJSON(ws.Request{Op: ws.OpPing}); err != nil {
			fmt.Printf("  [!] WS ping failed: %v\n", err)
			break
		}
		if _, err := awaitFrame(conn, func(f ws.Frame) bool { return f.Type == ws.FramePong }); err != nil {
			fmt.Printf("  [!] WS pong timeout: %v\n", err)
			break
		}
		ms := float64(time.Since(start).Microseconds()) / 1000
		latencies = append(latencies, ms)
		fmt.Printf("  [%*d/%d]  %7.1f ms  (WS ping/pong)\n", pad, i, n, ms)
	}
	printStats(latencies, "WebSocket")
}

func pingPipeline(base string, conn *websocket.Conn, n int) {
	section("Ingest → broadcast")
	gameID := "probe-" + uuid.NewString()[:8]
	fmt.Printf("\n  POST live_score %s, wait for scores:%s (%d samples):\n", gameID, probeSport, n)

	client := &http.Client{Timeout: httpTimeout}
	latencies := make([]float64, 0, n)
	pad := len(fmt.Sprintf("%d", n))
	for i := 1; i <= n; i++ {
		body, _ := json.Marshal(events.RawEvent{
			Source:    probeSource,
			EventType: string(events.EventLiveScore),
			Data:      mustJSON(events.LiveScore{GameID: gameID, Sport: probeSport, Home: i}),
		})

		start := time.Now()
		resp, err := client.Post(base+"/v1/events", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("  [%*d/%d]  FAILED — %v\n", pad, i, n, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			fmt.Printf("  [%*d/%d]  rejected (HTTP %d)\n", pad, i, n, resp.StatusCode)
			continue
		}

		_, err = awaitFrame(conn, func(f ws.Frame) bool {
			if f.Type != ws.FrameEvent || f.Message == nil {
				return false
			}
			var p events.LiveScore
			return json.Unmarshal(f.Message.Payload, &p) == nil && p.GameID == gameID && p.Home == i
		})
		if err != nil {
			fmt.Printf("  [%*d/%d]  no broadcast within %s: %v\n", pad, i, n, frameTimeout, err)
			break
		}
		ms := float64(time.Since(start).Microseconds()) / 1000
		latencies = append(latencies, ms)
		fmt.Printf("  [%*d/%d]  %7.1f ms  (POST → WS)\n", pad, i, n, ms)
	}
	printStats(latencies, "Ingest → broadcast")
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func printStats(latencies []float64, label string) {
	if len(latencies) < 2 {
		fmt.Printf("\n  Not enough %s samples for statistics.\n", label)
		return
	}
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	mean := 0.0
	for _, v := range latencies {
		mean += v
	}
	mean /= float64(len(latencies))

	variance := 0.0
	for _, v := range latencies {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(latencies) - 1)
	stdev := math.Sqrt(variance)

	pct := func(p float64) float64 {
		return sorted[min(int(float64(len(sorted))*p), len(sorted)-1)]
	}

	fmt.Printf("\n  --- %s Stats (%d samples) ---\n", label, len(latencies))
	fmt.Printf("  Min:    %7.1f ms\n", sorted[0])
	fmt.Printf("  Max:    %7.1f ms\n", sorted[len(sorted)-1])
	fmt.Printf("  Mean:   %7.1f ms\n", mean)
	fmt.Printf("  Median: %7.1f ms\n", sorted[len(sorted)/2])
	fmt.Printf("  Stdev:  %7.1f ms\n", stdev)
	fmt.Printf("  p95:    %7.1f ms\n", pct(0.95))
	fmt.Printf("  p99:    %7.1f ms\n", pct(0.99))
}
