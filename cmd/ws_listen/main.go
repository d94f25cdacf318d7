// ws_listen subscribes to a running stream server and prints every message.
//
// Usage:
//
//	go run ./cmd/ws_listen -addr localhost:8765 -topics live_scores,odds:nfl
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/telemetry"
	"github.com/charleschow/sports-stream/internal/transport/ws"
)

func main() {
	addr := flag.String("addr", "localhost:8765", "stream server host:port")
	topics := flag.String("topics", "live_scores,betting_odds,race_results", "comma-separated topics")
	level := flag.String("log", "info", "log level")
	flag.Parse()

	telemetry.Init(telemetry.ParseLogLevel(*level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := ws.NewListener(*addr, strings.Split(*topics, ","))
	l.ConnectWithRetry(ctx, func(msg events.BroadcastMessage) {
		fmt.Printf("%s  %-16s %-6s v%-3d %s  %s\n",
			msg.Timestamp.Format("15:04:05.000"), msg.Topic, msg.Op, msg.Version, msg.SourceEventID, msg.Payload)
	})
}
