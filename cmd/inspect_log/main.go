// inspect_log prints recent records and change-feed state from an event log
// database without going through the service.
//
// Usage:
//
//	go run ./cmd/inspect_log [-db data/eventlog.db] [-source feedco] [-type live_score] [-n 10] [-pretty]
package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := flag.String("db", "data/eventlog.db", "path to event log")
	source := flag.String("source", "", "filter by canonical source")
	eventType := flag.String("type", "", "filter by event type")
	n := flag.Int("n", 10, "max records to print")
	pretty := flag.Bool("pretty", false, "pretty-print payloads")
	flag.Parse()

	db, err := sql.Open("sqlite", *dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(10000)&mode=ro")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	printSummary(db)

	q := `SELECT id, source, event_type, payload, ts, expires_at, version FROM records WHERE 1=1`
	var args []any
	if *source != "" {
		q += ` AND source = ?`
		args = append(args, *source)
	}
	if *eventType != "" {
		q += ` AND event_type = ?`
		args = append(args, *eventType)
	}
	q += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, *n)

	rows, err := db.Query(q, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		os.Exit(1)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, src, typ string
		var payload []byte
		var ts, expires, version int64
		if err := rows.Scan(&id, &src, &typ, &payload, &ts, &expires, &version); err != nil {
			fmt.Fprintf(os.Stderr, "scan: %v\n", err)
			continue
		}
		count++

		body := string(payload)
		if *pretty {
			var buf bytes.Buffer
			if err := json.Indent(&buf, payload, "", "  "); err == nil {
				body = buf.String()
			}
		}

		fmt.Printf("--- %s  source=%s  type=%s  v%d  accepted %s  expires %s  %s ---\n%s\n\n",
			id, src, typ, version,
			humanize.Time(time.Unix(0, ts)),
			humanize.Time(time.Unix(0, expires)),
			humanize.Bytes(uint64(len(payload))),
			body)
	}
	if count == 0 {
		fmt.Println("(no matching records)")
	} else {
		fmt.Printf("(%d results)\n", count)
	}
}

func printSummary(db *sql.DB) {
	var records, changes int64
	db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&records)
	db.QueryRow(`SELECT COUNT(*) FROM changes`).Scan(&changes)
	fmt.Printf("records=%s  feed entries=%s\n", humanize.Comma(records), humanize.Comma(changes))

	rows, err := db.Query(`
		SELECT c.consumer, c.part, c.seq, c.updated,
			(SELECT COALESCE(MAX(seq), 0) FROM changes WHERE part = c.part)
		FROM cursors c ORDER BY c.consumer, c.part`)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var consumer string
		var part int
		var seq, updated, head int64
		if err := rows.Scan(&consumer, &part, &seq, &updated, &head); err != nil {
			continue
		}
		fmt.Printf("  cursor %-14s p%d  seq=%d  head=%d  lag=%d  committed %s\n",
			consumer, part, seq, head, max(head-seq, 0), humanize.Time(time.Unix(0, updated)))
	}
	fmt.Println()
}
