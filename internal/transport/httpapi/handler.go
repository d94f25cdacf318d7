package httpapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charleschow/sports-stream/internal/eventlog"
	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/normalizer"
	"github.com/charleschow/sports-stream/internal/telemetry"
)

const (
	maxBodyBytes     = 4 << 20
	maxBatchEvents   = 500
	queryTimeout     = 5 * time.Second
	defaultTypeLimit = 100
	maxTypeLimit     = 1000
)

// Submitter is the ingestion boundary the handler forwards to.
type Submitter interface {
	Submit(ctx context.Context, raw events.RawEvent) normalizer.SubmitResult
}

// EventsController serves producer submissions and log queries.
//
// Routes:
//
//	POST /v1/events                       one event object or an array of them
//	GET  /v1/events/source/:source?since= records of a source, newest first
//	GET  /v1/events/type/:type?limit=     records of an event type, newest first
type EventsController struct {
	ingest  Submitter
	log     eventlog.Log
	limiter *SourceLimiter
}

func NewEventsController(ingest Submitter, log eventlog.Log, limiter *SourceLimiter) *EventsController {
	return &EventsController{ingest: ingest, log: log, limiter: limiter}
}

func (c *EventsController) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/events", c.handleSubmit)
	rg.GET("/events/source/:source", c.handleBySource)
	rg.GET("/events/type/:type", c.handleByType)
}

// rateLimitedResult is what a producer gets back for an event rejected by
// its source's token bucket.
var rateLimitedResult = normalizer.SubmitResult{Reason: "rate limited", Retryable: true}

func (c *EventsController) handleSubmit(ctx *gin.Context) {
	body, err := readBody(ctx.Request)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []events.RawEvent
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON array: " + err.Error()})
			return
		}
		if len(batch) > maxBatchEvents {
			ctx.JSON(http.StatusRequestEntityTooLarge,
				gin.H{"error": fmt.Sprintf("batch of %d events exceeds %d", len(batch), maxBatchEvents)})
			return
		}
		results := make([]normalizer.SubmitResult, len(batch))
		for i, raw := range batch {
			results[i] = c.submit(ctx.Request.Context(), raw)
		}
		ctx.JSON(http.StatusOK, gin.H{"results": results})
		return
	}

	var raw events.RawEvent
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON object: " + err.Error()})
		return
	}
	res := c.submit(ctx.Request.Context(), raw)
	ctx.JSON(statusFor(res), res)
}

func (c *EventsController) submit(ctx context.Context, raw events.RawEvent) normalizer.SubmitResult {
	if !c.limiter.Allow(normalizer.CanonicalSource(raw.Source)) {
		telemetry.Metrics.EventsRateLimited.Inc()
		return rateLimitedResult
	}
	return c.ingest.Submit(ctx, raw)
}

func statusFor(res normalizer.SubmitResult) int {
	switch {
	case res.Accepted:
		return http.StatusAccepted
	case res == rateLimitedResult:
		return http.StatusTooManyRequests
	case res.Retryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func (c *EventsController) handleBySource(ctx *gin.Context) {
	source := normalizer.CanonicalSource(ctx.Param("source"))

	var since time.Time
	if raw := ctx.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = t
	}

	reqCtx, cancel := context.WithTimeout(ctx.Request.Context(), queryTimeout)
	defer cancel()
	recs, err := c.log.QueryBySource(reqCtx, source, since)
	if err != nil {
		telemetry.Warnf("httpapi: query by source %q: %v", source, err)
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"records": nonNil(recs)})
}

func (c *EventsController) handleByType(ctx *gin.Context) {
	limit := defaultTypeLimit
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxTypeLimit)
	}

	reqCtx, cancel := context.WithTimeout(ctx.Request.Context(), queryTimeout)
	defer cancel()
	recs, err := c.log.QueryByEventType(reqCtx, events.EventType(ctx.Param("type")), limit)
	if err != nil {
		telemetry.Warnf("httpapi: query by type %q: %v", ctx.Param("type"), err)
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"records": nonNil(recs)})
}

func nonNil(recs []events.Record) []events.Record {
	if recs == nil {
		return []events.Record{}
	}
	return recs
}

// readBody handles gzip-compressed and plain payloads. Some producers send
// raw gzip bytes without a Content-Encoding header; those are detected by
// the gzip magic bytes.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxBodyBytes+1)

	var reader io.Reader = limited
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(limited)
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		defer gz.Close()
		reader = gz
	} else {
		buf := make([]byte, 2)
		n, err := io.ReadFull(limited, buf)
		if err != nil && n == 0 {
			return nil, fmt.Errorf("empty body")
		}
		combined := io.MultiReader(bytes.NewReader(buf[:n]), limited)
		if n == 2 && buf[0] == 0x1f && buf[1] == 0x8b {
			gz, err := gzip.NewReader(combined)
			if err != nil {
				return nil, fmt.Errorf("gzip magic detected but decompression failed: %w", err)
			}
			defer gz.Close()
			reader = gz
		} else {
			reader = combined
		}
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}
