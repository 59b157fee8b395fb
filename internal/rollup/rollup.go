// Package rollup computes time-windowed usage statistics over stored spans:
// counts, error rates, latency percentiles, token sums, timeline buckets, and
// top-N breakdowns by model and operation.
//
// Rollups are read-only and run concurrently with ingestion. A rollup
// computed mid-ingest may undercount the newest few spans; callers get the
// state of the store at query time, not a frozen snapshot.
package rollup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/toolscope/telemetry/internal/telemetry"
)

// Bucket granularities for the timeline.
const (
	BucketHour = "hour"
	BucketDay  = "day"
)

const (
	defaultWindow = 24 * time.Hour
	defaultTopN   = 5
	maxBuckets    = 1000
)

// Query scopes one rollup. Vendor and TeamID are optional narrowing filters;
// an empty scope covers the whole customer.
type Query struct {
	CustomerID string
	Vendor     string
	TeamID     string
	From       time.Time
	To         time.Time
	Bucket     string
	TopN       int
}

// Stats is the computed aggregate for one query window. An empty window
// yields zero counts and zero-filled buckets, never an error.
type Stats struct {
	SpanCount     int64           `json:"span_count"`
	ErrorCount    int64           `json:"error_count"`
	ErrorRate     float64         `json:"error_rate"`
	InputTokens   int64           `json:"input_tokens"`
	OutputTokens  int64           `json:"output_tokens"`
	Latency       LatencyStats    `json:"latency"`
	Buckets       []TimelinePoint `json:"buckets"`
	TopModels     []Breakdown     `json:"top_models"`
	TopOperations []Breakdown     `json:"top_operations"`
	Window        WindowInfo      `json:"window"`
}

// LatencyStats summarizes the duration distribution of closed spans. Open
// spans carry no duration and are excluded; SampleCount says how many spans
// the percentiles describe.
type LatencyStats struct {
	P50         float64 `json:"p50_ms"`
	P95         float64 `json:"p95_ms"`
	P99         float64 `json:"p99_ms"`
	Avg         float64 `json:"avg_ms"`
	SampleCount int64   `json:"sample_count"`
}

// TimelinePoint is one bucket on the activity timeline. Buckets with no
// activity are emitted with zero counts rather than omitted.
type TimelinePoint struct {
	Start      time.Time `json:"start"`
	SpanCount  int64     `json:"span_count"`
	ErrorCount int64     `json:"error_count"`
}

// Breakdown is one row of a top-N grouping.
type Breakdown struct {
	Name         string `json:"name"`
	SpanCount    int64  `json:"span_count"`
	ErrorCount   int64  `json:"error_count"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// WindowInfo echoes the resolved window back to the caller, since defaults
// fill in unset bounds.
type WindowInfo struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Bucket string    `json:"bucket"`
}

// Engine computes rollups on demand from the span store.
type Engine struct {
	store telemetry.Store
	now   func() time.Time
}

func NewEngine(store telemetry.Store) *Engine {
	return &Engine{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Rollup computes stats for the query window. Unset bounds default to the
// last 24 hours; the window is clamped so the timeline never exceeds
// maxBuckets points.
func (e *Engine) Rollup(ctx context.Context, query Query) (*Stats, error) {
	if query.CustomerID == "" {
		return nil, fmt.Errorf("rollup: customer id is required")
	}

	window := e.resolveWindow(query)
	observations, err := e.store.ListObservations(ctx, telemetry.ObservationFilter{
		CustomerID: query.CustomerID,
		Vendor:     query.Vendor,
		TeamID:     query.TeamID,
		From:       window.From,
		To:         window.To,
	})
	if err != nil {
		return nil, fmt.Errorf("rollup: list observations: %w", err)
	}

	topN := query.TopN
	if topN <= 0 {
		topN = defaultTopN
	}

	stats := &Stats{
		Window:  window,
		Buckets: emptyBuckets(window),
	}

	durations := make([]float64, 0, len(observations))
	var durationSum float64
	models := map[string]*Breakdown{}
	operations := map[string]*Breakdown{}

	for _, obs := range observations {
		stats.SpanCount++
		if obs.IsError {
			stats.ErrorCount++
		}
		stats.InputTokens += obs.InputTokens
		stats.OutputTokens += obs.OutputTokens

		// Closed spans are latency samples, even instant ones; open spans
		// carry no duration yet.
		if obs.Completed {
			d := float64(obs.DurationMS)
			durations = append(durations, d)
			durationSum += d
		}

		bucketIndex := bucketIndexFor(window, obs.StartTime)
		if bucketIndex >= 0 && bucketIndex < len(stats.Buckets) {
			stats.Buckets[bucketIndex].SpanCount++
			if obs.IsError {
				stats.Buckets[bucketIndex].ErrorCount++
			}
		}

		accumulate(models, obs.Model, obs)
		accumulate(operations, obs.Operation, obs)
	}

	if stats.SpanCount > 0 {
		stats.ErrorRate = float64(stats.ErrorCount) / float64(stats.SpanCount)
	}
	if len(durations) > 0 {
		sort.Float64s(durations)
		stats.Latency = LatencyStats{
			P50:         Percentile(durations, 50),
			P95:         Percentile(durations, 95),
			P99:         Percentile(durations, 99),
			Avg:         durationSum / float64(len(durations)),
			SampleCount: int64(len(durations)),
		}
	}

	stats.TopModels = topBreakdowns(models, topN)
	stats.TopOperations = topBreakdowns(operations, topN)
	return stats, nil
}

// Percentile computes the p-th percentile of a sorted sample by linear
// interpolation: rank = p/100 * (n-1), interpolating between the two
// neighboring order statistics. This is the method the timeline charts pin
// their golden values against.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}

	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	fraction := rank - float64(lower)
	return sorted[lower] + fraction*(sorted[upper]-sorted[lower])
}

func (e *Engine) resolveWindow(query Query) WindowInfo {
	bucket := query.Bucket
	if bucket != BucketDay {
		bucket = BucketHour
	}
	step := bucketDuration(bucket)

	to := query.To
	if to.IsZero() {
		to = e.now()
	}
	from := query.From
	if from.IsZero() {
		from = to.Add(-defaultWindow)
	}
	if !from.Before(to) {
		from = to.Add(-step)
	}

	from = from.Truncate(step)
	if limit := to.Add(-time.Duration(maxBuckets) * step); from.Before(limit) {
		from = limit.Truncate(step)
	}

	return WindowInfo{From: from.UTC(), To: to.UTC(), Bucket: bucket}
}

func bucketDuration(bucket string) time.Duration {
	if bucket == BucketDay {
		return 24 * time.Hour
	}
	return time.Hour
}

func emptyBuckets(window WindowInfo) []TimelinePoint {
	step := bucketDuration(window.Bucket)
	buckets := make([]TimelinePoint, 0, 32)
	for start := window.From; start.Before(window.To); start = start.Add(step) {
		buckets = append(buckets, TimelinePoint{Start: start})
		if len(buckets) >= maxBuckets {
			break
		}
	}
	return buckets
}

func bucketIndexFor(window WindowInfo, at time.Time) int {
	if at.Before(window.From) {
		return -1
	}
	step := bucketDuration(window.Bucket)
	return int(at.Sub(window.From) / step)
}

func accumulate(groups map[string]*Breakdown, name string, obs telemetry.Observation) {
	if name == "" {
		return
	}
	group, ok := groups[name]
	if !ok {
		group = &Breakdown{Name: name}
		groups[name] = group
	}
	group.SpanCount++
	if obs.IsError {
		group.ErrorCount++
	}
	group.InputTokens += obs.InputTokens
	group.OutputTokens += obs.OutputTokens
}

func topBreakdowns(groups map[string]*Breakdown, n int) []Breakdown {
	out := make([]Breakdown, 0, len(groups))
	for _, group := range groups {
		out = append(out, *group)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpanCount != out[j].SpanCount {
			return out[i].SpanCount > out[j].SpanCount
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
