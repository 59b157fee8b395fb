// Package otlp decodes the OTLP/HTTP JSON encoding for trace and metric
// export requests. Only the fields this backend consumes are modeled; unknown
// fields are ignored by the JSON decoder, which keeps ingestion tolerant of
// newer SDKs.
package otlp

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ExportRequest is the top-level OTLP JSON payload. A single request may carry
// spans, metrics, or both.
type ExportRequest struct {
	ResourceSpans   []ResourceSpans   `json:"resourceSpans"`
	ResourceMetrics []ResourceMetrics `json:"resourceMetrics"`
}

type ResourceSpans struct {
	Resource   Resource     `json:"resource"`
	ScopeSpans []ScopeSpans `json:"scopeSpans"`
}

type ResourceMetrics struct {
	Resource     Resource       `json:"resource"`
	ScopeMetrics []ScopeMetrics `json:"scopeMetrics"`
}

type Resource struct {
	Attributes []KeyValue `json:"attributes"`
}

type Scope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ScopeSpans struct {
	Scope Scope  `json:"scope"`
	Spans []Span `json:"spans"`
}

type ScopeMetrics struct {
	Scope   Scope    `json:"scope"`
	Metrics []Metric `json:"metrics"`
}

type Span struct {
	TraceID           string      `json:"traceId"`
	SpanID            string      `json:"spanId"`
	ParentSpanID      string      `json:"parentSpanId"`
	Name              string      `json:"name"`
	Kind              SpanKind    `json:"kind"`
	StartTimeUnixNano json.Number `json:"startTimeUnixNano"`
	EndTimeUnixNano   json.Number `json:"endTimeUnixNano"`
	Attributes        []KeyValue  `json:"attributes"`
	Status            Status      `json:"status"`
}

type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message"`
}

// Metric models the OTLP metric shapes this backend accepts: gauges and sums.
// Histogram points are not ingested; the rollup engine derives distributions
// from spans instead.
type Metric struct {
	Name  string      `json:"name"`
	Unit  string      `json:"unit"`
	Gauge *DataPoints `json:"gauge"`
	Sum   *DataPoints `json:"sum"`
}

type DataPoints struct {
	DataPoints []NumberDataPoint `json:"dataPoints"`
}

type NumberDataPoint struct {
	Attributes   []KeyValue  `json:"attributes"`
	TimeUnixNano json.Number `json:"timeUnixNano"`
	AsDouble     *float64    `json:"asDouble"`
	AsInt        json.Number `json:"asInt"`
}

// Value returns the numeric value of the point regardless of wire encoding.
func (p NumberDataPoint) Value() float64 {
	if p.AsDouble != nil {
		return *p.AsDouble
	}
	if v, err := p.AsInt.Float64(); err == nil {
		return v
	}
	return 0
}

// SpanKind accepts both the protobuf-JSON enum name ("SPAN_KIND_CLIENT") and
// the numeric form (3) that some exporters emit.
type SpanKind int

const (
	SpanKindUnspecified SpanKind = 0
	SpanKindInternal    SpanKind = 1
	SpanKindServer      SpanKind = 2
	SpanKindClient      SpanKind = 3
	SpanKindProducer    SpanKind = 4
	SpanKindConsumer    SpanKind = 5
)

func (k *SpanKind) UnmarshalJSON(data []byte) error {
	value, err := decodeEnum(data, "SPAN_KIND_", map[string]int{
		"UNSPECIFIED": int(SpanKindUnspecified),
		"INTERNAL":    int(SpanKindInternal),
		"SERVER":      int(SpanKindServer),
		"CLIENT":      int(SpanKindClient),
		"PRODUCER":    int(SpanKindProducer),
		"CONSUMER":    int(SpanKindConsumer),
	})
	if err != nil {
		return fmt.Errorf("decode span kind: %w", err)
	}
	*k = SpanKind(value)
	return nil
}

func (k SpanKind) String() string {
	switch k {
	case SpanKindInternal:
		return "internal"
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	case SpanKindProducer:
		return "producer"
	case SpanKindConsumer:
		return "consumer"
	default:
		return "unspecified"
	}
}

// StatusCode accepts "STATUS_CODE_ERROR" and numeric forms alike.
type StatusCode int

const (
	StatusCodeUnset StatusCode = 0
	StatusCodeOK    StatusCode = 1
	StatusCodeError StatusCode = 2
)

func (c *StatusCode) UnmarshalJSON(data []byte) error {
	value, err := decodeEnum(data, "STATUS_CODE_", map[string]int{
		"UNSET": int(StatusCodeUnset),
		"OK":    int(StatusCodeOK),
		"ERROR": int(StatusCodeError),
	})
	if err != nil {
		return fmt.Errorf("decode status code: %w", err)
	}
	*c = StatusCode(value)
	return nil
}

func (c StatusCode) String() string {
	switch c {
	case StatusCodeOK:
		return "OK"
	case StatusCodeError:
		return "ERROR"
	default:
		return "UNSET"
	}
}

func decodeEnum(data []byte, prefix string, names map[string]int) (int, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return 0, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return 0, err
		}
		name = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), prefix)
		value, ok := names[name]
		if !ok {
			return 0, fmt.Errorf("unknown enum value %q", name)
		}
		return value, nil
	}
	var value int
	if err := json.Unmarshal(data, &value); err != nil {
		return 0, err
	}
	return value, nil
}

// Decode parses an OTLP JSON export request from r.
func Decode(r io.Reader) (*ExportRequest, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	var request ExportRequest
	if err := decoder.Decode(&request); err != nil {
		return nil, fmt.Errorf("decode otlp payload: %w", err)
	}
	return &request, nil
}

// UnixNanoTime converts an OTLP fixed64 nanosecond timestamp, which arrives as
// either a JSON string or number, into a UTC time. The zero value maps to the
// zero time.
func UnixNanoTime(raw json.Number) time.Time {
	value := strings.TrimSpace(raw.String())
	if value == "" || value == "0" {
		return time.Time{}
	}
	nanos, err := strconv.ParseInt(value, 10, 64)
	if err != nil || nanos <= 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}
