package otlp

import (
	"encoding/json"
	"strconv"
	"strings"
)

// KeyValue is one OTLP attribute: a key plus a typed AnyValue.
type KeyValue struct {
	Key   string   `json:"key"`
	Value AnyValue `json:"value"`
}

// AnyValue is the OTLP tagged union. Exactly one field is expected to be set;
// when several are, the first non-nil in declaration order wins.
type AnyValue struct {
	StringValue *string     `json:"stringValue"`
	BoolValue   *bool       `json:"boolValue"`
	IntValue    json.Number `json:"intValue"`
	DoubleValue *float64    `json:"doubleValue"`
	BytesValue  *string     `json:"bytesValue"`
	ArrayValue  *ArrayValue `json:"arrayValue"`
	KVListValue *KVList     `json:"kvlistValue"`
}

type ArrayValue struct {
	Values []AnyValue `json:"values"`
}

type KVList struct {
	Values []KeyValue `json:"values"`
}

// Flatten converts an OTLP attribute list into a flat string map.
//
// Stringification policy (stable; downstream token parsing depends on it):
//   - strings pass through unchanged
//   - bools render as "true"/"false"
//   - ints keep their decimal wire form
//   - doubles use strconv.FormatFloat(v, 'g', -1, 64)
//   - bytes keep their base64 wire form
//   - arrays JSON-encode the slice of element renderings, e.g. ["1","2"]
//   - nested kvlists flatten with dot-joined keys ("parent.child")
//
// Every input key produces an output key. When dotted kvlist keys collide the
// later entry wins, mirroring OTLP's last-value-wins attribute semantics.
func Flatten(attrs []KeyValue) map[string]string {
	if len(attrs) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(attrs))
	flattenInto(out, "", attrs)
	return out
}

// FlattenAll merges several attribute lists in order into one flat map.
func FlattenAll(lists ...[]KeyValue) map[string]string {
	out := map[string]string{}
	for _, attrs := range lists {
		flattenInto(out, "", attrs)
	}
	return out
}

func flattenInto(out map[string]string, prefix string, attrs []KeyValue) {
	for _, attr := range attrs {
		key := strings.TrimSpace(attr.Key)
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if attr.Value.KVListValue != nil {
			flattenInto(out, key, attr.Value.KVListValue.Values)
			continue
		}
		out[key] = renderValue(attr.Value)
	}
}

func renderValue(value AnyValue) string {
	switch {
	case value.StringValue != nil:
		return *value.StringValue
	case value.BoolValue != nil:
		return strconv.FormatBool(*value.BoolValue)
	case value.IntValue != "":
		return value.IntValue.String()
	case value.DoubleValue != nil:
		return strconv.FormatFloat(*value.DoubleValue, 'g', -1, 64)
	case value.BytesValue != nil:
		return *value.BytesValue
	case value.ArrayValue != nil:
		rendered := make([]string, 0, len(value.ArrayValue.Values))
		for _, element := range value.ArrayValue.Values {
			rendered = append(rendered, renderValue(element))
		}
		encoded, err := json.Marshal(rendered)
		if err != nil {
			return ""
		}
		return string(encoded)
	default:
		return ""
	}
}
