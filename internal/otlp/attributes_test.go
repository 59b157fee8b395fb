package otlp

import (
	"strings"
	"testing"
)

func stringValue(v string) AnyValue  { return AnyValue{StringValue: &v} }
func boolValue(v bool) AnyValue      { return AnyValue{BoolValue: &v} }
func doubleValue(v float64) AnyValue { return AnyValue{DoubleValue: &v} }

func TestFlattenScalarPolicy(t *testing.T) {
	t.Parallel()

	attrs := []KeyValue{
		{Key: "gen_ai.request.model", Value: stringValue("gpt-4o")},
		{Key: "gen_ai.usage.input_tokens", Value: AnyValue{IntValue: "120"}},
		{Key: "temperature", Value: doubleValue(0.25)},
		{Key: "stream", Value: boolValue(true)},
	}

	flat := Flatten(attrs)
	if len(flat) != 4 {
		t.Fatalf("expected 4 keys, got %d: %v", len(flat), flat)
	}
	if flat["gen_ai.request.model"] != "gpt-4o" {
		t.Fatalf("unexpected model: %q", flat["gen_ai.request.model"])
	}
	if flat["gen_ai.usage.input_tokens"] != "120" {
		t.Fatalf("int should keep decimal wire form, got %q", flat["gen_ai.usage.input_tokens"])
	}
	if flat["temperature"] != "0.25" {
		t.Fatalf("double should use FormatFloat 'g', got %q", flat["temperature"])
	}
	if flat["stream"] != "true" {
		t.Fatalf("bool should render true/false, got %q", flat["stream"])
	}
}

func TestFlattenArrayIsJSONEncoded(t *testing.T) {
	t.Parallel()

	attrs := []KeyValue{
		{Key: "stop_sequences", Value: AnyValue{ArrayValue: &ArrayValue{Values: []AnyValue{
			stringValue("END"),
			AnyValue{IntValue: "2"},
		}}}},
	}

	flat := Flatten(attrs)
	if got := flat["stop_sequences"]; got != `["END","2"]` {
		t.Fatalf("unexpected array rendering: %q", got)
	}
}

func TestFlattenNestedKVListUsesDottedKeys(t *testing.T) {
	t.Parallel()

	attrs := []KeyValue{
		{Key: "toolscope", Value: AnyValue{KVListValue: &KVList{Values: []KeyValue{
			{Key: "team_id", Value: stringValue("team-7")},
			{Key: "nested", Value: AnyValue{KVListValue: &KVList{Values: []KeyValue{
				{Key: "depth", Value: AnyValue{IntValue: "2"}},
			}}}},
		}}}},
	}

	flat := Flatten(attrs)
	if flat["toolscope.team_id"] != "team-7" {
		t.Fatalf("missing dotted key: %v", flat)
	}
	if flat["toolscope.nested.depth"] != "2" {
		t.Fatalf("missing doubly nested key: %v", flat)
	}
}

func TestFlattenPreservesEveryKey(t *testing.T) {
	t.Parallel()

	attrs := make([]KeyValue, 0, 30)
	for _, key := range []string{
		"gen_ai.system", "gen_ai.request.model", "gen_ai.response.model",
		"gen_ai.usage.input_tokens", "gen_ai.usage.output_tokens",
		"server.address", "service.name", "custom.dynamic.key",
	} {
		attrs = append(attrs, KeyValue{Key: key, Value: stringValue("v-" + key)})
	}

	flat := Flatten(attrs)
	for _, attr := range attrs {
		if _, ok := flat[attr.Key]; !ok {
			t.Fatalf("key %q dropped during flatten", attr.Key)
		}
	}
}

func TestFlattenAllMergesListsInOrder(t *testing.T) {
	t.Parallel()

	resource := []KeyValue{
		{Key: "service.name", Value: stringValue("openai-sdk")},
		{Key: "shared", Value: stringValue("resource")},
	}
	span := []KeyValue{
		{Key: "shared", Value: stringValue("span")},
	}

	flat := FlattenAll(resource, span)
	if flat["service.name"] != "openai-sdk" {
		t.Fatalf("resource key missing: %v", flat)
	}
	if flat["shared"] != "span" {
		t.Fatalf("later list should win on collision, got %q", flat["shared"])
	}
}

func TestFlattenSkipsBlankKeys(t *testing.T) {
	t.Parallel()

	flat := Flatten([]KeyValue{
		{Key: "  ", Value: stringValue("ignored")},
		{Key: "kept", Value: stringValue("yes")},
	})
	if len(flat) != 1 || flat["kept"] != "yes" {
		t.Fatalf("unexpected map: %v", flat)
	}
}

func TestRenderValueEmptyUnion(t *testing.T) {
	t.Parallel()

	flat := Flatten([]KeyValue{{Key: "empty", Value: AnyValue{}}})
	if got, ok := flat["empty"]; !ok || got != "" {
		t.Fatalf("empty union should map to empty string, got %q (present=%v)", got, ok)
	}
	if strings.TrimSpace(flat["empty"]) != "" {
		t.Fatalf("expected empty rendering")
	}
}
