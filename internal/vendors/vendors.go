// Package vendors resolves the canonical vendor identity of a telemetry
// record from its attributes. Resolution is a prioritized list of pure rules;
// the first matching rule wins and unknown vendors are never rejected.
package vendors

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const CategoryLLM = "llm"

// Info is the canonical identity assigned to a span or metric.
type Info struct {
	ID          string
	DisplayName string
	Category    string
	IsLLM       bool
}

// Rule is one prioritized resolution step over the merged (resource + span)
// flat attribute map.
type Rule interface {
	Match(serviceName string, attrs map[string]string) bool
	Resolve(serviceName string, attrs map[string]string) Info
}

// knownVendor maps service/SDK name fragments to a canonical vendor.
type knownVendor struct {
	fragment string
	info     Info
}

var knownServiceVendors = []knownVendor{
	{fragment: "openai", info: llmVendor("openai", "OpenAI")},
	{fragment: "anthropic", info: llmVendor("anthropic", "Anthropic")},
	{fragment: "claude", info: llmVendor("anthropic", "Anthropic")},
	{fragment: "gemini", info: llmVendor("google", "Google")},
	{fragment: "vertex", info: llmVendor("google", "Google")},
	{fragment: "bedrock", info: llmVendor("aws", "AWS Bedrock")},
	{fragment: "mistral", info: llmVendor("mistral", "Mistral")},
	{fragment: "cohere", info: llmVendor("cohere", "Cohere")},
	{fragment: "langchain", info: llmVendor("langchain", "LangChain")},
	{fragment: "postgres", info: Info{ID: "postgres", DisplayName: "PostgreSQL", Category: "infra"}},
	{fragment: "redis", info: Info{ID: "redis", DisplayName: "Redis", Category: "infra"}},
	{fragment: "kafka", info: Info{ID: "kafka", DisplayName: "Kafka", Category: "infra"}},
}

// modelPrefixVendors resolves gen_ai model strings to the vendor that serves
// them, for SDKs that only report the model id.
var modelPrefixVendors = []knownVendor{
	{fragment: "gpt", info: llmVendor("openai", "OpenAI")},
	{fragment: "o1", info: llmVendor("openai", "OpenAI")},
	{fragment: "o3", info: llmVendor("openai", "OpenAI")},
	{fragment: "claude", info: llmVendor("anthropic", "Anthropic")},
	{fragment: "gemini", info: llmVendor("google", "Google")},
	{fragment: "mistral", info: llmVendor("mistral", "Mistral")},
	{fragment: "mixtral", info: llmVendor("mistral", "Mistral")},
	{fragment: "llama", info: llmVendor("meta", "Meta")},
	{fragment: "command", info: llmVendor("cohere", "Cohere")},
	{fragment: "deepseek", info: llmVendor("deepseek", "DeepSeek")},
}

func llmVendor(id, display string) Info {
	return Info{ID: id, DisplayName: display, Category: CategoryLLM, IsLLM: true}
}

// Resolver applies its rules in order. The zero value is not usable; call
// NewResolver, which installs the default rule chain.
type Resolver struct {
	rules []Rule
}

func NewResolver() *Resolver {
	return &Resolver{
		rules: []Rule{
			knownServiceRule{},
			genAIRule{},
			fallbackRule{},
		},
	}
}

// Resolve returns the canonical vendor identity for the given service name
// and merged attribute map. It never fails: the final rule accepts anything.
func (r *Resolver) Resolve(serviceName string, attrs map[string]string) Info {
	for _, rule := range r.rules {
		if rule.Match(serviceName, attrs) {
			return rule.Resolve(serviceName, attrs)
		}
	}
	return fallbackRule{}.Resolve(serviceName, attrs)
}

// knownServiceRule matches explicit SDK/service names against the vendor
// table.
type knownServiceRule struct{}

func (knownServiceRule) Match(serviceName string, _ map[string]string) bool {
	_, ok := lookupServiceVendor(serviceName)
	return ok
}

func (knownServiceRule) Resolve(serviceName string, _ map[string]string) Info {
	info, _ := lookupServiceVendor(serviceName)
	return info
}

func lookupServiceVendor(serviceName string) (Info, bool) {
	name := strings.ToLower(strings.TrimSpace(serviceName))
	if name == "" {
		return Info{}, false
	}
	for _, vendor := range knownServiceVendors {
		if strings.Contains(name, vendor.fragment) {
			return vendor.info, true
		}
	}
	return Info{}, false
}

// genAIRule fires when any gen_ai.* attribute is present: the record is an
// LLM invocation even when the vendor itself is unknown.
type genAIRule struct{}

func (genAIRule) Match(_ string, attrs map[string]string) bool {
	return hasGenAIAttribute(attrs)
}

func (genAIRule) Resolve(serviceName string, attrs map[string]string) Info {
	if system := strings.ToLower(strings.TrimSpace(attrs["gen_ai.system"])); system != "" {
		if info, ok := lookupServiceVendor(system); ok {
			return info
		}
		return Info{ID: system, DisplayName: titleCase(system), Category: CategoryLLM, IsLLM: true}
	}
	for _, key := range []string{"gen_ai.request.model", "gen_ai.response.model"} {
		model := strings.ToLower(strings.TrimSpace(attrs[key]))
		if model == "" {
			continue
		}
		for _, vendor := range modelPrefixVendors {
			if strings.HasPrefix(model, vendor.fragment) {
				return vendor.info
			}
		}
	}
	id := normalizeVendorID(serviceName)
	return Info{ID: id, DisplayName: titleCase(id), Category: CategoryLLM, IsLLM: true}
}

func hasGenAIAttribute(attrs map[string]string) bool {
	for key := range attrs {
		if strings.HasPrefix(key, "gen_ai.") {
			return true
		}
	}
	return false
}

// fallbackRule accepts everything: vendor = lowercased service name, no
// category. Best-effort display name so ingestion never fails on an
// unrecognized tool.
type fallbackRule struct{}

func (fallbackRule) Match(_ string, _ map[string]string) bool { return true }

func (fallbackRule) Resolve(serviceName string, _ map[string]string) Info {
	id := normalizeVendorID(serviceName)
	return Info{ID: id, DisplayName: titleCase(id)}
}

func normalizeVendorID(serviceName string) string {
	id := strings.ToLower(strings.TrimSpace(serviceName))
	if id == "" {
		return "unknown"
	}
	return id
}

// titleCase renders a best-effort display name from a vendor id:
// "acme-tools" becomes "Acme Tools".
func titleCase(id string) string {
	parts := strings.FieldsFunc(id, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == ' '
	})
	if len(parts) == 0 {
		return "Unknown"
	}
	for i, part := range parts {
		first, size := utf8.DecodeRuneInString(part)
		parts[i] = string(unicode.ToUpper(first)) + part[size:]
	}
	return strings.Join(parts, " ")
}
