package parsers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The decision parsers treat model output as an advisory signal, not a
// contract: each decode attempt has a documented fallback and nothing here
// panics or propagates malformed output to the caller.

// GuardrailVerdict is the structured decision of the policy gate.
type GuardrailVerdict struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Response string `json:"response"`
}

type categoryPayload struct {
	Category string `json:"category"`
}

type optimizedPayload struct {
	OptimizedAnswer string `json:"optimized_answer"`
	// legacy key some prompt revisions produced
	Response string `json:"response"`
}

// extractJSON strips markdown fences and trims to the outermost JSON object
// so lenient model output still decodes.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// ParseGuardrailVerdict decodes the guardrail decision. A decode failure is
// returned to the caller, which fails open (treats the turn as allowed).
func ParseGuardrailVerdict(content string) (*GuardrailVerdict, error) {
	var v GuardrailVerdict
	if err := json.Unmarshal([]byte(extractJSON(content)), &v); err != nil {
		return nil, fmt.Errorf("decode guardrail verdict: %w", err)
	}
	v.Decision = strings.ToLower(strings.TrimSpace(v.Decision))
	if v.Decision != "allowed" && v.Decision != "blocked" {
		return nil, fmt.Errorf("unknown guardrail decision %q", v.Decision)
	}
	return &v, nil
}

// ParseCategory decodes the classification result, defaulting to "other" on
// any malformed output.
func ParseCategory(content string) string {
	var p categoryPayload
	if err := json.Unmarshal([]byte(extractJSON(content)), &p); err != nil {
		return "other"
	}
	category := strings.TrimSpace(p.Category)
	if category == "" {
		return "other"
	}
	return category
}

// ParseRelevance normalizes a free-text yes/no relevance judgment. Anything
// without an affirmative token counts as not relevant.
func ParseRelevance(content string) bool {
	return strings.Contains(strings.ToLower(content), "yes")
}

// ParseOptimizedAnswer decodes the optimizer result, accepting the legacy
// "response" key; malformed output falls back to the raw content verbatim.
func ParseOptimizedAnswer(content string) string {
	var p optimizedPayload
	if err := json.Unmarshal([]byte(extractJSON(content)), &p); err != nil {
		return content
	}
	if strings.TrimSpace(p.OptimizedAnswer) != "" {
		return p.OptimizedAnswer
	}
	if strings.TrimSpace(p.Response) != "" {
		return p.Response
	}
	return content
}
