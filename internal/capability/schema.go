package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Canonical output schemas for the two structured capabilities. Model output
// is validated locally against these before it is trusted.
const analysisSchema = `{
  "type": "object",
  "required": ["sentiment", "impact_score", "summary"],
  "additionalProperties": false,
  "properties": {
    "sentiment": {"type": "string", "enum": ["positive", "negative", "neutral", "mixed"]},
    "impact_score": {"type": "number", "minimum": 0, "maximum": 1},
    "summary": {"type": "string"},
    "weak_signals": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["signal_type", "description", "confidence"],
        "additionalProperties": false,
        "properties": {
          "signal_type": {"type": "string"},
          "description": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "implications": {"type": "string"},
          "evidence": {"type": "array", "items": {"type": "string"}},
          "timeframe": {"type": "string"}
        }
      }
    }
  }
}`

const validationSchema = `{
  "type": "object",
  "required": ["validations"],
  "additionalProperties": false,
  "properties": {
    "validations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["signal_type", "validation_status", "confidence_adjustment"],
        "additionalProperties": false,
        "properties": {
          "signal_type": {"type": "string"},
          "validation_status": {"type": "string", "enum": ["VALIDATED", "CONTRADICTED", "INCONCLUSIVE"]},
          "confidence_adjustment": {"type": "number", "minimum": -1, "maximum": 1},
          "research_sources": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// parseStructuredJSON parses JSON from model output, with lightweight
// recovery for markdown code fences and surrounding text.
func parseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty structured output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if extracted := extractJSONCandidate(content); extracted != "" && extracted != content {
		candidates = append(candidates, extracted)
	}

	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			normalized, mErr := json.Marshal(parsed)
			if mErr != nil {
				return nil, fmt.Errorf("failed to normalize structured output: %w", mErr)
			}
			return normalized, nil
		}
	}

	return nil, fmt.Errorf("failed to parse structured JSON")
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return ""
	}

	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractJSONCandidate(content string) string {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(trimmed, "}")
	if end < start {
		return ""
	}
	return strings.TrimSpace(trimmed[start : end+1])
}

// validateStructuredJSON validates parsed JSON against a canonical schema.
func validateStructuredJSON(schemaRaw string, parsed json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader([]byte(schemaRaw))); err != nil {
		return fmt.Errorf("failed to load structured schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile structured schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(parsed, &doc); err != nil {
		return fmt.Errorf("failed to decode structured JSON for validation: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("structured output does not match schema: %w", err)
	}
	return nil
}
