package protocol_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"pvlab/internal/protocol"
)

const validDoc = `{
  "metadata": {"id": "uv-weathering", "version": "2.1.0", "category": "durability", "title": "UV Weathering Exposure"},
  "sections": [
    {
      "id": "sample",
      "fields": [
        {"id": "serial", "kind": "text", "required": true, "pattern": "^PV-\\d{6}$"},
        {"id": "exposure_type", "kind": "select", "required": true, "options": ["uv", "damp_heat", "thermal"]},
        {"id": "uv_dose", "kind": "number", "unit": "kWh/m2", "min": 0, "required_if": "exposure_type == 'uv'"},
        {"id": "exposure_start", "kind": "date"},
        {"id": "preconditioned", "kind": "boolean"}
      ]
    },
    {
      "id": "measurements",
      "fields": [
        {"id": "pmax_stc", "kind": "number", "unit": "W", "min": 0},
        {"id": "chamber_temp", "kind": "number", "unit": "degC"},
        {"id": "chalking_rating", "kind": "number", "min": 0, "max": 5, "increment": 1},
        {"id": "el_image", "kind": "file", "visible_if": "exposure_type == 'uv'"}
      ]
    }
  ],
  "steps": [
    {"id": "prep", "name": "Sample intake", "kind": "preparation", "fields": ["serial", "exposure_type", "preconditioned"]},
    {"id": "baseline", "name": "Baseline characterization", "kind": "measurement", "fields": ["pmax_stc"]},
    {"id": "exposure", "name": "Chamber exposure", "kind": "monitoring", "fields": ["chamber_temp"], "duration_seconds": 3600, "interval_seconds": 60},
    {"id": "recheck", "name": "Periodic characterization", "kind": "measurement", "fields": ["pmax_stc", "chalking_rating"], "repeat": {"count": 4, "every_cycles": 50}},
    {"id": "analysis", "name": "Final analysis", "kind": "analysis", "fields": ["el_image"]}
  ],
  "qc_rules": [
    {"id": "chamber-temp", "scope": "continuous", "metric": "chamber_temp", "comparator": "within", "target": 85, "tolerance": 2, "window_samples": 5, "action": "alert", "severity": "minor"},
    {"id": "power-retention", "scope": "periodic", "metric": "retention:pmax_stc", "comparator": "min", "limit": 80, "every_cycles": 50, "action": "abort", "severity": "critical"}
  ],
  "acceptance": [
    {
      "id": "power-retention", "metric": "retention:pmax_stc", "comparator": "gte", "severity": "critical",
      "tiers": [{"bound": 95, "verdict": "pass"}, {"bound": 90, "verdict": "warning"}, {"verdict": "fail"}]
    },
    {
      "id": "chalking", "metric": "mean:chalking_rating", "comparator": "lte", "severity": "major",
      "tiers": [{"bound": 2, "verdict": "pass"}, {"bound": 3, "verdict": "warning"}, {"verdict": "fail"}]
    }
  ]
}`

// mutate decodes the valid document, applies fn and re-encodes.
func mutate(t *testing.T, fn func(doc map[string]any)) []byte {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal([]byte(validDoc), &doc); err != nil {
		t.Fatalf("decode base doc: %v", err)
	}
	fn(doc)
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	return raw
}

func expectViolation(t *testing.T, raw []byte, fragment string) {
	t.Helper()
	_, err := protocol.Load(raw)
	var se *protocol.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	for _, v := range se.Violations {
		if strings.Contains(v, fragment) {
			return
		}
	}
	t.Fatalf("no violation containing %q in %v", fragment, se.Violations)
}

func TestLoadValidDocument(t *testing.T) {
	def, err := protocol.Load([]byte(validDoc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if def.Meta.ID != "uv-weathering" || def.Meta.Version != "2.1.0" {
		t.Fatalf("metadata: %+v", def.Meta)
	}
	if len(def.Fields()) != 9 || len(def.Steps) != 5 {
		t.Fatalf("counts: %d fields, %d steps", len(def.Fields()), len(def.Steps))
	}
	f, ok := def.Field("uv_dose")
	if !ok || f.Kind != protocol.FieldNumber || f.RequiredIf == "" {
		t.Fatalf("field lookup: %+v %v", f, ok)
	}
	if _, ok := def.Field("nonexistent"); ok {
		t.Fatal("unknown field should not resolve")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	if _, err := protocol.Load([]byte(`{"metadata":`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadRejectsMissingMetadata(t *testing.T) {
	raw := mutate(t, func(doc map[string]any) { delete(doc, "metadata") })
	if _, err := protocol.Load(raw); err == nil {
		t.Fatal("expected structural rejection")
	}
}

func TestLoadRejectsUnknownFieldKind(t *testing.T) {
	raw := mutate(t, func(doc map[string]any) {
		sections := doc["sections"].([]any)
		fields := sections[0].(map[string]any)["fields"].([]any)
		fields[0].(map[string]any)["kind"] = "timestamp"
	})
	if _, err := protocol.Load(raw); err == nil {
		t.Fatal("expected structural rejection")
	}
}

func TestValidateDuplicateFieldID(t *testing.T) {
	raw := mutate(t, func(doc map[string]any) {
		sections := doc["sections"].([]any)
		fields := sections[1].(map[string]any)["fields"].([]any)
		fields[0].(map[string]any)["id"] = "serial"
	})
	expectViolation(t, raw, "declared more than once")
}

func TestValidateExprReferencesUnknownField(t *testing.T) {
	raw := mutate(t, func(doc map[string]any) {
		sections := doc["sections"].([]any)
		fields := sections[0].(map[string]any)["fields"].([]any)
		fields[2].(map[string]any)["required_if"] = "chamber_model == 'q-sun'"
	})
	expectViolation(t, raw, "references unknown field chamber_model")
}

func TestValidateStepReferencesUnknownField(t *testing.T) {
	raw := mutate(t, func(doc map[string]any) {
		steps := doc["steps"].([]any)
		steps[0].(map[string]any)["fields"] = []any{"serial", "ghost_field"}
	})
	expectViolation(t, raw, "references unknown field ghost_field")
}

func TestValidateRepeatCount(t *testing.T) {
	raw := mutate(t, func(doc map[string]any) {
		steps := doc["steps"].([]any)
		steps[3].(map[string]any)["repeat"] = map[string]any{"count": 0}
	})
	expectViolation(t, raw, "repeat count must be >= 1")
}

func TestValidateQCRuleConstraints(t *testing.T) {
	// continuous rule without any window
	raw := mutate(t, func(doc map[string]any) {
		rules := doc["qc_rules"].([]any)
		delete(rules[0].(map[string]any), "window_samples")
	})
	expectViolation(t, raw, "needs window_seconds or window_samples")

	// periodic rule cannot merely alert
	raw = mutate(t, func(doc map[string]any) {
		rules := doc["qc_rules"].([]any)
		r := rules[1].(map[string]any)
		r["action"] = "alert"
	})
	expectViolation(t, raw, "periodic rules act flag or abort")

	// abort reserved for critical severity
	raw = mutate(t, func(doc map[string]any) {
		rules := doc["qc_rules"].([]any)
		rules[1].(map[string]any)["severity"] = "major"
	})
	expectViolation(t, raw, "abort action is reserved for critical severity")

	// within needs a positive tolerance
	raw = mutate(t, func(doc map[string]any) {
		rules := doc["qc_rules"].([]any)
		delete(rules[0].(map[string]any), "tolerance")
	})
	expectViolation(t, raw, "needs tolerance > 0")

	// min needs a limit
	raw = mutate(t, func(doc map[string]any) {
		rules := doc["qc_rules"].([]any)
		delete(rules[1].(map[string]any), "limit")
	})
	expectViolation(t, raw, "needs limit")
}

func TestValidateMetricResolvability(t *testing.T) {
	// serial is a text field, mean over it can never be computed
	raw := mutate(t, func(doc map[string]any) {
		rules := doc["qc_rules"].([]any)
		rules[0].(map[string]any)["metric"] = "mean:serial"
	})
	expectViolation(t, raw, "neither a numeric field nor a derivable statistic")

	raw = mutate(t, func(doc map[string]any) {
		acc := doc["acceptance"].([]any)
		acc[0].(map[string]any)["metric"] = "calc:unregistered_calc"
	})
	expectViolation(t, raw, "neither a numeric field nor a derivable statistic")
}

func TestValidateTierShape(t *testing.T) {
	// final tier must be unbounded
	raw := mutate(t, func(doc map[string]any) {
		acc := doc["acceptance"].([]any)
		acc[0].(map[string]any)["tiers"] = []any{
			map[string]any{"bound": 95.0, "verdict": "pass"},
			map[string]any{"bound": 90.0, "verdict": "fail"},
		}
	})
	expectViolation(t, raw, "final tier must be unbounded")

	// gte bounds must descend
	raw = mutate(t, func(doc map[string]any) {
		acc := doc["acceptance"].([]any)
		acc[0].(map[string]any)["tiers"] = []any{
			map[string]any{"bound": 90.0, "verdict": "pass"},
			map[string]any{"bound": 95.0, "verdict": "warning"},
			map[string]any{"verdict": "fail"},
		}
	})
	expectViolation(t, raw, "tier bounds must descend for gte")

	// lte bounds must ascend
	raw = mutate(t, func(doc map[string]any) {
		acc := doc["acceptance"].([]any)
		acc[1].(map[string]any)["tiers"] = []any{
			map[string]any{"bound": 3.0, "verdict": "pass"},
			map[string]any{"bound": 2.0, "verdict": "warning"},
			map[string]any{"verdict": "fail"},
		}
	})
	expectViolation(t, raw, "tier bounds must ascend for lte")
}

func TestEncodeRoundTrip(t *testing.T) {
	def, err := protocol.Load([]byte(validDoc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	raw, err := def.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	again, err := protocol.Load(raw)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Meta.ID != def.Meta.ID || len(again.Fields()) != len(def.Fields()) {
		t.Fatal("round trip changed the document")
	}
}
