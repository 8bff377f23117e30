package protocol

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"pvlab/internal/expr"
	"pvlab/internal/stats"
)

// SchemaError reports every violation found in a protocol document, not just
// the first, so authoring errors can be fixed in one pass.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("protocol document invalid: %s", strings.Join(e.Violations, "; "))
}

// Load parses and fully validates a protocol document: structural contract
// first, then semantic cross-checks. A run may only bind to a definition that
// passed both.
func Load(raw []byte) (*Definition, error) {
	if err := validateStructure(raw); err != nil {
		return nil, &SchemaError{Violations: []string{err.Error()}}
	}
	def, err := Decode(raw)
	if err != nil {
		return nil, &SchemaError{Violations: []string{err.Error()}}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate runs the semantic checks over an already-decoded definition.
func (d *Definition) Validate() error {
	var v []string

	numeric := map[string]bool{}
	seen := map[string]bool{}
	for _, s := range d.Sections {
		for _, f := range s.Fields {
			if seen[f.ID] {
				v = append(v, fmt.Sprintf("field %s declared more than once", f.ID))
			}
			seen[f.ID] = true
			numeric[f.ID] = f.Kind == FieldNumber
			v = append(v, validateFieldSpec(f)...)
		}
	}
	d.index()

	checkExpr := func(owner, name, src string) {
		if src == "" {
			return
		}
		parsed, err := expr.Parse(src)
		if err != nil {
			v = append(v, fmt.Sprintf("%s: %s does not parse: %v", owner, name, err))
			return
		}
		for _, ref := range parsed.Fields() {
			if !seen[ref] {
				v = append(v, fmt.Sprintf("%s: %s references unknown field %s", owner, name, ref))
			}
		}
	}
	for _, f := range d.Fields() {
		checkExpr("field "+f.ID, "visible_if", f.VisibleIf)
		checkExpr("field "+f.ID, "required_if", f.RequiredIf)
	}

	stepIDs := map[string]bool{}
	for _, s := range d.Steps {
		if stepIDs[s.ID] {
			v = append(v, fmt.Sprintf("step %s declared more than once", s.ID))
		}
		stepIDs[s.ID] = true
		for _, fid := range s.Fields {
			if !seen[fid] {
				v = append(v, fmt.Sprintf("step %s references unknown field %s", s.ID, fid))
			}
		}
		if s.Repeat != nil && s.Repeat.Count < 1 {
			v = append(v, fmt.Sprintf("step %s: repeat count must be >= 1", s.ID))
		}
		if s.Repeat != nil && s.Repeat.EveryCycles < 0 {
			v = append(v, fmt.Sprintf("step %s: repeat every_cycles must be >= 0", s.ID))
		}
	}

	metricOK := func(metric string) bool {
		return stats.Resolvable(metric, func(id string) bool { return numeric[id] })
	}

	ruleIDs := map[string]bool{}
	for _, r := range d.QCRules {
		if ruleIDs[r.ID] {
			v = append(v, fmt.Sprintf("qc rule %s declared more than once", r.ID))
		}
		ruleIDs[r.ID] = true
		if !metricOK(r.Metric) {
			v = append(v, fmt.Sprintf("qc rule %s: metric %s is neither a numeric field nor a derivable statistic", r.ID, r.Metric))
		}
		switch r.Scope {
		case ScopeContinuous:
			if r.Action != "alert" {
				v = append(v, fmt.Sprintf("qc rule %s: continuous rules only support action alert", r.ID))
			}
			if r.WindowSeconds <= 0 && r.WindowSamples <= 0 {
				v = append(v, fmt.Sprintf("qc rule %s: continuous rule needs window_seconds or window_samples", r.ID))
			}
		case ScopePeriodic:
			if r.EveryCycles <= 0 {
				v = append(v, fmt.Sprintf("qc rule %s: periodic rule needs every_cycles", r.ID))
			}
			if r.Action == "alert" {
				v = append(v, fmt.Sprintf("qc rule %s: periodic rules act flag or abort", r.ID))
			}
		}
		if r.Action == "abort" && r.Severity != "critical" {
			v = append(v, fmt.Sprintf("qc rule %s: abort action is reserved for critical severity", r.ID))
		}
		switch r.Comparator {
		case "within":
			if r.Tolerance <= 0 {
				v = append(v, fmt.Sprintf("qc rule %s: comparator within needs tolerance > 0", r.ID))
			}
		case "max", "min":
			if r.Limit == nil {
				v = append(v, fmt.Sprintf("qc rule %s: comparator %s needs limit", r.ID, r.Comparator))
			}
		}
	}

	critIDs := map[string]bool{}
	for _, c := range d.Acceptance {
		if critIDs[c.ID] {
			v = append(v, fmt.Sprintf("criterion %s declared more than once", c.ID))
		}
		critIDs[c.ID] = true
		if !metricOK(c.Metric) {
			v = append(v, fmt.Sprintf("criterion %s: metric %s is neither a numeric field nor a derivable statistic", c.ID, c.Metric))
		}
		v = append(v, validateTiers(c)...)
	}

	if len(v) > 0 {
		return &SchemaError{Violations: v}
	}
	return nil
}

func validateFieldSpec(f FieldSpec) []string {
	var v []string
	switch f.Kind {
	case FieldNumber:
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			v = append(v, fmt.Sprintf("field %s: min %g exceeds max %g", f.ID, *f.Min, *f.Max))
		}
		if f.Increment != nil && *f.Increment <= 0 {
			v = append(v, fmt.Sprintf("field %s: increment must be > 0", f.ID))
		}
	case FieldSelect:
		if len(f.Options) == 0 {
			v = append(v, fmt.Sprintf("field %s: select field needs options", f.ID))
		}
	case FieldDate:
		for name, val := range map[string]string{"min_date": f.MinDate, "max_date": f.MaxDate} {
			if val == "" {
				continue
			}
			if _, err := time.Parse("2006-01-02", val); err != nil {
				v = append(v, fmt.Sprintf("field %s: %s %q is not a date", f.ID, name, val))
			}
		}
	case FieldText:
		if f.Pattern != "" {
			if _, err := regexp.Compile(f.Pattern); err != nil {
				v = append(v, fmt.Sprintf("field %s: pattern does not compile: %v", f.ID, err))
			}
		}
	}
	return v
}

// validateTiers enforces contiguity and exhaustiveness by construction:
// bounds strictly monotonic in the comparator's direction and exactly one
// unbounded final tier.
func validateTiers(c CriterionSpec) []string {
	var v []string
	for i, t := range c.Tiers {
		last := i == len(c.Tiers)-1
		if last {
			if t.Bound != nil {
				v = append(v, fmt.Sprintf("criterion %s: final tier must be unbounded", c.ID))
			}
			continue
		}
		if t.Bound == nil {
			v = append(v, fmt.Sprintf("criterion %s: tier %d needs a bound", c.ID, i))
			continue
		}
		if i == 0 {
			continue
		}
		prev := c.Tiers[i-1].Bound
		if prev == nil {
			continue
		}
		switch c.Comparator {
		case "lte":
			if *t.Bound <= *prev {
				v = append(v, fmt.Sprintf("criterion %s: tier bounds must ascend for lte", c.ID))
			}
		case "gte":
			if *t.Bound >= *prev {
				v = append(v, fmt.Sprintf("criterion %s: tier bounds must descend for gte", c.ID))
			}
		}
	}
	return v
}
