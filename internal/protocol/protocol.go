package protocol

import (
	"encoding/json"
	"fmt"
)

// Field kinds.
const (
	FieldText    = "text"
	FieldNumber  = "number"
	FieldDate    = "date"
	FieldSelect  = "select"
	FieldBoolean = "boolean"
	FieldFile    = "file"
)

// Step kinds.
const (
	StepPreparation = "preparation"
	StepMeasurement = "measurement"
	StepMonitoring  = "monitoring"
	StepAnalysis    = "analysis"
)

// QC rule scopes.
const (
	ScopeContinuous = "continuous"
	ScopePeriodic   = "periodic"
)

// Metadata identifies a protocol document.
type Metadata struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Category string `json:"category"`
	Title    string `json:"title,omitempty"`
}

// FieldSpec declares one collectible value and its constraints.
type FieldSpec struct {
	ID         string   `json:"id"`
	Label      string   `json:"label,omitempty"`
	Kind       string   `json:"kind" enum:"text,number,date,select,boolean,file"`
	Unit       string   `json:"unit,omitempty"`
	Required   bool     `json:"required,omitempty"`
	VisibleIf  string   `json:"visible_if,omitempty"`
	RequiredIf string   `json:"required_if,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Increment  *float64 `json:"increment,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	Options    []string `json:"options,omitempty"`
	MinDate    string   `json:"min_date,omitempty"`
	MaxDate    string   `json:"max_date,omitempty"`
}

// RepeatSpec makes a step re-enter its own ordinal, e.g. a characterization
// repeated every 50 exposure cycles.
type RepeatSpec struct {
	Count       int `json:"count"`
	EveryCycles int `json:"every_cycles,omitempty"`
}

// StepSpec is one ordinal position in the run sequence.
type StepSpec struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Kind            string      `json:"kind" enum:"preparation,measurement,monitoring,analysis"`
	Fields          []string    `json:"fields,omitempty"`
	DurationSeconds int         `json:"duration_seconds,omitempty"`
	IntervalSeconds int         `json:"interval_seconds,omitempty"`
	Repeat          *RepeatSpec `json:"repeat,omitempty"`
}

// QCRuleSpec is an automated check over the measurement ledger.
//
// Continuous rules watch a rolling window (time- or sample-bounded) of one
// metric and always act as non-blocking alerts. Periodic rules fire at cycle
// boundaries and may flag or abort per their declared action.
type QCRuleSpec struct {
	ID            string   `json:"id"`
	Scope         string   `json:"scope" enum:"continuous,periodic"`
	Metric        string   `json:"metric"`
	Comparator    string   `json:"comparator" enum:"within,max,min"`
	Target        float64  `json:"target,omitempty"`
	Tolerance     float64  `json:"tolerance,omitempty"`
	Limit         *float64 `json:"limit,omitempty"`
	WindowSeconds int      `json:"window_seconds,omitempty"`
	WindowSamples int      `json:"window_samples,omitempty"`
	EveryCycles   int      `json:"every_cycles,omitempty"`
	Action        string   `json:"action" enum:"alert,flag,abort"`
	Severity      string   `json:"severity,omitempty" enum:"critical,major,minor"`
}

// Tier maps a bound to a verdict. The final tier of a criterion is unbounded
// and catches everything the earlier tiers did not.
type Tier struct {
	Bound   *float64 `json:"bound,omitempty"`
	Verdict string   `json:"verdict" enum:"pass,warning,fail"`
}

// CriterionSpec is one tiered acceptance threshold. Comparator lte means
// lower observed values are better (bounds ascend); gte means higher is
// better (bounds descend). Bounds are inclusive toward the better verdict.
type CriterionSpec struct {
	ID         string `json:"id"`
	Metric     string `json:"metric"`
	Comparator string `json:"comparator" enum:"lte,gte"`
	Severity   string `json:"severity" enum:"critical,major"`
	Tiers      []Tier `json:"tiers"`
}

// Section groups fields for presentation; the engine only cares about the
// flattened field set.
type Section struct {
	ID     string      `json:"id"`
	Title  string      `json:"title,omitempty"`
	Fields []FieldSpec `json:"fields"`
}

// Definition is a validated protocol document. Immutable once loaded for a
// run: StartRun snapshots the raw document into the run row.
type Definition struct {
	Meta       Metadata        `json:"metadata"`
	Sections   []Section       `json:"sections"`
	Steps      []StepSpec      `json:"steps"`
	QCRules    []QCRuleSpec    `json:"qc_rules,omitempty"`
	Acceptance []CriterionSpec `json:"acceptance,omitempty"`

	fields map[string]FieldSpec
}

// Field returns the spec for a field id.
func (d *Definition) Field(id string) (FieldSpec, bool) {
	f, ok := d.fields[id]
	return f, ok
}

// Fields returns all field specs in section order.
func (d *Definition) Fields() []FieldSpec {
	var out []FieldSpec
	for _, s := range d.Sections {
		out = append(out, s.Fields...)
	}
	return out
}

// Step returns the step at an ordinal, if any.
func (d *Definition) Step(index int) (StepSpec, bool) {
	if index < 0 || index >= len(d.Steps) {
		return StepSpec{}, false
	}
	return d.Steps[index], true
}

func (d *Definition) index() {
	d.fields = make(map[string]FieldSpec)
	for _, s := range d.Sections {
		for _, f := range s.Fields {
			d.fields[f.ID] = f
		}
	}
}

// Decode parses a document without validating it; Load is the public path.
func Decode(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse protocol document: %w", err)
	}
	def.index()
	return &def, nil
}

// Encode serializes a definition back to its document form. Loading the
// result yields a structurally identical definition.
func (d *Definition) Encode() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
