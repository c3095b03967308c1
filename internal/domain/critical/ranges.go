package critical

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RangeTable maps normalized test names to their critical thresholds. It is
// immutable once built and safe for concurrent use.
type RangeTable struct {
	ranges map[string]CriticalRange
}

func ptr(f float64) *float64 { return &f }

// DefaultRanges returns the built-in laboratory critical value list.
func DefaultRanges() []CriticalRange {
	return []CriticalRange{
		// Chemistry
		{TestName: "potassium", Low: ptr(2.5), High: ptr(6.5), Units: "mmol/L", Priority: PriorityCritical},
		{TestName: "sodium", Low: ptr(120), High: ptr(160), Units: "mmol/L", Priority: PriorityCritical},
		{TestName: "glucose", Low: ptr(40), High: ptr(500), Units: "mg/dL", Priority: PriorityCritical},
		{TestName: "calcium", Low: ptr(6.0), High: ptr(13.0), Units: "mg/dL", Priority: PriorityCritical},
		{TestName: "magnesium", Low: ptr(1.0), High: ptr(4.7), Units: "mg/dL", Priority: PriorityHigh},
		{TestName: "phosphorus", Low: ptr(1.0), Units: "mg/dL", Priority: PriorityHigh},
		{TestName: "creatinine", High: ptr(7.4), Units: "mg/dL", Priority: PriorityHigh},
		{TestName: "lactate", High: ptr(4.0), Units: "mmol/L", Priority: PriorityHigh},
		{TestName: "ammonia", High: ptr(100), Units: "umol/L", Priority: PriorityHigh},
		{TestName: "bilirubin", High: ptr(15), Units: "mg/dL", Priority: PriorityHigh},
		{TestName: "troponin", High: ptr(0.04), Units: "ng/mL", Priority: PriorityCritical},

		// Hematology
		{TestName: "hemoglobin", Low: ptr(7.0), High: ptr(20.0), Units: "g/dL", Priority: PriorityCritical},
		{TestName: "hematocrit", Low: ptr(20), High: ptr(60), Units: "%", Priority: PriorityHigh},
		{TestName: "platelets", Low: ptr(20), High: ptr(1000), Units: "x10^3/uL", Priority: PriorityCritical},
		{TestName: "wbc", Low: ptr(2.0), High: ptr(30.0), Units: "x10^3/uL", Priority: PriorityHigh},

		// Coagulation
		{TestName: "inr", High: ptr(5.0), Units: "ratio", Priority: PriorityCritical},
		{TestName: "ptt", High: ptr(100), Units: "seconds", Priority: PriorityHigh},

		// Blood gas
		{TestName: "ph", Low: ptr(7.2), High: ptr(7.6), Units: "pH", Priority: PriorityCritical},
		{TestName: "pco2", Low: ptr(20), High: ptr(70), Units: "mmHg", Priority: PriorityHigh},
		{TestName: "po2", Low: ptr(40), Units: "mmHg", Priority: PriorityCritical},
	}
}

func normalizeTestName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NewRangeTable builds a table from ranges. Later entries replace earlier
// ones with the same test name.
func NewRangeTable(ranges []CriticalRange) (*RangeTable, error) {
	t := &RangeTable{ranges: make(map[string]CriticalRange, len(ranges))}
	for _, r := range ranges {
		key := normalizeTestName(r.TestName)
		if key == "" {
			return nil, validationErr("testName", "range entry has empty test name")
		}
		if r.Low == nil && r.High == nil {
			return nil, validationErr("testName", fmt.Sprintf("range %q needs a low or high bound", r.TestName))
		}
		if r.Low != nil && r.High != nil && *r.Low > *r.High {
			return nil, validationErr("testName", fmt.Sprintf("range %q has low bound above high bound", r.TestName))
		}
		switch r.Priority {
		case PriorityCritical, PriorityHigh:
		case "":
			r.Priority = PriorityCritical
		default:
			return nil, validationErr("priority", fmt.Sprintf("range %q has unknown priority %q", r.TestName, r.Priority))
		}
		r.TestName = key
		t.ranges[key] = r
	}
	return t, nil
}

// DefaultRangeTable returns a table over DefaultRanges.
func DefaultRangeTable() *RangeTable {
	t, err := NewRangeTable(DefaultRanges())
	if err != nil {
		panic(err)
	}
	return t
}

// LoadRangeTable builds a table from the defaults overlaid with the entries
// in the YAML file at path. An empty path yields the defaults.
//
// The file holds a top-level "ranges" list:
//
//	ranges:
//	  - test_name: potassium
//	    low: 2.8
//	    high: 6.2
//	    units: mmol/L
//	    priority: CRITICAL
func LoadRangeTable(path string) (*RangeTable, error) {
	ranges := DefaultRanges()
	if path == "" {
		return NewRangeTable(ranges)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read range file %s: %w", path, err)
	}
	var doc struct {
		Ranges []CriticalRange `yaml:"ranges"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse range file %s: %w", path, err)
	}
	for i := range doc.Ranges {
		doc.Ranges[i].Priority = Priority(strings.ToUpper(string(doc.Ranges[i].Priority)))
	}
	return NewRangeTable(append(ranges, doc.Ranges...))
}

// Lookup finds the range for testName, ignoring case and surrounding space.
func (t *RangeTable) Lookup(testName string) (CriticalRange, bool) {
	r, ok := t.ranges[normalizeTestName(testName)]
	return r, ok
}

// All returns every range sorted by test name.
func (t *RangeTable) All() []CriticalRange {
	out := make([]CriticalRange, 0, len(t.ranges))
	for _, r := range t.ranges {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestName < out[j].TestName })
	return out
}

// Len returns the number of analytes in the table.
func (t *RangeTable) Len() int { return len(t.ranges) }
