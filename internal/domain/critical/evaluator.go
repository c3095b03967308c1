package critical

// Evaluator classifies lab results against a RangeTable snapshot.
type Evaluator struct {
	table *RangeTable
}

func NewEvaluator(table *RangeTable) *Evaluator {
	if table == nil {
		table = DefaultRangeTable()
	}
	return &Evaluator{table: table}
}

// Classify returns the classification for a single value. Unknown analytes
// are never critical, so an unrecognized test cannot block result reporting.
// Bounds are exclusive: a value equal to a bound is acceptable.
func (e *Evaluator) Classify(testName string, value float64) Classification {
	r, ok := e.table.Lookup(testName)
	if !ok {
		return Classification{}
	}

	var severity Severity
	switch {
	case r.Low != nil && value < *r.Low:
		severity = SeverityLow
	case r.High != nil && value > *r.High:
		severity = SeverityHigh
	default:
		return Classification{}
	}

	return Classification{
		Critical: true,
		Severity: severity,
		Priority: r.Priority,
		Range:    &r,
	}
}

// Table exposes the snapshot the evaluator reads from.
func (e *Evaluator) Table() *RangeTable {
	return e.table
}
