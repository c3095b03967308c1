package critical

import (
	"testing"
)

func TestClassify_UnknownTestIsNotCritical(t *testing.T) {
	e := NewEvaluator(nil)
	for _, v := range []float64{-1e9, 0, 1e9} {
		if got := e.Classify("unobtainium", v); got.Critical {
			t.Errorf("unknown analyte with value %v classified critical", v)
		}
	}
}

func TestClassify_Potassium(t *testing.T) {
	e := NewEvaluator(nil)

	got := e.Classify("potassium", 2.4)
	if !got.Critical {
		t.Fatal("expected potassium 2.4 to be critical")
	}
	if got.Severity != SeverityLow {
		t.Errorf("expected severity %s, got %s", SeverityLow, got.Severity)
	}
	if got.Priority != PriorityCritical {
		t.Errorf("expected priority %s, got %s", PriorityCritical, got.Priority)
	}
	if got.Range == nil || got.Range.Units != "mmol/L" {
		t.Errorf("expected range to be attached, got %+v", got.Range)
	}

	if got := e.Classify("potassium", 2.5); got.Critical {
		t.Error("expected potassium 2.5 to be acceptable")
	}
}

func TestClassify_BoundariesAreAcceptable(t *testing.T) {
	e := NewEvaluator(nil)
	for _, r := range e.Table().All() {
		if r.Low != nil {
			if got := e.Classify(r.TestName, *r.Low); got.Critical {
				t.Errorf("%s: value at low bound %v classified critical", r.TestName, *r.Low)
			}
		}
		if r.High != nil {
			if got := e.Classify(r.TestName, *r.High); got.Critical {
				t.Errorf("%s: value at high bound %v classified critical", r.TestName, *r.High)
			}
		}
	}
}

func TestClassify_HighBound(t *testing.T) {
	e := NewEvaluator(nil)
	got := e.Classify("glucose", 612)
	if !got.Critical || got.Severity != SeverityHigh {
		t.Errorf("expected CRITICAL_HIGH, got %+v", got)
	}
}

func TestClassify_CaseAndWhitespaceInsensitive(t *testing.T) {
	e := NewEvaluator(nil)
	for _, name := range []string{"Potassium", "POTASSIUM", "  potassium "} {
		if got := e.Classify(name, 7.1); !got.Critical {
			t.Errorf("expected %q to match the potassium range", name)
		}
	}
}

func TestClassify_OneSidedRange(t *testing.T) {
	e := NewEvaluator(nil)
	if got := e.Classify("troponin", 0.01); got.Critical {
		t.Error("troponin has no low bound, low values must be acceptable")
	}
	got := e.Classify("troponin", 0.5)
	if !got.Critical || got.Severity != SeverityHigh {
		t.Errorf("expected troponin 0.5 CRITICAL_HIGH, got %+v", got)
	}
}

func TestClassify_PriorityCopiedFromRange(t *testing.T) {
	e := NewEvaluator(nil)
	got := e.Classify("lactate", 6.2)
	if got.Priority != PriorityHigh {
		t.Errorf("expected priority HIGH, got %s", got.Priority)
	}
}

func TestClassify_CustomTable(t *testing.T) {
	table, err := NewRangeTable([]CriticalRange{
		{TestName: "Widget", Low: ptr(1), High: ptr(2), Units: "u", Priority: PriorityHigh},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := NewEvaluator(table)
	if got := e.Classify("potassium", 1.0); got.Critical {
		t.Error("custom table must not fall back to the defaults")
	}
	if got := e.Classify("widget", 0.5); !got.Critical || got.Range.TestName != "widget" {
		t.Errorf("expected widget to be critical with normalized name, got %+v", got)
	}
}
