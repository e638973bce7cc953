package analyze

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/distr1/workflow/expr"
)

func mustParse(t *testing.T, src string) expr.Expr {
	t.Helper()
	e, err := (expr.RefParser{}).Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return e
}

func TestAnalyzeGlobals(t *testing.T) {
	e := mustParse(t, "a + b")
	d, err := Analyze(e, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, d.SortedGlobals()); diff != "" {
		t.Errorf("globals mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeLoadLiteral(t *testing.T) {
	e := mustParse(t, "load(a, b)")
	d, err := Analyze(e, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, d.SortedLoads()); diff != "" {
		t.Errorf("loads mismatch (-want +got):\n%s", diff)
	}
	if len(d.Globals) != 0 {
		t.Errorf("globals = %v, want empty", d.Globals)
	}
}

func TestAnalyzeFileIn(t *testing.T) {
	e := mustParse(t, `file_in("in.txt")`)
	d, err := Analyze(e, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"in.txt"}, d.SortedReads()); diff != "" {
		t.Errorf("reads mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeIgnoreContributesNothing(t *testing.T) {
	e := mustParse(t, "ignore(x + y)")
	d, err := Analyze(e, Options{})
	if err != nil {
		t.Fatal(err)
	}
	want := newDepSet()
	want.Ignored = 1
	if diff := cmp.Diff(want, d, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("DepSet mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeNamespacedCall(t *testing.T) {
	e := mustParse(t, "pkg::fn(x)")
	d, err := Analyze(e, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Namespaced["pkg::fn"] {
		t.Errorf("Namespaced = %v, want pkg::fn present", d.Namespaced)
	}
	if !d.Globals["x"] {
		t.Errorf("Globals = %v, want x present (argument still walked)", d.Globals)
	}
}

func TestAnalyzeSelfLoopSuppressed(t *testing.T) {
	e := mustParse(t, "fact(n)")
	d, err := Analyze(e, Options{SelfName: "fact"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Globals["fact"] || d.Loads["fact"] {
		t.Errorf("self reference not suppressed: %+v", d)
	}
}

func TestAnalyzeValueFunctionRegistersReads(t *testing.T) {
	body := mustParse(t, `file_out("out.txt") + subdoc_in("report.lit") + file_in("in.txt")`)
	fn := &expr.Function{Body: body}
	d, err := AnalyzeValue(fn, Options{})
	if err != nil {
		t.Fatal(err)
	}
	// AnalyzeValue itself only runs the raw command analyzer; dropping
	// writes/subdocs for function imports is the import scanner's
	// responsibility (spec.md §4.B) and is exercised in
	// internal/imports.
	if len(d.Reads) == 0 {
		t.Errorf("expected file_in to register a read, got %+v", d)
	}
}

func TestAnalyzeVectorizedWrapperUnwraps(t *testing.T) {
	innerBody := mustParse(t, "x + helper_internal_state")
	inner := &expr.Function{Params: []string{"x"}, Body: innerBody}
	wrapperBody := mustParse(t, "wrapper_scaffolding(x)")
	wrapper := &expr.Function{
		Params:      []string{"x"},
		Body:        wrapperBody,
		Closure:     map[string]expr.Value{"__wrapped__": inner},
		WrappedSlot: "__wrapped__",
	}
	d, err := AnalyzeValue(wrapper, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Globals["helper_internal_state"] {
		t.Errorf("expected unwrap to analyze inner body, got %+v", d)
	}
	if d.Globals["wrapper_scaffolding"] {
		t.Errorf("wrapper scaffolding leaked into dependency set: %+v", d)
	}
}

func TestFreeVarRoundTrip(t *testing.T) {
	for _, src := range []string{"a + b", "load(a, b)", `file_in("in.txt")`, "ignore(x)"} {
		e1 := mustParse(t, src)
		d1, err := Analyze(e1, Options{})
		if err != nil {
			t.Fatal(err)
		}
		text, err := (expr.RefDeparser{}).Deparse(e1)
		if err != nil {
			t.Fatal(err)
		}
		e2 := mustParse(t, text)
		d2, err := Analyze(e2, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(d1, d2, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("analyze(parse(deparse(e))) != analyze(e) for %q (-want +got):\n%s", src, diff)
		}
	}
}
