package imports

import (
	"testing"

	workflow "github.com/distr1/workflow"
	"github.com/distr1/workflow/expr"
	"github.com/distr1/workflow/internal/subdoc"
)

func TestScanFunctionDropsWritesKeepsReads(t *testing.T) {
	body, err := (expr.RefParser{}).Parse(`file_out("out.txt") + file_in("in.txt")`)
	if err != nil {
		t.Fatal(err)
	}
	env := workflow.Environment{
		"f": {Name: "f", Kind: workflow.ImportFunction, Func: &expr.Function{Body: body}},
	}
	got, err := Scan(env, []string{"f"}, subdoc.NoopExtractor{})
	if err != nil {
		t.Fatal(err)
	}
	d := got["f"]
	if len(d.Writes) != 0 {
		t.Errorf("Writes = %v, want empty (imports cannot declare outputs)", d.Writes)
	}
	if !d.Reads["in.txt"] {
		t.Errorf("Reads = %v, want in.txt present", d.Reads)
	}
}

func TestScanValueHasNoDeps(t *testing.T) {
	env := workflow.Environment{
		"v": {Name: "v", Kind: workflow.ImportValue, Value: int64(42)},
	}
	got, err := Scan(env, []string{"v"}, subdoc.NoopExtractor{})
	if err != nil {
		t.Fatal(err)
	}
	d := got["v"]
	if len(d.Globals) != 0 || len(d.Loads) != 0 {
		t.Errorf("value import has deps: %+v", d)
	}
}

func TestScanClosesOverIdentifierGraph(t *testing.T) {
	fBody, err := (expr.RefParser{}).Parse("g(1)")
	if err != nil {
		t.Fatal(err)
	}
	gBody, err := (expr.RefParser{}).Parse("helper_const")
	if err != nil {
		t.Fatal(err)
	}
	env := workflow.Environment{
		"f": {Name: "f", Kind: workflow.ImportFunction, Func: &expr.Function{Body: fBody}},
		"g": {Name: "g", Kind: workflow.ImportFunction, Func: &expr.Function{Params: []string{"x"}, Body: gBody}},
	}
	got, err := Scan(env, []string{"f"}, subdoc.NoopExtractor{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["g"]; !ok {
		t.Errorf("expected scan to close over g via f's reference to it, got %+v", got)
	}
}
