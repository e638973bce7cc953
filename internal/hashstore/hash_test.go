package hashstore

import (
	"testing"

	"github.com/distr1/workflow/expr"
)

func TestCommandHashStandardizesWhitespace(t *testing.T) {
	dp := expr.RefDeparser{}
	e1, err := (expr.RefParser{}).Parse("a+1")
	if err != nil {
		t.Fatal(err)
	}
	e2, err := (expr.RefParser{}).Parse("a  +  1")
	if err != nil {
		t.Fatal(err)
	}
	h1, err := CommandHash(e1, dp)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CommandHash(e2, dp)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("CommandHash not whitespace-insensitive: %q != %q", h1, h2)
	}
}

func TestCommandHashChangesOnEdit(t *testing.T) {
	dp := expr.RefDeparser{}
	e1, _ := (expr.RefParser{}).Parse("a + 1")
	e2, _ := (expr.RefParser{}).Parse("a + 10")
	h1, _ := CommandHash(e1, dp)
	h2, _ := CommandHash(e2, dp)
	if h1 == h2 {
		t.Errorf("CommandHash did not change after edit")
	}
}

func TestDependsHashOrderIndependent(t *testing.T) {
	a := []DepHash{{Name: "x", Hash: "1"}, {Name: "y", Hash: "2"}}
	b := []DepHash{{Name: "y", Hash: "2"}, {Name: "x", Hash: "1"}}
	if DependsHash(a) != DependsHash(b) {
		t.Errorf("DependsHash should be order-independent (sorted internally)")
	}
}

func TestDependsHashSensitiveToValues(t *testing.T) {
	a := []DepHash{{Name: "x", Hash: "1"}}
	b := []DepHash{{Name: "x", Hash: "2"}}
	if DependsHash(a) == DependsHash(b) {
		t.Errorf("DependsHash should change when a dependency's hash changes")
	}
}

func TestValueHashMapKeyOrderInsensitive(t *testing.T) {
	h1, err := ValueHash(map[string]interface{}{"a": 1.0, "b": 2.0})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ValueHash(map[string]interface{}{"b": 2.0, "a": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("ValueHash should be insensitive to map key order (stable serializer)")
	}
}
