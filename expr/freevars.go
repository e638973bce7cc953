package expr

// FreeVars returns the set of identifiers that occur free in e: bare
// Ident nodes not shadowed by a formal parameter binding. The analyzer
// intersects this against the candidate globals it collects while
// classifying call heads (spec.md §4.A), so that identifiers bound by an
// enclosing Function's Params never leak into a target's dependency set.
func FreeVars(e Expr) map[string]bool {
	free := make(map[string]bool)
	walkFree(e, nil, free)
	return free
}

func walkFree(e Expr, bound map[string]bool, free map[string]bool) {
	switch n := e.(type) {
	case nil:
		return
	case *Ident:
		if !bound[n.Name] {
			free[n.Name] = true
		}
	case *Literal:
		return
	case *List:
		for _, el := range n.Elems {
			walkFree(el, bound, free)
		}
	case *Call:
		if _, _, ok := IsNamespaced(n.Head); !ok && !ArithmeticHeads[n.Head] && !bound[n.Head] {
			free[n.Head] = true
		}
		for _, a := range n.Args {
			walkFree(a.Value, bound, free)
		}
	case *Function:
		inner := make(map[string]bool, len(bound)+len(n.Params))
		for k := range bound {
			inner[k] = true
		}
		for _, p := range n.Params {
			inner[p] = true
		}
		walkFree(n.Body, inner, free)
	}
}
