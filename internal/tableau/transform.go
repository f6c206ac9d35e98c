package tableau

// Reflect returns the tableau with its stage order reversed:
// A'[i][j] = A[s-1-i][s-1-j], with b, bhat, c, G and d permuted alike.
// Row sums still match the permuted nodes.
func (t *Tableau) Reflect() *Tableau {
	s := t.s
	r := t.derived(t.name + "/reflected")
	for i := 0; i < s; i++ {
		for j := 0; j < s; j++ {
			r.a[i*s+j] = t.A(s-1-i, s-1-j)
		}
		r.b[i] = t.b[s-1-i]
		r.c[i] = t.c[s-1-i]
		if t.bhat != nil {
			r.bhat[i] = t.bhat[s-1-i]
		}
	}
	if len(t.d) == s {
		for i := range r.d {
			r.d[i] = t.d[s-1-i]
		}
	}
	if t.squareG() {
		for i := range r.g {
			for j := range r.g[i] {
				r.g[i][j] = t.g[s-1-i][s-1-j]
			}
		}
	}
	r.class = r.structure(t.class)
	return r
}

// Transpose returns the adjoint coupling A' = Aᵀ (and Gᵀ). b and c are kept.
// The result is a coefficient carrier for backward sweeps and is not
// required to satisfy the row-sum invariant.
func (t *Tableau) Transpose() *Tableau {
	s := t.s
	r := t.derived(t.name + "/transposed")
	for i := 0; i < s; i++ {
		for j := 0; j < s; j++ {
			r.a[i*s+j] = t.A(j, i)
		}
	}
	if t.squareG() {
		for i := range r.g {
			for j := range r.g[i] {
				r.g[i][j] = t.g[j][i]
			}
		}
	}
	r.class = r.structure(t.class)
	return r
}

// squareG reports whether G is an s×s stage coupling. Multistep history
// rows are left untouched by the transforms.
func (t *Tableau) squareG() bool {
	if len(t.g) != t.s {
		return false
	}
	for _, row := range t.g {
		if len(row) != t.s {
			return false
		}
	}
	return true
}

func (t *Tableau) derived(name string) *Tableau {
	r := &Tableau{
		name:   name,
		class:  t.class,
		s:      t.s,
		a:      append([]float64(nil), t.a...),
		b:      append([]float64(nil), t.b...),
		c:      append([]float64(nil), t.c...),
		order:  t.order,
		eorder: t.eorder,
		d:      append([]float64(nil), t.d...),
		g:      t.G(),
	}
	if t.bhat != nil {
		r.bhat = append([]float64(nil), t.bhat...)
	}
	return r
}

// structure re-derives the Runge-Kutta class from the shape of A. Classes
// whose stage semantics live in G are kept as they are.
func (t *Tableau) structure(orig Class) Class {
	switch orig {
	case RosenbrockW, Generalized, LinearMultistep:
		return orig
	}
	switch {
	case t.lower(true):
		return Explicit
	case !t.lower(false):
		return FIRK
	case t.A(0, 0) != 0 && t.equalDiagonal(0):
		return SDIRK
	case t.A(0, 0) == 0 && t.s > 1 && t.A(1, 1) != 0 && t.equalDiagonal(1):
		return ESDIRK
	default:
		return DIRK
	}
}
