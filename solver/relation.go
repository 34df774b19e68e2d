package solver

import "math"

// MaxStudents bounds the relation size; the pair table grows with n².
const MaxStudents = 10_000

type Pair struct {
	Affinity float64
	Cost     float64
}

// Relation is a complete symmetric table of pairwise affinity and cost over
// students 0..n-1, stored as the upper triangle of an n×n matrix.
type Relation struct {
	n     int
	pairs []Pair
	set   []bool
}

func NewRelation(n int) (*Relation, error) {
	if n < 1 {
		return nil, malformed("need at least one student, got %d", n)
	}
	if n > MaxStudents {
		return nil, malformed("too many students: %d (limit %d)", n, MaxStudents)
	}
	size := n * (n - 1) / 2
	return &Relation{
		n:     n,
		pairs: make([]Pair, size),
		set:   make([]bool, size),
	}, nil
}

func (r *Relation) NumStudents() int {
	return r.n
}

// index maps the unordered pair {x, y}, x != y, to its slot in the triangle.
func (r *Relation) index(x, y int) int {
	if x > y {
		x, y = y, x
	}
	return x*(2*r.n-x-1)/2 + (y - x - 1)
}

func (r *Relation) check(x, y int) error {
	if x == y || x < 0 || y < 0 || x >= r.n || y >= r.n {
		return &InvalidPairError{X: x, Y: y, N: r.n}
	}
	return nil
}

func (r *Relation) Set(x, y int, affinity, cost float64) error {
	if err := r.check(x, y); err != nil {
		return err
	}
	if !validWeight(affinity) || !validWeight(cost) {
		return malformed("pair (%d, %d) has invalid weights %v/%v", x, y, affinity, cost)
	}
	i := r.index(x, y)
	if r.set[i] {
		return malformed("pair (%d, %d) given twice", x, y)
	}
	r.pairs[i] = Pair{Affinity: affinity, Cost: cost}
	r.set[i] = true
	return nil
}

func (r *Relation) Pair(x, y int) (Pair, error) {
	if err := r.check(x, y); err != nil {
		return Pair{}, err
	}
	return r.pairs[r.index(x, y)], nil
}

func (r *Relation) Affinity(x, y int) (float64, error) {
	p, err := r.Pair(x, y)
	return p.Affinity, err
}

func (r *Relation) Cost(x, y int) (float64, error) {
	p, err := r.Pair(x, y)
	return p.Cost, err
}

// Validate reports the first unordered pair that was never set.
func (r *Relation) Validate() error {
	for x := range r.n {
		for y := x + 1; y < r.n; y++ {
			if !r.set[r.index(x, y)] {
				return malformed("relation is missing pair (%d, %d)", x, y)
			}
		}
	}
	return nil
}

// at is the unchecked lookup used inside the solver, where ids always come
// from the pool or a room.
func (r *Relation) at(x, y int) Pair {
	return r.pairs[r.index(x, y)]
}

func validWeight(v float64) bool {
	return v >= 0 && !math.IsInf(v, 1)
}
