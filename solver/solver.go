package solver

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

type Stats struct {
	Expansions int `json:"expansions"` // rooms opened because the current room could not grow
	Evictions  int `json:"evictions"`  // students trimmed back into the pool
	Flushed    int `json:"flushed"`    // students placed alone by the flush fallback
}

type Solution struct {
	Assignment []int // room index for each student
	NumRooms   int
	Rooms      [][]int
	Stats      Stats
}

// Key returns a canonical form of the partition that ignores room labels and
// member order, so equal partitions compare equal.
func (s Solution) Key() string {
	return normalizeKey(s.Assignment)
}

func normalizeKey(a []int) string {
	rm := map[int][]int{}
	for i, room := range a {
		rm[room] = append(rm[room], i)
	}
	var gs [][]int
	for _, members := range rm {
		slices.Sort(members)
		gs = append(gs, members)
	}
	slices.SortFunc(gs, func(a, b []int) int { return a[0] - b[0] })
	var buf strings.Builder
	for _, g := range gs {
		for i, m := range g {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Itoa(m))
		}
		buf.WriteByte(';')
	}
	return buf.String()
}

type fillState int

const (
	fillingEmptyRoom fillState = iota
	fillingNonemptyRoom
	done
)

type solverState struct {
	rel    *Relation
	budget float64
	limit  float64

	pool  []int
	rooms [][]int
	cur   int
	stats Stats
}

func newSolverState(rel *Relation, budget float64) *solverState {
	s := &solverState{
		rel:    rel,
		budget: budget,
		limit:  budget,
		pool:   make([]int, rel.n),
		rooms:  [][]int{nil},
	}
	for i := range s.pool {
		s.pool[i] = i
	}
	return s
}

// Solve partitions the students of rel into rooms, greedily growing one room
// at a time and opening a new room (and tightening every room's stress limit
// to budget/k) whenever the current room cannot take anyone else.
func Solve(rel *Relation, budget float64) (Solution, error) {
	if rel == nil {
		return Solution{}, malformed("nil relation")
	}
	if budget < 0 || math.IsNaN(budget) || math.IsInf(budget, 0) {
		return Solution{}, malformed("stress budget must be a non-negative number, got %v", budget)
	}
	if err := rel.Validate(); err != nil {
		return Solution{}, err
	}

	s := newSolverState(rel, budget)
	s.run()
	return s.solution(), nil
}

func (s *solverState) run() {
	state := fillingEmptyRoom
	for state != done {
		switch state {
		case fillingEmptyRoom:
			x, y, ok := s.findBestPair()
			if !ok {
				s.flush()
				state = done
				continue
			}
			s.take(x)
			s.take(y)
			s.rooms[s.cur] = append(s.rooms[s.cur], x, y)
			state = fillingNonemptyRoom
		case fillingNonemptyRoom:
			c, ok := s.findBestAddition(s.rooms[s.cur])
			if !ok {
				s.expand()
				state = fillingEmptyRoom
				break
			}
			s.take(c)
			s.rooms[s.cur] = append(s.rooms[s.cur], c)
		}
		if len(s.pool) == 0 {
			state = done
		}
	}
}

// findBestPair returns the unassigned pair with the highest affinity/cost
// ratio whose cost fits under the limit. A zero-cost pair is returned as soon
// as it is seen.
func (s *solverState) findBestPair() (int, int, bool) {
	bestRatio := 0.0
	bx, by, found := -1, -1, false
	for i, x := range s.pool {
		for _, y := range s.pool[i+1:] {
			p := s.rel.at(x, y)
			if p.Cost == 0 {
				return x, y, true
			}
			if ratio := p.Affinity / p.Cost; ratio > bestRatio && p.Cost <= s.limit {
				bestRatio = ratio
				bx, by, found = x, y, true
			}
		}
	}
	return bx, by, found
}

// findBestAddition returns the unassigned student that leaves room with the
// highest affinity/cost ratio while keeping its cost strictly under the limit.
func (s *solverState) findBestAddition(room []int) (int, bool) {
	baseAffinity, baseCost := s.rel.totals(room)
	bestRatio := 0.0
	best, found := -1, false
	for _, c := range s.pool {
		da, dc := s.rel.contribution(room, c)
		affinity, cost := baseAffinity+da, baseCost+dc
		if cost == 0 {
			return c, true
		}
		if ratio := affinity / cost; cost < s.limit && ratio > bestRatio {
			bestRatio = ratio
			best, found = c, true
		}
	}
	return best, found
}

// trim evicts members of rooms[i] into the pool until its cost is within
// the current limit, each time dropping the member whose absence leaves the
// best affinity/cost ratio.
func (s *solverState) trim(i int) {
	room := s.rooms[i]
	_, cost := s.rel.totals(room)
	for cost > s.limit {
		best, bestRatio := 0, 0.0
		for j := range room {
			affinity, c := s.rel.totalsWithout(room, j)
			if c == 0 {
				best = j
				break
			}
			if ratio := affinity / c; ratio > bestRatio {
				best, bestRatio = j, ratio
			}
		}

		size := len(room)
		evicted := room[best]
		room = slices.Delete(room, best, best+1)
		if len(room) != size-1 {
			panic(fmt.Sprintf("solver: trimming room %d did not shrink it", i))
		}
		s.pool = append(s.pool, evicted)
		s.stats.Evictions++
		_, cost = s.rel.totals(room)
	}
	s.rooms[i] = room
}

// expand opens a new room, lowers the limit to budget/k and re-trims every
// existing room against it.
func (s *solverState) expand() {
	s.rooms = append(s.rooms, nil)
	s.cur = len(s.rooms) - 1
	s.limit = s.budget / float64(len(s.rooms))
	s.stats.Expansions++
	for i := range s.rooms {
		s.trim(i)
	}
}

// flush gives every remaining student a room of their own, starting with the
// open room.
func (s *solverState) flush() {
	for i, student := range s.pool {
		if i > 0 {
			s.rooms = append(s.rooms, nil)
			s.cur = len(s.rooms) - 1
		}
		s.rooms[s.cur] = append(s.rooms[s.cur], student)
	}
	s.stats.Flushed += len(s.pool)
	s.pool = s.pool[:0]
}

func (s *solverState) take(student int) {
	i := slices.Index(s.pool, student)
	s.pool = slices.Delete(s.pool, i, i+1)
}

func (s *solverState) solution() Solution {
	sol := Solution{
		Assignment: make([]int, s.rel.n),
		NumRooms:   len(s.rooms),
		Rooms:      make([][]int, len(s.rooms)),
		Stats:      s.stats,
	}
	for r, members := range s.rooms {
		sol.Rooms[r] = slices.Clone(members)
		for _, m := range members {
			sol.Assignment[m] = r
		}
	}
	return sol
}
