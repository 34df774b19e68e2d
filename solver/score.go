package solver

import "fmt"

// stressTolerance absorbs float rounding when comparing summed room stress
// against budget/k.
const stressTolerance = 1e-9

// RoomTotals returns the aggregate affinity and cost of an arbitrary room.
func RoomTotals(rel *Relation, room []int) (affinity, cost float64, err error) {
	for i, x := range room {
		for _, y := range room[i+1:] {
			p, err := rel.Pair(x, y)
			if err != nil {
				return 0, 0, err
			}
			affinity += p.Affinity
			cost += p.Cost
		}
	}
	return affinity, cost, nil
}

func RoomHappiness(rel *Relation, room []int) (float64, error) {
	affinity, _, err := RoomTotals(rel, room)
	return affinity, err
}

func RoomStress(rel *Relation, room []int) (float64, error) {
	_, cost, err := RoomTotals(rel, room)
	return cost, err
}

// Happiness sums affinity over every room of the solution.
func Happiness(rel *Relation, sol Solution) (float64, error) {
	total := 0.0
	for _, room := range sol.Rooms {
		h, err := RoomHappiness(rel, room)
		if err != nil {
			return 0, err
		}
		total += h
	}
	return total, nil
}

// Validate checks that sol is a partition of every student of rel into
// NumRooms non-empty rooms, each with stress at most budget/NumRooms.
func Validate(rel *Relation, budget float64, sol Solution) error {
	n := rel.NumStudents()
	if len(sol.Assignment) != n {
		return invalid("assignment covers %d students, want %d", len(sol.Assignment), n)
	}
	k := sol.NumRooms
	if k < 1 || len(sol.Rooms) != k {
		return invalid("%d rooms listed for a room count of %d", len(sol.Rooms), k)
	}
	for student, room := range sol.Assignment {
		if room < 0 || room >= k {
			return invalid("student %d assigned to room %d outside [0, %d)", student, room, k)
		}
	}

	seen := make([]bool, n)
	limit := budget / float64(k)
	for r, room := range sol.Rooms {
		if len(room) == 0 {
			return invalid("room %d is empty", r)
		}
		for _, student := range room {
			if student < 0 || student >= n {
				return invalid("room %d lists unknown student %d", r, student)
			}
			if seen[student] {
				return invalid("student %d appears more than once", student)
			}
			seen[student] = true
			if sol.Assignment[student] != r {
				return invalid("student %d listed in room %d but assigned to room %d", student, r, sol.Assignment[student])
			}
		}
		stress, err := RoomStress(rel, room)
		if err != nil {
			return err
		}
		if stress > limit+stressTolerance {
			return invalid("room %d has stress %g over the limit %g", r, stress, limit)
		}
	}
	for student, ok := range seen {
		if !ok {
			return invalid("student %d is not listed in any room", student)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSolution, fmt.Sprintf(format, args...))
}
