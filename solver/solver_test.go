package solver

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSolve_ZeroCostPairFormsFirst(t *testing.T) {
	rel := completeRelation(t, 4, Pair{Affinity: 1, Cost: 100}, map[[2]int]Pair{
		{0, 1}: {Affinity: 10, Cost: 2},
		{2, 3}: {Affinity: 8, Cost: 0},
	})

	sol, err := Solve(rel, 10)
	require.NoError(t, err)

	require.Equal(t, 2, sol.NumRooms)
	require.Equal(t, [][]int{{2, 3}, {0, 1}}, sol.Rooms)
	require.Equal(t, []int{1, 1, 0, 0}, sol.Assignment)
	require.Equal(t, Stats{Expansions: 1}, sol.Stats)
	require.NoError(t, Validate(rel, 10, sol))

	h, err := Happiness(rel, sol)
	require.NoError(t, err)
	require.Equal(t, 18.0, h)
}

func TestSolve_FlushWhenNoPairFits(t *testing.T) {
	rel := completeRelation(t, 3, Pair{Affinity: 4, Cost: 5}, nil)

	sol, err := Solve(rel, 1)
	require.NoError(t, err)

	require.Equal(t, 3, sol.NumRooms)
	require.Equal(t, [][]int{{0}, {1}, {2}}, sol.Rooms)
	require.Equal(t, []int{0, 1, 2}, sol.Assignment)
	require.Equal(t, 3, sol.Stats.Flushed)
	require.NoError(t, Validate(rel, 1, sol))
}

// A room filled under budget/2 keeps its members when the flush later opens
// more rooms, so it can end above budget/k for the final k.
func TestSolve_FlushDoesNotRetrimEarlierRooms(t *testing.T) {
	rel := completeRelation(t, 5, Pair{Affinity: 1, Cost: 100}, map[[2]int]Pair{
		{0, 1}: {Affinity: 10, Cost: 4},
	})

	sol, err := Solve(rel, 10)
	require.NoError(t, err)

	require.Equal(t, [][]int{{0, 1}, {2}, {3}, {4}}, sol.Rooms)
	require.Equal(t, Stats{Expansions: 1, Flushed: 3}, sol.Stats)

	// the limit in force before the flush was 10/2
	stress, err := RoomStress(rel, sol.Rooms[0])
	require.NoError(t, err)
	require.Equal(t, 4.0, stress)
	require.LessOrEqual(t, stress, 10.0/2)
	require.Greater(t, stress, 10.0/float64(sol.NumRooms))

	err = Validate(rel, 10, sol)
	require.ErrorIs(t, err, ErrInvalidSolution)
	require.Contains(t, err.Error(), "room 0")
}

func TestSolve_SingleStudent(t *testing.T) {
	rel, err := NewRelation(1)
	require.NoError(t, err)

	sol, err := Solve(rel, 0)
	require.NoError(t, err)
	require.Equal(t, 1, sol.NumRooms)
	require.Equal(t, [][]int{{0}}, sol.Rooms)
}

func TestSolve_EveryoneFitsInOneRoom(t *testing.T) {
	rel := completeRelation(t, 5, Pair{Affinity: 3, Cost: 1}, nil)

	sol, err := Solve(rel, 100)
	require.NoError(t, err)
	require.Equal(t, 1, sol.NumRooms)
	require.Equal(t, []int{0, 1, 2, 3, 4}, sol.Rooms[0])
	require.Zero(t, sol.Stats.Expansions)
}

func TestSolve_ZeroAffinityPairIsNeverChosen(t *testing.T) {
	rel := completeRelation(t, 2, Pair{Affinity: 0, Cost: 1}, nil)

	sol, err := Solve(rel, 10)
	require.NoError(t, err)
	require.Equal(t, 2, sol.NumRooms)
	require.Equal(t, 2, sol.Stats.Flushed)
}

func TestSolve_MalformedInput(t *testing.T) {
	rel := completeRelation(t, 3, Pair{Affinity: 1, Cost: 1}, nil)

	for _, budget := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := Solve(rel, budget)
		require.ErrorIs(t, err, ErrMalformedInput, "budget %v", budget)
	}

	_, err := Solve(nil, 1)
	require.ErrorIs(t, err, ErrMalformedInput)

	partial, err := NewRelation(3)
	require.NoError(t, err)
	require.NoError(t, partial.Set(0, 1, 1, 1))
	_, err = Solve(partial, 1)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestFindBestPair(t *testing.T) {
	t.Run("zero cost short-circuits", func(t *testing.T) {
		rel := completeRelation(t, 3, Pair{Affinity: 1, Cost: 1}, map[[2]int]Pair{
			{0, 1}: {Affinity: 100, Cost: 1},
			{0, 2}: {Affinity: 0, Cost: 0},
		})
		s := newSolverState(rel, 10)
		x, y, ok := s.findBestPair()
		require.True(t, ok)
		require.Equal(t, [2]int{0, 2}, [2]int{x, y})
	})

	t.Run("ties keep the first pair", func(t *testing.T) {
		rel := completeRelation(t, 4, Pair{Affinity: 2, Cost: 1}, nil)
		s := newSolverState(rel, 10)
		x, y, ok := s.findBestPair()
		require.True(t, ok)
		require.Equal(t, [2]int{0, 1}, [2]int{x, y})
	})

	t.Run("cost equal to the limit is allowed", func(t *testing.T) {
		rel := completeRelation(t, 3, Pair{Affinity: 1, Cost: 20}, map[[2]int]Pair{
			{1, 2}: {Affinity: 1, Cost: 10},
		})
		s := newSolverState(rel, 10)
		x, y, ok := s.findBestPair()
		require.True(t, ok)
		require.Equal(t, [2]int{1, 2}, [2]int{x, y})
	})

	t.Run("best ratio under the limit wins", func(t *testing.T) {
		rel := completeRelation(t, 4, Pair{Affinity: 1, Cost: 1}, map[[2]int]Pair{
			{0, 3}: {Affinity: 90, Cost: 30},
			{1, 2}: {Affinity: 12, Cost: 3},
		})
		s := newSolverState(rel, 10)
		x, y, ok := s.findBestPair()
		require.True(t, ok)
		require.Equal(t, [2]int{1, 2}, [2]int{x, y})
	})

	t.Run("nothing fits", func(t *testing.T) {
		rel := completeRelation(t, 3, Pair{Affinity: 1, Cost: 11}, nil)
		s := newSolverState(rel, 10)
		_, _, ok := s.findBestPair()
		require.False(t, ok)
	})
}

func TestFindBestAddition(t *testing.T) {
	t.Run("zero resulting cost short-circuits", func(t *testing.T) {
		rel := completeRelation(t, 4, Pair{Affinity: 0, Cost: 0}, map[[2]int]Pair{
			{0, 2}: {Affinity: 50, Cost: 1},
			{1, 2}: {Affinity: 50, Cost: 1},
		})
		s := newSolverState(rel, 10)
		s.pool = []int{2, 3}
		c, ok := s.findBestAddition([]int{0, 1})
		require.True(t, ok)
		require.Equal(t, 3, c)
	})

	t.Run("resulting cost must stay strictly under the limit", func(t *testing.T) {
		rel := completeRelation(t, 3, Pair{Affinity: 5, Cost: 1}, nil)
		s := newSolverState(rel, 3)
		s.pool = []int{2}
		_, ok := s.findBestAddition([]int{0, 1})
		require.False(t, ok)

		s = newSolverState(rel, 3.5)
		s.pool = []int{2}
		c, ok := s.findBestAddition([]int{0, 1})
		require.True(t, ok)
		require.Equal(t, 2, c)
	})

	t.Run("room is left untouched", func(t *testing.T) {
		rel := completeRelation(t, 5, Pair{Affinity: 2, Cost: 1}, map[[2]int]Pair{
			{0, 4}: {Affinity: 9, Cost: 1},
			{1, 4}: {Affinity: 9, Cost: 1},
		})
		s := newSolverState(rel, 100)
		s.pool = []int{2, 3, 4}
		room := []int{0, 1}
		c, ok := s.findBestAddition(room)
		require.True(t, ok)
		require.Equal(t, 4, c)
		require.Equal(t, []int{0, 1}, room)
		require.Equal(t, []int{2, 3, 4}, s.pool)
	})
}

func TestTrim_ExpansionEvictsOneMember(t *testing.T) {
	rel := completeRelation(t, 4, Pair{Affinity: 1, Cost: 100}, map[[2]int]Pair{
		{0, 1}: {Affinity: 6, Cost: 2},
		{0, 2}: {Affinity: 3, Cost: 3},
		{1, 2}: {Affinity: 1, Cost: 4},
		{2, 3}: {Affinity: 1, Cost: 1},
	})
	s := newSolverState(rel, 10)
	s.rooms = [][]int{{0, 1, 2}}
	s.pool = []int{3}

	_, cost := rel.totals(s.rooms[0])
	require.Equal(t, 9.0, cost)

	s.expand()

	require.Equal(t, 5.0, s.limit)
	require.Equal(t, [][]int{{0, 1}, nil}, s.rooms)
	require.Equal(t, 1, s.cur)
	require.Equal(t, []int{3, 2}, s.pool)
	require.Equal(t, 1, s.stats.Evictions)

	_, cost = rel.totals(s.rooms[0])
	require.LessOrEqual(t, cost, s.limit)

	// the evicted student is available to the freshly opened room
	x, y, ok := s.findBestPair()
	require.True(t, ok)
	require.ElementsMatch(t, []int{2, 3}, []int{x, y})
}

func TestTrim_ZeroCostRemovalShortCircuits(t *testing.T) {
	rel := completeRelation(t, 3, Pair{}, map[[2]int]Pair{
		{0, 1}: {Affinity: 1, Cost: 5},
		{0, 2}: {Affinity: 0, Cost: 0},
		{1, 2}: {Affinity: 100, Cost: 5},
	})
	s := newSolverState(rel, 1)
	s.rooms = [][]int{{0, 1, 2}}
	s.pool = nil

	s.trim(0)

	require.Equal(t, [][]int{{0, 2}}, s.rooms)
	require.Equal(t, []int{1}, s.pool)
}

func TestTrim_FallsBackToFirstMember(t *testing.T) {
	// every removal leaves a zero-affinity room, so no ratio beats 0
	rel := completeRelation(t, 3, Pair{Affinity: 0, Cost: 4}, nil)
	s := newSolverState(rel, 1)
	s.rooms = [][]int{{2, 0, 1}}
	s.pool = nil

	s.trim(0)

	// 2 goes first, then the pair {0, 1} still costs 4 and loses 0
	require.Equal(t, [][]int{{1}}, s.rooms)
	require.Equal(t, []int{2, 0}, s.pool)
	require.Equal(t, 2, s.stats.Evictions)
}

func TestTrim_LeavesRoomsUnderTheLimitAlone(t *testing.T) {
	rel := completeRelation(t, 3, Pair{Affinity: 1, Cost: 1}, nil)
	s := newSolverState(rel, 3)
	s.rooms = [][]int{{0, 1, 2}}
	s.pool = nil

	s.trim(0)

	require.Equal(t, [][]int{{0, 1, 2}}, s.rooms)
	require.Empty(t, s.pool)
}

func randomRelation(t *testing.T, rng *rand.Rand, n int) *Relation {
	t.Helper()
	rel, err := NewRelation(n)
	require.NoError(t, err)
	weight := func() float64 {
		if rng.Intn(8) == 0 {
			return 0
		}
		return math.Round(rng.Float64()*100*1000) / 1000
	}
	for x := range n {
		for y := x + 1; y < n; y++ {
			require.NoError(t, rel.Set(x, y, weight(), weight()))
		}
	}
	return rel
}

func TestSolve_Properties(t *testing.T) {
	for seed := range int64(40) {
		rng := rand.New(rand.NewSource(seed))
		n := 1 + rng.Intn(20)
		rel := randomRelation(t, rng, n)
		budget := math.Round(rng.Float64()*200*1000) / 1000

		sol, err := Solve(rel, budget)
		require.NoError(t, err, "seed %d", seed)

		// every student exactly once
		require.Len(t, sol.Assignment, n)
		require.Len(t, sol.Rooms, sol.NumRooms)
		count := 0
		seen := make([]bool, n)
		for r, room := range sol.Rooms {
			require.NotEmpty(t, room, "seed %d room %d", seed, r)
			for _, m := range room {
				require.False(t, seen[m], "seed %d: student %d placed twice", seed, m)
				seen[m] = true
				require.Equal(t, r, sol.Assignment[m])
				count++
			}
		}
		require.Equal(t, n, count)

		// the last stress limit in force covers every room; it is budget/k
		// unless the flush added rooms afterwards
		limit := budget / float64(sol.NumRooms-max(sol.Stats.Flushed-1, 0))
		for r, room := range sol.Rooms {
			h, c, err := RoomTotals(rel, room)
			require.NoError(t, err)
			require.GreaterOrEqual(t, h, 0.0)
			require.GreaterOrEqual(t, c, 0.0)
			require.LessOrEqual(t, c, limit+stressTolerance, "seed %d room %d", seed, r)
			if len(room) == 1 {
				require.Zero(t, c)
			}
		}
		if sol.Stats.Flushed == 0 {
			require.NoError(t, Validate(rel, budget, sol), "seed %d", seed)
		}

		again, err := Solve(rel, budget)
		require.NoError(t, err)
		require.Equal(t, sol.Key(), again.Key(), "seed %d", seed)
		require.Equal(t, sol.Rooms, again.Rooms, "seed %d", seed)
	}
}

func TestSolutionKey_IgnoresRoomLabels(t *testing.T) {
	a := Solution{Assignment: []int{0, 0, 1, 2, 1}}
	b := Solution{Assignment: []int{2, 2, 0, 1, 0}}
	c := Solution{Assignment: []int{0, 1, 1, 2, 0}}

	require.Equal(t, "0,1;2,4;3;", a.Key())
	require.Equal(t, a.Key(), b.Key())
	require.NotEqual(t, a.Key(), c.Key())
}
