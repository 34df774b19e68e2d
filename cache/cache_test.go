package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakout/solver"
)

func TestNilCacheIsEmpty(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	_, err := c.Get(ctx, "abc")
	require.ErrorIs(t, err, ErrMiss)
	require.NoError(t, c.Set(ctx, "abc", Entry{NumRooms: 1, Assignment: []int{0}}))
	require.NoError(t, c.Delete(ctx, "abc"))
	require.NoError(t, c.Close())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "breakout:solution:00ff", Key("00ff"))
}

func TestNew_DefaultTTL(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	assert.Equal(t, DefaultTTL, New(client, 0).ttl)
	assert.Equal(t, time.Minute, New(client, time.Minute).ttl)
}

func TestEmptyDigest(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	c := New(client, time.Minute)

	_, err := c.Get(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyDigest)
	require.ErrorIs(t, c.Set(context.Background(), "", Entry{}), ErrEmptyDigest)
}

func TestDecode(t *testing.T) {
	e, err := decode([]byte(`{"assignment":[1,1,0,0],"num_rooms":2,"happiness":18,"valid":true,"stats":{"expansions":1}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, e.NumRooms)
	assert.True(t, e.Valid)

	sol := e.Solution()
	assert.Equal(t, [][]int{{2, 3}, {0, 1}}, sol.Rooms)
	assert.Equal(t, solver.Stats{Expansions: 1}, sol.Stats)

	e, err = decode([]byte(`{"assignment":[1,1,0,0],"num_rooms":2,"rooms":[[3,2],[1,0]],"happiness":18,"valid":true}`))
	require.NoError(t, err)
	assert.Equal(t, [][]int{{3, 2}, {1, 0}}, e.Solution().Rooms)

	_, err = decode([]byte(`{"num_rooms":0}`))
	require.ErrorIs(t, err, ErrSerialization)
	_, err = decode([]byte(`not json`))
	require.ErrorIs(t, err, ErrSerialization)
}

func TestEntry_KeepsSolverRoomOrder(t *testing.T) {
	sol := solver.Solution{
		Assignment: []int{1, 1, 0, 0, 2},
		NumRooms:   3,
		Rooms:      [][]int{{3, 2}, {1, 0}, {4}},
		Stats:      solver.Stats{Expansions: 2},
	}
	data, err := json.Marshal(Entry{
		Assignment: sol.Assignment,
		NumRooms:   sol.NumRooms,
		Rooms:      sol.Rooms,
		Stats:      sol.Stats,
	})
	require.NoError(t, err)

	e, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, sol, e.Solution())
}
