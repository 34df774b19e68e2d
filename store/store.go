// Package store persists uploaded instances and the solve runs made against
// them in Postgres.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"breakout/solver"
)

//go:embed schema.sql
var schema string

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Open connects to Postgres, checks the connection and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type Instance struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	Digest      string    `json:"digest"`
	NumStudents int       `json:"num_students"`
	Budget      float64   `json:"budget"`
	Body        string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateInstance stores inst. Uploading the same contents twice under one
// owner returns the existing row with the new name.
func (s *Store) CreateInstance(ctx context.Context, inst Instance) (Instance, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO instances (name, owner, digest, num_students, budget, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner, digest) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, created_at`,
		inst.Name, inst.Owner, inst.Digest, inst.NumStudents, inst.Budget, inst.Body,
	).Scan(&inst.ID, &inst.CreatedAt)
	if err != nil {
		return Instance{}, fmt.Errorf("insert instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns the instances of owner, or every instance when owner
// is empty. Bodies are not loaded.
func (s *Store) ListInstances(ctx context.Context, owner string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner, digest, num_students, budget, created_at
		FROM instances
		WHERE $1 = '' OR owner = $1
		ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := []Instance{}
	for rows.Next() {
		var i Instance
		if err := rows.Scan(&i.ID, &i.Name, &i.Owner, &i.Digest, &i.NumStudents, &i.Budget, &i.CreatedAt); err != nil {
			return nil, err
		}
		instances = append(instances, i)
	}
	return instances, rows.Err()
}

func (s *Store) GetInstance(ctx context.Context, id int64) (Instance, error) {
	var i Instance
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner, digest, num_students, budget, body, created_at
		FROM instances WHERE id = $1`, id,
	).Scan(&i.ID, &i.Name, &i.Owner, &i.Digest, &i.NumStudents, &i.Budget, &i.Body, &i.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return i, err
}

func (s *Store) DeleteInstance(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM instances WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return nil
}

type Run struct {
	ID         uuid.UUID     `json:"run_id"`
	InstanceID int64         `json:"instance_id"`
	NumRooms   int           `json:"num_rooms"`
	Happiness  float64       `json:"happiness"`
	Valid      bool          `json:"valid"`
	Assignment []int         `json:"assignment"`
	Stats      solver.Stats  `json:"stats"`
	Elapsed    time.Duration `json:"elapsed"`
	CreatedAt  time.Time     `json:"created_at"`
}

// NewRun records sol as a fresh run of instance instanceID.
func NewRun(instanceID int64, sol solver.Solution, happiness float64, valid bool, elapsed time.Duration) Run {
	return Run{
		ID:         uuid.New(),
		InstanceID: instanceID,
		NumRooms:   sol.NumRooms,
		Happiness:  happiness,
		Valid:      valid,
		Assignment: sol.Assignment,
		Stats:      sol.Stats,
		Elapsed:    elapsed,
	}
}

// Solution rebuilds the room lists from the stored assignment.
func (r Run) Solution() solver.Solution {
	sol := solver.Solution{
		Assignment: r.Assignment,
		NumRooms:   r.NumRooms,
		Rooms:      make([][]int, r.NumRooms),
		Stats:      r.Stats,
	}
	for student, room := range r.Assignment {
		if room >= 0 && room < r.NumRooms {
			sol.Rooms[room] = append(sol.Rooms[room], student)
		}
	}
	return sol
}

func (s *Store) SaveRun(ctx context.Context, r Run) (Run, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO solve_runs (id, instance_id, num_rooms, happiness, valid, assignment,
			expansions, evictions, flushed, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		r.ID, r.InstanceID, r.NumRooms, r.Happiness, r.Valid, pq.Array(toInt64s(r.Assignment)),
		r.Stats.Expansions, r.Stats.Evictions, r.Stats.Flushed, float64(r.Elapsed)/float64(time.Millisecond),
	).Scan(&r.CreatedAt)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

const runColumns = `id, instance_id, num_rooms, happiness, valid, assignment,
	expansions, evictions, flushed, elapsed_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var assignment []int64
	var elapsedMS float64
	err := row.Scan(&r.ID, &r.InstanceID, &r.NumRooms, &r.Happiness, &r.Valid, pq.Array(&assignment),
		&r.Stats.Expansions, &r.Stats.Evictions, &r.Stats.Flushed, &elapsedMS, &r.CreatedAt)
	if err != nil {
		return Run{}, err
	}
	r.Assignment = fromInt64s(assignment)
	r.Elapsed = time.Duration(elapsedMS * float64(time.Millisecond))
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, instanceID int64) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+`
		FROM solve_runs WHERE instance_id = $1
		ORDER BY created_at DESC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM solve_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

func toInt64s(a []int) []int64 {
	out := make([]int64, len(a))
	for i, v := range a {
		out[i] = int64(v)
	}
	return out
}

func fromInt64s(a []int64) []int {
	out := make([]int, len(a))
	for i, v := range a {
		out[i] = int(v)
	}
	return out
}
