package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/lmittmann/tint"

	"breakout/instance"
	"breakout/solver"
)

type runResult struct {
	path      string
	numRooms  int
	happiness float64
	stats     solver.Stats
	keys      map[string]int
	elapsed   time.Duration
	err       error
}

func (r runResult) valid() bool {
	return r.err == nil
}

func main() {
	in := flag.String("in", "inputs/*.in", "glob matching instance files")
	out := flag.String("out", "outputs", "directory for .out files")
	runs := flag.Int("runs", 1, "number of solver runs per instance, to check the partition is stable")
	verbose := flag.Bool("v", false, "print every room and its stress")
	flag.Parse()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "15:04:05",
	})))

	if *runs < 1 {
		fmt.Fprintln(os.Stderr, "-runs must be at least 1")
		os.Exit(2)
	}
	paths, err := filepath.Glob(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad -in pattern: %v\n", err)
		os.Exit(2)
	}
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "no inputs match %s\n", *in)
		os.Exit(1)
	}
	slices.Sort(paths)

	var results []runResult
	for _, path := range paths {
		r := solveFile(path, *out, *runs, *verbose, os.Stdout)
		if r.err != nil {
			slog.Error("instance failed", "path", path, "err", r.err)
		} else {
			slog.Info("instance solved", "path", path, "rooms", r.numRooms, "happiness", r.happiness, "elapsed", r.elapsed)
		}
		results = append(results, r)
	}

	printStats(os.Stdout, results, *runs)
	if slices.ContainsFunc(results, func(r runResult) bool { return !r.valid() }) {
		os.Exit(1)
	}
}

// solveFile solves the instance at path runs times, validates the first
// result and writes it under outDir when it is valid.
func solveFile(path, outDir string, runs int, verbose bool, w io.Writer) runResult {
	r := runResult{path: path, keys: map[string]int{}}
	inst, err := instance.ReadFile(path)
	if err != nil {
		r.err = err
		return r
	}

	var sol solver.Solution
	for run := range runs {
		start := time.Now()
		s, err := solver.Solve(inst.Relation, inst.Budget)
		r.elapsed += time.Since(start)
		if err != nil {
			r.err = err
			return r
		}
		if run == 0 {
			sol = s
		}
		r.keys[s.Key()]++
	}
	r.elapsed /= time.Duration(runs)
	r.numRooms = sol.NumRooms
	r.stats = sol.Stats

	if verbose {
		printRooms(w, path, inst, sol)
	}

	if err := solver.Validate(inst.Relation, inst.Budget, sol); err != nil {
		r.err = err
		return r
	}
	if r.happiness, err = solver.Happiness(inst.Relation, sol); err != nil {
		r.err = err
		return r
	}
	if len(r.keys) > 1 {
		r.err = errors.New("solver produced different partitions across runs")
		return r
	}
	if err := instance.WriteFile(instance.OutputPath(path, outDir), sol); err != nil {
		r.err = fmt.Errorf("write output: %w", err)
	}
	return r
}

func printRooms(w io.Writer, path string, inst *instance.Instance, sol solver.Solution) {
	fmt.Fprintf(w, "%s\n", path)
	fmt.Fprintf(w, "  rooms: %v\n", sol.Rooms)
	fmt.Fprintf(w, "  # of rooms: %d\n", sol.NumRooms)
	fmt.Fprintf(w, "  stress limit: %g\n", inst.Budget/float64(sol.NumRooms))
	for i, room := range sol.Rooms {
		stress, err := solver.RoomStress(inst.Relation, room)
		if err != nil {
			fmt.Fprintf(w, "  %d: %v\n", i, err)
			continue
		}
		fmt.Fprintf(w, "  %d: %g\n", i, stress)
	}
	fmt.Fprintf(w, "  expansions=%d evictions=%d flushed=%d\n\n", sol.Stats.Expansions, sol.Stats.Evictions, sol.Stats.Flushed)
}

func printStats(w io.Writer, results []runResult, runs int) {
	var totalTime time.Duration
	var totalHappiness float64
	valid, unstable := 0, 0
	for _, r := range results {
		totalTime += r.elapsed
		if len(r.keys) > 1 {
			unstable++
		}
		if r.valid() {
			valid++
			totalHappiness += r.happiness
		}
	}

	fmt.Fprintf(w, "--- %d files ---\n", len(results))
	fmt.Fprintf(w, "  valid: %d\n", valid)
	fmt.Fprintf(w, "  invalid: %d\n", len(results)-valid)
	fmt.Fprintf(w, "  total happiness: %.3f\n", totalHappiness)
	if len(results) > 0 {
		fmt.Fprintf(w, "  avg time: %v\n", totalTime/time.Duration(len(results)))
	}
	if runs > 1 {
		fmt.Fprintf(w, "  unstable across %d runs: %d\n", runs, unstable)
	}
	for _, r := range results {
		if !r.valid() {
			fmt.Fprintf(w, "  FAIL %s: %v\n", r.path, r.err)
		}
	}
}
