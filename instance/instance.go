// Package instance reads and writes the plain-text instance and output files
// the solver is driven from.
//
// An instance file holds the student count on the first line, the stress
// budget on the second, then one "i j happiness stress" line per unordered
// pair of students. An output file holds one "student room" line per student.
package instance

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"breakout/solver"
)

type Instance struct {
	NumStudents int
	Budget      float64
	Relation    *solver.Relation
	// Digest identifies the raw file contents; equal files share a digest.
	Digest string
}

func Digest(data []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}

func ReadFile(path string) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	inst, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inst, nil
}

func Read(r io.Reader) (*Instance, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Instance, error) {
	lines := nonBlankLines(data)

	next := func(what string) (int, []string, error) {
		l, ok := lines()
		if !ok {
			return 0, nil, malformed(0, "missing %s", what)
		}
		return l.num, l.fields, nil
	}

	num, fields, err := next("student count")
	if err != nil {
		return nil, err
	}
	if len(fields) != 1 {
		return nil, malformed(num, "expected the student count alone, got %q", strings.Join(fields, " "))
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 1 {
		return nil, malformed(num, "invalid student count %q", fields[0])
	}

	num, fields, err = next("stress budget")
	if err != nil {
		return nil, err
	}
	if len(fields) != 1 {
		return nil, malformed(num, "expected the stress budget alone, got %q", strings.Join(fields, " "))
	}
	budget, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || !(budget >= 0) || math.IsInf(budget, 1) {
		return nil, malformed(num, "invalid stress budget %q", fields[0])
	}

	if n > solver.MaxStudents {
		return nil, malformed(num, "too many students: %d (limit %d)", n, solver.MaxStudents)
	}
	// every pair needs a line of its own
	if pairs, maxLines := n*(n-1)/2, bytes.Count(data, []byte{'\n'})+1; pairs > maxLines {
		return nil, malformed(num, "%d students need %d pair lines, the file has at most %d", n, pairs, maxLines)
	}

	rel, err := solver.NewRelation(n)
	if err != nil {
		return nil, err
	}
	for l, ok := lines(); ok; l, ok = lines() {
		if len(l.fields) != 4 {
			return nil, malformed(l.num, "expected \"i j happiness stress\", got %q", strings.Join(l.fields, " "))
		}
		x, errX := strconv.Atoi(l.fields[0])
		y, errY := strconv.Atoi(l.fields[1])
		h, errH := strconv.ParseFloat(l.fields[2], 64)
		s, errS := strconv.ParseFloat(l.fields[3], 64)
		if errX != nil || errY != nil || errH != nil || errS != nil {
			return nil, malformed(l.num, "unparseable pair line %q", strings.Join(l.fields, " "))
		}
		if err := rel.Set(x, y, h, s); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", solver.ErrMalformedInput, l.num, err)
		}
	}
	if err := rel.Validate(); err != nil {
		return nil, err
	}

	return &Instance{
		NumStudents: n,
		Budget:      budget,
		Relation:    rel,
		Digest:      Digest(data),
	}, nil
}

type line struct {
	num    int
	fields []string
}

func nonBlankLines(data []byte) func() (line, bool) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	num := 0
	return func() (line, bool) {
		for sc.Scan() {
			num++
			if fields := strings.Fields(sc.Text()); len(fields) > 0 {
				return line{num: num, fields: fields}, true
			}
		}
		return line{}, false
	}
}

func malformed(num int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if num > 0 {
		return fmt.Errorf("%w: line %d: %s", solver.ErrMalformedInput, num, msg)
	}
	return fmt.Errorf("%w: %s", solver.ErrMalformedInput, msg)
}

// Write emits one "student room" line per student, in student order.
func Write(w io.Writer, sol solver.Solution) error {
	bw := bufio.NewWriter(w)
	for student, room := range sol.Assignment {
		fmt.Fprintf(bw, "%d %d\n", student, room)
	}
	return bw.Flush()
}

func WriteFile(path string, sol solver.Solution) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, sol); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadSolution parses an output file back into a Solution. Rooms are
// numbered by the labels found in the file; students absent from the file
// are reported as malformed.
func ReadSolution(r io.Reader, numStudents int) (solver.Solution, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return solver.Solution{}, err
	}
	assignment := make([]int, numStudents)
	seen := make([]bool, numStudents)
	numRooms := 0
	lines := nonBlankLines(data)
	for l, ok := lines(); ok; l, ok = lines() {
		if len(l.fields) != 2 {
			return solver.Solution{}, malformed(l.num, "expected \"student room\", got %q", strings.Join(l.fields, " "))
		}
		student, errS := strconv.Atoi(l.fields[0])
		room, errR := strconv.Atoi(l.fields[1])
		if errS != nil || errR != nil || student < 0 || student >= numStudents || room < 0 {
			return solver.Solution{}, malformed(l.num, "invalid assignment %q", strings.Join(l.fields, " "))
		}
		if seen[student] {
			return solver.Solution{}, malformed(l.num, "student %d assigned twice", student)
		}
		seen[student] = true
		assignment[student] = room
		numRooms = max(numRooms, room+1)
	}
	if i := slices.Index(seen, false); i >= 0 {
		return solver.Solution{}, malformed(0, "student %d has no room", i)
	}

	rooms := make([][]int, numRooms)
	for student, room := range assignment {
		rooms[room] = append(rooms[room], student)
	}
	return solver.Solution{Assignment: assignment, NumRooms: numRooms, Rooms: rooms}, nil
}

// OutputPath mirrors the input's base name into outDir with an .out extension.
func OutputPath(inputPath, outDir string) string {
	base := filepath.Base(inputPath)
	return filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".out")
}
