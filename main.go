package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/idtoken"

	"breakout/cache"
	"breakout/instance"
	"breakout/solver"
	"breakout/store"
)

const maxInstanceBytes = 64 << 20

func main() {
	slog.SetDefault(newLogger(os.Getenv("LOG_LEVEL")))

	for _, key := range []string{"PGCONN", "CLIENT_ID", "CLIENT_SECRET", "ADMINS"} {
		if os.Getenv(key) == "" {
			fatal(key + " environment variable is required")
		}
	}

	ctx := context.Background()
	st, err := store.Open(ctx, os.Getenv("PGCONN"))
	if err != nil {
		fatal("failed to open database", "err", err)
	}
	defer st.Close()
	slog.Info("connected to database")

	var c *cache.Cache
	if url := os.Getenv("REDIS_URL"); url != "" {
		c, err = cache.Open(ctx, url, cache.DefaultTTL)
		if err != nil {
			fatal("failed to open cache", "err", err)
		}
		defer c.Close()
		slog.Info("connected to redis")
	} else {
		slog.Warn("REDIS_URL not set, solution cache disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := newSolveMetrics(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/google/callback", handleGoogleCallback)
	mux.HandleFunc("GET /api/admin/check", handleAdminCheck)
	mux.HandleFunc("GET /api/instances", handleListInstances(st))
	mux.HandleFunc("POST /api/instances", handleCreateInstance(st))
	mux.HandleFunc("GET /api/instances/{instanceID}", handleGetInstance(st))
	mux.HandleFunc("DELETE /api/instances/{instanceID}", handleDeleteInstance(st, c))
	mux.HandleFunc("POST /api/instances/{instanceID}/solve", handleSolve(st, c, metrics))
	mux.HandleFunc("GET /api/instances/{instanceID}/solutions", handleListSolutions(st))
	mux.HandleFunc("GET /api/solutions/{runID}/out", handleSolutionOutput(st))
	mux.Handle("GET /metrics", metrics.handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "db unhealthy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	slog.Info("listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fatal("server stopped", "err", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05",
	}))
}

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	credential := r.FormValue("credential")
	if credential == "" {
		http.Error(w, "missing credential", http.StatusBadRequest)
		return
	}

	payload, err := idtoken.Validate(r.Context(), credential, os.Getenv("CLIENT_ID"))
	if err != nil {
		slog.Warn("failed to validate token", "err", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	email, _ := payload.Claims["email"].(string)
	if email == "" {
		http.Error(w, "token has no email", http.StatusUnauthorized)
		return
	}

	writeJSON(w, map[string]any{
		"email":   email,
		"name":    payload.Claims["name"],
		"picture": payload.Claims["picture"],
		"token":   signEmail(email),
	})
}

func signEmail(email string) string {
	h := hmac.New(sha256.New, []byte(os.Getenv("CLIENT_SECRET")))
	h.Write([]byte(email))
	sig := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(email)) + "." + sig
}

func authorize(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	emailBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	email := string(emailBytes)
	if !hmac.Equal([]byte(signEmail(email)), []byte(token)) {
		return "", false
	}
	return email, true
}

func isAdmin(email string) bool {
	return slices.ContainsFunc(strings.Split(os.Getenv("ADMINS"), ","), func(a string) bool {
		return strings.TrimSpace(a) == email
	})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	email, ok := authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return email, true
}

// requireInstance loads the instance named by the request path and checks the
// caller owns it or is an admin.
func requireInstance(st *store.Store, w http.ResponseWriter, r *http.Request) (store.Instance, bool) {
	email, ok := requireUser(w, r)
	if !ok {
		return store.Instance{}, false
	}
	id, err := strconv.ParseInt(r.PathValue("instanceID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid instance ID", http.StatusBadRequest)
		return store.Instance{}, false
	}
	inst, err := st.GetInstance(r.Context(), id)
	if !checkAccess(w, email, inst, err) {
		return store.Instance{}, false
	}
	return inst, true
}

func checkAccess(w http.ResponseWriter, email string, inst store.Instance, err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "instance not found", http.StatusNotFound)
		return false
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	case inst.Owner != email && !isAdmin(email):
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func handleAdminCheck(w http.ResponseWriter, r *http.Request) {
	email, ok := requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]bool{"admin": isAdmin(email)})
}

func handleListInstances(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, ok := requireUser(w, r)
		if !ok {
			return
		}
		owner := email
		if isAdmin(email) {
			owner = ""
		}
		instances, err := st.ListInstances(r.Context(), owner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, instances)
	}
}

func readUpload(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

func handleCreateInstance(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, ok := requireUser(w, r)
		if !ok {
			return
		}
		data, err := readUpload(w, r, maxInstanceBytes)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, fmt.Sprintf("instance larger than %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read instance: "+err.Error(), http.StatusBadRequest)
			return
		}
		parsed, err := instance.Parse(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "instance-" + parsed.Digest[:8]
		}
		inst, err := st.CreateInstance(r.Context(), store.Instance{
			Name:        name,
			Owner:       email,
			Digest:      parsed.Digest,
			NumStudents: parsed.NumStudents,
			Budget:      parsed.Budget,
			Body:        string(data),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		slog.Info("instance stored", "id", inst.ID, "owner", email, "students", inst.NumStudents)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(inst)
	}
}

func handleGetInstance(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := requireInstance(st, w, r)
		if !ok {
			return
		}
		writeJSON(w, inst)
	}
}

func handleDeleteInstance(st *store.Store, c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := requireInstance(st, w, r)
		if !ok {
			return
		}
		if err := st.DeleteInstance(r.Context(), inst.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "instance not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := c.Delete(r.Context(), inst.Digest); err != nil {
			slog.Warn("failed to drop cached solution", "digest", inst.Digest, "err", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type solveResult struct {
	Solution  solver.Solution
	Happiness float64
	Valid     bool
	Cached    bool
	Elapsed   time.Duration
}

// runSolve returns the cached solution for inst when there is one, otherwise
// solves, scores and validates it and caches the outcome.
func runSolve(ctx context.Context, inst *instance.Instance, c *cache.Cache, m *solveMetrics) (solveResult, error) {
	entry, err := c.Get(ctx, inst.Digest)
	switch {
	case err == nil:
		m.cached()
		return solveResult{
			Solution:  entry.Solution(),
			Happiness: entry.Happiness,
			Valid:     entry.Valid,
			Cached:    true,
		}, nil
	case !errors.Is(err, cache.ErrMiss):
		slog.Warn("cache lookup failed", "digest", inst.Digest, "err", err)
	}

	start := time.Now()
	sol, err := solver.Solve(inst.Relation, inst.Budget)
	elapsed := time.Since(start)
	if err != nil {
		m.failed()
		return solveResult{}, err
	}
	happiness, err := solver.Happiness(inst.Relation, sol)
	if err != nil {
		m.failed()
		return solveResult{}, err
	}
	valid := true
	if err := solver.Validate(inst.Relation, inst.Budget, sol); err != nil {
		slog.Warn("solution failed validation", "digest", inst.Digest, "err", err)
		valid = false
	}
	m.observe(sol, valid, elapsed)

	err = c.Set(ctx, inst.Digest, cache.Entry{
		Assignment: sol.Assignment,
		NumRooms:   sol.NumRooms,
		Rooms:      sol.Rooms,
		Happiness:  happiness,
		Valid:      valid,
		Stats:      sol.Stats,
	})
	if err != nil {
		slog.Warn("failed to cache solution", "digest", inst.Digest, "err", err)
	}

	return solveResult{Solution: sol, Happiness: happiness, Valid: valid, Elapsed: elapsed}, nil
}

func handleSolve(st *store.Store, c *cache.Cache, m *solveMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := requireInstance(st, w, r)
		if !ok {
			return
		}
		parsed, err := instance.Parse([]byte(inst.Body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		res, err := runSolve(r.Context(), parsed, c, m)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, solver.ErrMalformedInput) {
				status = http.StatusUnprocessableEntity
			}
			http.Error(w, err.Error(), status)
			return
		}

		run, err := st.SaveRun(r.Context(), store.NewRun(inst.ID, res.Solution, res.Happiness, res.Valid, res.Elapsed))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		slog.Info("solved instance",
			"id", inst.ID, "run", run.ID, "rooms", res.Solution.NumRooms,
			"happiness", res.Happiness, "valid", res.Valid, "cached", res.Cached, "elapsed", res.Elapsed)

		writeJSON(w, map[string]any{
			"run_id":    run.ID,
			"num_rooms": res.Solution.NumRooms,
			"happiness": res.Happiness,
			"valid":     res.Valid,
			"rooms":     res.Solution.Rooms,
			"cached":    res.Cached,
		})
	}
}

func handleListSolutions(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := requireInstance(st, w, r)
		if !ok {
			return
		}
		runs, err := st.ListRuns(r.Context(), inst.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, runs)
	}
}

func handleSolutionOutput(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, ok := requireUser(w, r)
		if !ok {
			return
		}
		runID, err := uuid.Parse(r.PathValue("runID"))
		if err != nil {
			http.Error(w, "invalid run ID", http.StatusBadRequest)
			return
		}
		run, err := st.GetRun(r.Context(), runID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		inst, err := st.GetInstance(r.Context(), run.InstanceID)
		if !checkAccess(w, email, inst, err) {
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", strings.TrimSuffix(inst.Name, ".in")+".out"))
		if err := instance.Write(w, run.Solution()); err != nil {
			slog.Warn("failed to write solution", "run", run.ID, "err", err)
		}
	}
}
