// Package health serves liveness and readiness probes for the tutorlive side
// server.
//
//   - /healthz reports that the process can serve HTTP.
//   - /readyz reports whether every registered [Checker] passes, typically
//     whether the voice session is up.
//
// Both respond with JSON: {"status":"ok"|"fail","checks":{name:{...}}}.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// StateCheck returns a Checker that passes while state() is one of ready and
// otherwise fails naming the current state.
func StateCheck[S interface {
	comparable
	fmt.Stringer
}](name string, state func() S, ready ...S) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			s := state()
			if slices.Contains(ready, s) {
				return nil
			}
			return fmt.Errorf("state is %s", s)
		},
	}
}

type checkResult struct {
	Status  string  `json:"status"`
	Error   string  `json:"error,omitempty"`
	Seconds float64 `json:"seconds"`
}

type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers, in order, on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz answers 200 when all checkers pass and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := response{Status: "ok", Checks: make(map[string]checkResult, len(h.checkers))}
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		began := time.Now()
		err := c.Check(ctx)
		cancel()

		cr := checkResult{Status: "ok", Seconds: time.Since(began).Seconds()}
		if err != nil {
			cr.Status = "fail"
			cr.Error = err.Error()
			res.Status = "fail"
		}
		res.Checks[c.Name] = cr
	}

	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
