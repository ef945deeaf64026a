package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Check probes one component. Critical failures make the service
// unhealthy; others only degrade it.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthReport struct {
	Status     string                     `json:"status"`
	Time       time.Time                  `json:"time"`
	Components map[string]ComponentHealth `json:"components"`
}

// RunChecks probes every check concurrently with timeout.
func RunChecks(ctx context.Context, checks []Check, timeout time.Duration) HealthReport {
	rep := HealthReport{Status: StatusHealthy, Time: time.Now().UTC(), Components: make(map[string]ComponentHealth, len(checks))}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checks {
		if c.Probe == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Probe(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				rep.Components[c.Name] = ComponentHealth{Status: StatusHealthy}
				return
			}
			st := StatusDegraded
			if c.Critical {
				st = StatusUnhealthy
			}
			rep.Components[c.Name] = ComponentHealth{Status: st, Error: err.Error()}
			if st == StatusUnhealthy || rep.Status == StatusHealthy {
				rep.Status = st
			}
		}()
	}
	wg.Wait()
	return rep
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := RunChecks(r.Context(), s.deps.Checks, s.cfg.CheckTimeout)
	code := http.StatusOK
	if rep.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		http.NotFound(w, r)
		return
	}
	v, err := s.deps.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
