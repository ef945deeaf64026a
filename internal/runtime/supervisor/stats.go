package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TaskStats is a per-name view of goroutines started through the supervisor.
// Goroutines sharing a name are aggregated.
type TaskStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Restarts    uint64        `json:"restarts"`
	Panics      uint64        `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskStats = TaskStats

type stats struct {
	mu     sync.Mutex
	byName map[string]*taskStats
}

func (st *stats) get(name string) *taskStats {
	t := st.byName[name]
	if t == nil {
		t = &taskStats{Name: name}
		st.byName[name] = t
	}
	return t
}

func (st *stats) start(name string, restart bool) time.Time {
	now := time.Now()
	st.mu.Lock()
	t := st.get(name)
	t.Started++
	t.Active++
	if restart {
		t.Restarts++
	}
	t.LastStartAt = now
	st.mu.Unlock()
	return now
}

func (st *stats) stop(name string, startedAt time.Time, err error) {
	now := time.Now()
	st.mu.Lock()
	t := st.get(name)
	if t.Active > 0 {
		t.Active--
	}
	t.LastStopAt = now
	t.LastRuntime = now.Sub(startedAt)
	if err != nil {
		t.LastErr = err.Error()
	}
	st.mu.Unlock()
}

func (st *stats) panic(name string, v any) {
	st.mu.Lock()
	t := st.get(name)
	t.Panics++
	t.LastPanic = fmt.Sprint(v)
	st.mu.Unlock()
}

// Snapshot returns the current task stats, active tasks first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.stats.mu.Lock()
	for _, t := range s.stats.byName {
		snap.Active += t.Active
		snap.Tasks = append(snap.Tasks, *t)
	}
	s.stats.mu.Unlock()

	sort.Slice(snap.Tasks, func(i, j int) bool {
		a, b := snap.Tasks[i], snap.Tasks[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}
