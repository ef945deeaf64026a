package broadcast

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"dripbot/internal/catalog"
	logx "dripbot/pkg/logx"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
	maxFailuresKept  = 200
)

// Enqueue schedules c for async delivery and returns the job id. Progress
// is available through Status.
func (s *Service) Enqueue(c catalog.Content) (string, error) {
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("broadcast content: %w", err)
	}
	now := s.now()
	s.pruneStatus(now)

	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return "", ErrNotRunning
	}

	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, CreatedAt: now}
	s.statusMu.Unlock()

	select {
	case s.queue <- job{id: id, content: c}:
	default:
		s.statusMu.Lock()
		delete(s.status, id)
		s.statusMu.Unlock()
		s.log.Warn("broadcast queue full; dropping job", logx.Int("queue_cap", cap(s.queue)))
		return "", ErrQueueFull
	}
	s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.Int("queue_len", len(s.queue)))
	return id, nil
}

// Status returns a copy of the job's status.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]int64(nil), st.Failures...)
	return cp, true
}

// Jobs returns every retained job, newest first.
func (s *Service) Jobs() []JobStatus {
	s.statusMu.RLock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		cp := *st
		cp.Failures = nil
		out = append(out, cp)
	}
	s.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Service) execJob(ctx context.Context, j job) {
	started := s.now()
	s.update(j.id, func(st *JobStatus) {
		st.StartedAt = started
		st.Running = true
	})
	s.log.Info("broadcast job started", logx.String("job", j.id))

	ids, err := s.recipients.ListIDs(ctx)
	if err == nil && len(ids) == 0 {
		err = ErrNoRecipients
	}
	if err != nil {
		s.abandon(j.id, err.Error())
		s.log.Warn("broadcast job not run", logx.String("job", j.id), logx.Err(err))
		return
	}
	s.update(j.id, func(st *JobStatus) { st.Total = len(ids) })

	res, err := s.fanOut(ctx, ids, j.content, func(chatID int64, err error) {
		s.update(j.id, func(st *JobStatus) {
			st.Done++
			if err == nil {
				st.Delivered++
				return
			}
			st.Failed++
			if len(st.Failures) < maxFailuresKept {
				st.Failures = append(st.Failures, chatID)
			}
		})
	})
	s.update(j.id, func(st *JobStatus) {
		st.Delivered, st.Failed = res.Delivered, res.Failed
		st.DoneAt = s.now()
		st.Running = false
		if err != nil {
			st.Error = err.Error()
		}
	})
	s.report(j.id, res, started)
	s.pruneStatus(s.now())
}

func (s *Service) abandon(id, reason string) {
	s.update(id, func(st *JobStatus) {
		st.Error = reason
		st.Failed = st.Total - st.Delivered
		st.DoneAt = s.now()
		st.Running = false
	})
}

func (s *Service) update(id string, fn func(*JobStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
}

// pruneStatus drops finished jobs older than the TTL, then the oldest
// finished jobs while over the size bound. Running jobs are kept.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	for id, st := range s.status {
		if st.Running {
			continue
		}
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if now.Sub(ref) > s.statusTTL {
			delete(s.status, id)
		}
	}

	over := len(s.status) - s.statusMax
	if over <= 0 {
		return
	}
	type cand struct {
		id string
		t  time.Time
	}
	cands := make([]cand, 0, len(s.status))
	for id, st := range s.status {
		if st.Running || st.DoneAt.IsZero() {
			continue
		}
		cands = append(cands, cand{id, st.DoneAt})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].t.Before(cands[j].t) })
	for i := 0; i < len(cands) && over > 0; i++ {
		delete(s.status, cands[i].id)
		over--
	}
}
