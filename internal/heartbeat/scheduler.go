package heartbeat

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// Scheduler ties the heartbeat service to a shared cron instance.
// Restarting with a new interval replaces the previous entry, so
// config hot-reload is a stop/start pair.
type Scheduler struct {
	cron *cron.Cron
	svc  *Service

	mu    sync.Mutex
	entry cron.EntryID
}

func NewScheduler(c *cron.Cron, svc *Service) *Scheduler {
	return &Scheduler{cron: c, svc: svc}
}

// Start schedules runs at the given interval, replacing any
// existing schedule.
func (s *Scheduler) Start(intervalMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}

	spec := fmt.Sprintf("@every %s",
		time.Duration(intervalMs)*time.Millisecond)
	entry, err := s.cron.AddFunc(spec, func() {
		res := s.svc.RunHeartbeat(false)
		if len(res.Errors) > 0 {
			log.Error("heartbeat run finished with errors",
				"tasks", res.TasksProcessed,
				"sessions", res.SessionsCreated,
				"errors", res.Errors)
		} else if res.TasksProcessed > 0 {
			log.Info("heartbeat run finished",
				"tasks", res.TasksProcessed,
				"sessions", res.SessionsCreated)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling heartbeat: %w", err)
	}
	s.entry = entry
	log.Info("heartbeat scheduled", "intervalMs", intervalMs)
	return nil
}

// Stop removes the schedule. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
}

// Running reports whether a schedule is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry != 0
}
