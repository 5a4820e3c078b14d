package host

import (
	"sync"
	"time"

	"github.com/phuslu/log"
)

const MinIntervalMinutes = 15

// Scheduler runs recurring work on tickers keyed by work identifier.
type Scheduler struct {
	mu    sync.Mutex
	log   log.Logger
	unit  time.Duration
	works map[string]chan struct{}
}

func NewScheduler() *Scheduler {
	s := &Scheduler{unit: time.Minute, works: map[string]chan struct{}{}}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "scheduler").Value()
	return s
}

// ScheduleRecurring replaces any work with the same identifier. Intervals
// below MinIntervalMinutes are raised to it.
func (s *Scheduler) ScheduleRecurring(minIntervalMinutes int, workIdentifier string, onFire func()) {
	if minIntervalMinutes < MinIntervalMinutes {
		minIntervalMinutes = MinIntervalMinutes
	}
	s.Cancel(workIdentifier)
	quit := make(chan struct{})
	s.mu.Lock()
	s.works[workIdentifier] = quit
	s.mu.Unlock()

	interval := time.Duration(minIntervalMinutes) * s.unit
	s.log.Info().Str("work_id", workIdentifier).Dur("interval", interval).Msg("scheduled")
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				onFire()
			case <-quit:
				return
			}
		}
	}()
}

func (s *Scheduler) Cancel(workIdentifier string) {
	s.mu.Lock()
	quit, ok := s.works[workIdentifier]
	delete(s.works, workIdentifier)
	s.mu.Unlock()
	if ok {
		close(quit)
		s.log.Info().Str("work_id", workIdentifier).Msg("cancelled")
	}
}

func (s *Scheduler) Scheduled(workIdentifier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.works[workIdentifier]
	return ok
}
