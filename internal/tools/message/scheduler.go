package message

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lucydhq/lucyd/internal/observability"
)

// SendFunc delivers a scheduled message when its time comes.
type SendFunc func(ctx context.Context, channel, contact, text string) error

// Scheduler runs delayed and recurring sends. Recurring entries use
// cron; one-shot sends use timers. Both deliver through the same send
// function and log failures instead of propagating them.
type Scheduler struct {
	cron   *cron.Cron
	send   SendFunc
	logger *observability.Logger

	mu     sync.Mutex
	timers []*time.Timer
}

// NewScheduler creates a stopped scheduler; call Start.
func NewScheduler(send SendFunc, logger *observability.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		send:   send,
		logger: logger,
	}
}

// Start begins running scheduled entries.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron runner and cancels pending one-shot timers.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// ScheduleCron adds a recurring send on a standard cron expression.
func (s *Scheduler) ScheduleCron(expr, channel, contact, text string) (cron.EntryID, error) {
	return s.cron.AddFunc(expr, func() {
		s.deliver(channel, contact, text)
	})
}

// ScheduleOnce sends a single message after the delay.
func (s *Scheduler) ScheduleOnce(delay time.Duration, channel, contact, text string) {
	timer := time.AfterFunc(delay, func() {
		s.deliver(channel, contact, text)
	})
	s.mu.Lock()
	s.timers = append(s.timers, timer)
	s.mu.Unlock()
}

func (s *Scheduler) deliver(channel, contact, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.send(ctx, channel, contact, text); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "scheduled send failed",
			"channel", channel, "contact", contact, "error", err)
	}
}
