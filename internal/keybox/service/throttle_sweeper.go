package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// ThrottleSweeper periodically drops expired login throttle records so the
// guard's memory does not grow with every source that ever failed once.
type ThrottleSweeper struct {
	guard    *Guard
	interval time.Duration
	logger   *log.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewThrottleSweeper creates a sweeper but does not start it. An interval of
// zero defaults to one minute.
func NewThrottleSweeper(g *Guard, interval time.Duration, logger *log.Logger) *ThrottleSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ThrottleSweeper{
		guard:    g,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the background loop. It exits when ctx is cancelled or Stop
// is called.
func (s *ThrottleSweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.Debug("throttle sweeper started", "interval", s.interval)
}

// Stop signals the sweeper to exit and waits for it to finish.
func (s *ThrottleSweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *ThrottleSweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.guard.Sweep(); n > 0 {
				s.logger.Debug("throttle sweep", "removed", n)
			}
		}
	}
}
