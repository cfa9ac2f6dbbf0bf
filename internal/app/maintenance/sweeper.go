package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matchslot/matchslot/internal/booking"
	"github.com/matchslot/matchslot/pkg/logger"
)

const (
	defaultSweepSpec   = "@every 5m"
	defaultHoldTimeout = 15 * time.Minute
)

// Sweeper periodically releases slot holds whose guests never finished
// booking, so abandoned claims do not block an offer forever.
type Sweeper struct {
	machine     *booking.Machine
	cron        *cron.Cron
	log         *zap.Logger
	schedule    string
	holdTimeout time.Duration
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSchedule overrides the cron specification for the sweep.
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithHoldTimeout adjusts how long a hold may sit before it is released.
func WithHoldTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.holdTimeout = d
		}
	}
}

// NewSweeper constructs a Sweeper with sensible defaults.
func NewSweeper(machine *booking.Machine, opts ...Option) (*Sweeper, error) {
	if machine == nil {
		return nil, errors.New("maintenance: booking machine is required")
	}

	sweeper := &Sweeper{
		machine:     machine,
		schedule:    defaultSweepSpec,
		holdTimeout: defaultHoldTimeout,
		log:         logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	if sweeper.cron == nil {
		sweeper.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return sweeper, nil
}

// Start registers the sweep job and launches the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("hold sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to complete.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes a single sweep. Used by the scheduler, tests and
// graceful shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	released, err := s.machine.ReleaseStaleHolds(ctx, s.holdTimeout)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	if released > 0 {
		s.log.Info("released stale holds", zap.Int64("count", released))
	}

	return errs
}
