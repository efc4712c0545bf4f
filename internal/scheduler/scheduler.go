// Package scheduler triggers check-in runs, either from a configured cron
// spec or at random times spread across the allowed hour window.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "signbot/pkg/logx"
)

type Config struct {
	Enabled bool

	// Spec is a 5-field cron spec (or a descriptor like "@daily"). When
	// empty, RandomRuns triggers per day are scheduled inside the
	// start/end hour window.
	Spec     string
	Timezone string // IANA TZ, e.g. "Asia/Shanghai"

	// StartHour/EndHour bound the random schedule (defaults 9 and 23).
	StartHour int
	EndHour   int
}

// RandomRuns is how many runs one day gets when no cron spec is set.
const RandomRuns = 2

// RunFunc executes one full run. Errors are logged, not retried; the next
// trigger is the retry.
type RunFunc func(ctx context.Context) error

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	run    RunFunc
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	cancel context.CancelFunc

	now func() time.Time
	rnd *rand.Rand
}

func New(cfg Config, run RunFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		cfg:    cfg,
		run:    run,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins triggering runs. A configured spec that does not parse is a
// startup error; the random fallback cannot fail.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cancel != nil {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	loc, err := s.loadLocation()
	if err != nil {
		return err
	}
	s.loc = loc

	runCtx, cancel := context.WithCancel(ctx)

	if spec := strings.TrimSpace(s.cfg.Spec); spec != "" {
		c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
		if _, err := c.AddFunc(spec, func() { s.execute(runCtx) }); err != nil {
			cancel()
			return fmt.Errorf("cron spec %q: %w", spec, err)
		}
		c.Start()
		s.c = c
		s.cancel = cancel
		s.log.Info("scheduler started", logx.String("spec", spec), logx.String("tz", loc.String()))
		return nil
	}

	s.cancel = cancel
	go s.randomLoop(runCtx)
	s.log.Info("scheduler started",
		logx.Int("daily_runs", RandomRuns),
		logx.Int("start_hour", s.startHour()),
		logx.Int("end_hour", s.endHour()),
		logx.String("tz", loc.String()))
	return nil
}

// Apply restarts the schedule when its shape changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	s.cfg = cfg
	if s.cancel == nil {
		return nil
	}
	s.stopLocked()
	if !cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	s.log.Info("scheduler stopped")
}

// TriggerNow runs once in the background, outside the schedule.
func (s *Service) TriggerNow(ctx context.Context) {
	go s.execute(ctx)
}

func (s *Service) execute(ctx context.Context) {
	started := s.now()
	s.log.Info("run triggered")
	if err := s.run(ctx); err != nil {
		s.log.Error("run failed", logx.Err(err), logx.Duration("elapsed", s.now().Sub(started)))
		return
	}
	s.log.Info("run finished", logx.Duration("elapsed", s.now().Sub(started)))
}

// randomLoop schedules RandomRuns triggers per day at fresh random minutes,
// starting with whatever is left of today.
func (s *Service) randomLoop(ctx context.Context) {
	day := s.now().In(s.loc)
	for {
		for _, at := range s.randomTimes(day) {
			now := s.now().In(s.loc)
			if !at.After(now) {
				continue
			}
			s.log.Info("next run scheduled", logx.Time("at", at))
			timer := time.NewTimer(at.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.execute(ctx)
			}
		}

		// Move to the next day's window.
		next := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
		now := s.now().In(s.loc)
		if next.After(now) {
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		day = next
	}
}

// randomTimes picks RandomRuns instants inside the day's hour window,
// sorted ascending.
func (s *Service) randomTimes(day time.Time) []time.Time {
	start, end := s.startHour(), s.endHour()
	windowMinutes := (end - start + 1) * 60

	s.mu.Lock()
	offsets := make([]int, RandomRuns)
	for i := range offsets {
		offsets[i] = s.rnd.Intn(windowMinutes)
	}
	s.mu.Unlock()

	out := make([]time.Time, 0, len(offsets))
	base := time.Date(day.Year(), day.Month(), day.Day(), start, 0, 0, 0, s.loc)
	for _, off := range offsets {
		out = append(out, base.Add(time.Duration(off)*time.Minute))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (s *Service) startHour() int {
	if s.cfg.StartHour > 0 {
		return s.cfg.StartHour
	}
	return 9
}

func (s *Service) endHour() int {
	if s.cfg.EndHour > 0 && s.cfg.EndHour >= s.startHour() {
		return s.cfg.EndHour
	}
	return 23
}

func (s *Service) loadLocation() (*time.Location, error) {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
