// Copyright 2024-2026 Aiku AI

package backup

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/chatmirror/pkg/metrics"
)

// Schedule is a wall-clock time of day, optionally restricted to one
// weekday, in a fixed location.
type Schedule struct {
	Hour     int
	Minute   int
	Weekly   bool
	Weekday  time.Weekday
	Location *time.Location
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseClock(clock string) (int, int, error) {
	hStr, mStr, ok := strings.Cut(strings.TrimSpace(clock), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", clock)
	}
	h, err := strconv.Atoi(hStr)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", clock)
	}
	m, err := strconv.Atoi(mStr)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", clock)
	}
	return h, m, nil
}

// Daily parses an "HH:MM" time of day.
func Daily(clock string, loc *time.Location) (Schedule, error) {
	h, m, err := parseClock(clock)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{Hour: h, Minute: m, Location: loc}, nil
}

// Weekly parses a weekday name ("mon" or "monday") and an "HH:MM" time.
// An empty day means Monday.
func Weekly(day, clock string, loc *time.Location) (Schedule, error) {
	sched, err := Daily(clock, loc)
	if err != nil {
		return Schedule{}, err
	}
	if day == "" {
		day = "mon"
	}
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(day))]
	if !ok {
		return Schedule{}, fmt.Errorf("invalid weekday %q", day)
	}
	sched.Weekly = true
	sched.Weekday = wd
	return sched, nil
}

// Next returns the first run strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, loc)
	if s.Weekly {
		next = next.AddDate(0, 0, (int(s.Weekday)-int(next.Weekday())+7)%7)
		if !next.After(t) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	}
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s Schedule) String() string {
	clock := fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
	if s.Weekly {
		return s.Weekday.String() + " " + clock
	}
	return "daily " + clock
}

type job struct {
	name     string
	schedule Schedule
	run      func(ctx context.Context) error
}

// Scheduler runs jobs at their scheduled times until its context is done.
// A job never overlaps with itself; a run that takes longer than the
// interval delays the next one.
type Scheduler struct {
	log  zerolog.Logger
	jobs []job

	// now and after are overridable in tests.
	now   func() time.Time
	after func(d time.Duration) <-chan time.Time
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:   log.With().Str("component", "scheduler").Logger(),
		now:   time.Now,
		after: time.After,
	}
}

// Add registers a job.
func (s *Scheduler) Add(name string, sched Schedule, run func(ctx context.Context) error) {
	s.jobs = append(s.jobs, job{name: name, schedule: sched, run: run})
	s.log.Info().Str("job", name).Stringer("schedule", sched).Msg("Scheduled job")
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.jobs)
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	log := s.log.With().Str("job", j.name).Logger()
	for {
		next := j.schedule.Next(s.now())
		log.Debug().Time("next_run", next).Msg("Waiting for next run")
		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(s.now())):
		}
		start := time.Now()
		err := j.run(log.WithContext(ctx))
		metrics.IncBackupRun(j.name, err)
		if err != nil {
			log.Err(err).Dur("duration", time.Since(start)).Msg("Job failed")
		} else {
			log.Info().Dur("duration", time.Since(start)).Msg("Job finished")
		}
	}
}
