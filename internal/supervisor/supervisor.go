// Package supervisor owns every periodic poll and long-running goroutine of
// a session, so that all of them are released by one Stop call.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/atlasfeed/internal/config"
	"github.com/zulandar/atlasfeed/internal/logging"
	"go.uber.org/zap"
)

// ErrStopped is returned when registering work on a stopped supervisor.
var ErrStopped = errors.New("supervisor: stopped")

// Job is one run of a periodic poll. ctx is cancelled on Stop.
type Job func(ctx context.Context)

// Opts holds parameters for creating a Supervisor.
type Opts struct {
	Logger *zap.Logger
}

// Supervisor schedules polls on a cron runner and tracks goroutines.
// Each poll has its own handle and can be cancelled independently.
type Supervisor struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]cron.EntryID
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Supervisor. Nothing runs until Start.
func New(opts Opts) *Supervisor {
	logger := logging.OrNop(opts.Logger)
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Schedule registers a named poll using a cron spec or descriptor such as
// "@every 30s". Re-using a name replaces the earlier poll; the value "off"
// removes it and registers nothing.
func (s *Supervisor) Schedule(name, spec string, job Job) error {
	if spec == config.PollOff {
		s.remove(name)
		s.logger.Debug("poll disabled", zap.String("poll", name))
		return nil
	}
	sched, err := config.ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("supervisor: schedule %s: %w", name, err)
	}
	return s.add(name, sched, job)
}

func (s *Supervisor) add(name string, sched cron.Schedule, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
	}
	s.jobs[name] = s.cron.Schedule(sched, cron.FuncJob(func() {
		if s.ctx.Err() != nil {
			return
		}
		job(s.ctx)
	}))
	s.logger.Debug("poll scheduled", zap.String("poll", name))
	return nil
}

// remove drops a named poll. It reports whether the poll existed.
func (s *Supervisor) remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.jobs, name)
	return true
}

// Names returns the registered poll names, sorted.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Go runs fn in a tracked goroutine until it returns or Stop cancels ctx.
// A non-nil error other than cancellation is logged.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("supervised task failed", zap.String("task", name), zap.Error(err))
		}
	}()
	return nil
}

// Start begins running scheduled polls.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop cancels every poll and goroutine and waits for them to return.
// It is safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	for name, id := range s.jobs {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Debug("supervisor stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
