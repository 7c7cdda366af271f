// Package jobs drives the periodic work: posting cycles, reconciliation,
// metrics collection and discovery. Jobs run on independent intervals and
// never block each other directly; contention is mediated entirely through
// the session pool's priority queue. A job failure (error or panic) is
// logged and skipped until the next tick; it never stops the scheduler.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jatenner/xBOT-sub003/internal/eventbus"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ; empty means local
}

// Job is one periodic registration.
type Job struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration // 0 means no per-run timeout
	Run     func(ctx context.Context) error
}

type Scheduler struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	c      *cron.Cron
	runCtx context.Context
	defs   []Job
	states map[string]*runState
	last   map[string]JobStatus
}

// JobStatus is a diagnostics view of one job.
type JobStatus struct {
	Name      string
	Every     time.Duration
	LastStart time.Time
	LastTook  time.Duration
	LastError string
	Runs      uint64
	Skipped   uint64
}

// runState gates overlap: a tick firing while the previous run is still in
// flight is skipped, which prevents pile-ups when a job outruns its interval.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		states: map[string]*runState{},
		last:   map[string]JobStatus{},
	}
}

// Register adds a job. Valid before or after Start.
func (s *Scheduler) Register(j Job) error {
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: Run is nil", j.Name)
	}
	if j.Every <= 0 {
		return fmt.Errorf("job %s: interval must be > 0", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.Name == j.Name {
			return fmt.Errorf("job %s: already registered", j.Name)
		}
	}
	s.defs = append(s.defs, j)
	s.states[j.Name] = &runState{}
	s.last[j.Name] = JobStatus{Name: j.Name, Every: j.Every}
	if s.c != nil {
		s.addLocked(j)
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}

	s.runCtx = ctx
	s.c = cron.New(cron.WithLocation(loc))
	for _, j := range s.defs {
		s.addLocked(j)
	}
	s.c.Start()
	s.log.Info("job scheduler started", logx.Int("jobs", len(s.defs)), logx.String("tz", loc.String()))
}

func (s *Scheduler) addLocked(j Job) {
	s.c.Schedule(cron.Every(j.Every), cron.FuncJob(func() { s.runOne(j) }))
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("job scheduler stopped")
	case <-ctx.Done():
		// best-effort; in-flight jobs keep their own contexts
	}
}

func (s *Scheduler) runOne(j Job) {
	s.mu.Lock()
	runCtx := s.runCtx
	st := s.states[j.Name]
	s.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}

	if !st.tryAcquire() {
		s.log.Debug("job tick skipped: previous run in flight", logx.String("job", j.Name))
		s.note(j.Name, func(js *JobStatus) { js.Skipped++ })
		return
	}
	defer st.release()

	ctx := runCtx
	var cancel context.CancelFunc
	if j.Timeout > 0 {
		ctx, cancel = context.WithTimeout(runCtx, j.Timeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	// One bad tick must not take the scheduler down.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panicked", logx.String("job", j.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = j.Run(ctx)
	}()
	took := time.Since(start)

	s.note(j.Name, func(js *JobStatus) {
		js.Runs++
		js.LastStart = start
		js.LastTook = took
		js.LastError = ""
		if err != nil {
			js.LastError = err.Error()
		}
	})

	if err != nil && ctx.Err() == nil {
		s.log.Warn("job failed", logx.String("job", j.Name), logx.Duration("took", took), logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: map[string]string{"job": j.Name, "error": err.Error()}})
		}
		return
	}
	s.log.Debug("job completed", logx.String("job", j.Name), logx.Duration("took", took))
}

func (s *Scheduler) note(name string, fn func(*JobStatus)) {
	s.mu.Lock()
	js := s.last[name]
	fn(&js)
	s.last[name] = js
	s.mu.Unlock()
}

// Snapshot returns per-job diagnostics.
func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.defs))
	for _, j := range s.defs {
		out = append(out, s.last[j.Name])
	}
	return out
}
