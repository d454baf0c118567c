// Package scheduler runs named jobs from a single priority queue of
// (runAt, job) entries. Recurring entries re-enqueue themselves after each
// run; one-shot entries are dropped once fired.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"giftcard-autopilot-go/internal/clock"
)

// Job is the work run when an entry fires
type Job func(ctx context.Context)

// EntryInfo describes a queued entry
type EntryInfo struct {
	Name    string    `json:"name"`
	Next    time.Time `json:"next_run"`
	Prev    time.Time `json:"last_run,omitempty"`
	Once    bool      `json:"once"`
	Running bool      `json:"running"`
}

type entry struct {
	name     string
	schedule cron.Schedule
	job      Job
	next     time.Time
	prev     time.Time
	seq      uint64
	index    int
	running  bool
}

func (e *entry) once() bool { return e.schedule == nil }

// Scheduler owns the timer queue
type Scheduler struct {
	clock clock.Clock

	mu        sync.Mutex
	queue     entryQueue
	entries   map[string]*entry
	seq       uint64
	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool

	loopDone chan struct{}
	jobs     sync.WaitGroup
}

// New creates a stopped scheduler driven by clk
func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock:   clk,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Every runs job every d, starting d from now
func (s *Scheduler) Every(name string, d time.Duration, job Job) error {
	if d <= 0 {
		return fmt.Errorf("invalid interval %s for %s", d, name)
	}
	return s.AddSchedule(name, cron.Every(d), job)
}

// AddSchedule registers a recurring entry. Names must be unique.
func (s *Scheduler) AddSchedule(name string, schedule cron.Schedule, job Job) error {
	if schedule == nil {
		return fmt.Errorf("nil schedule for %s", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("entry %s already scheduled", name)
	}
	s.push(&entry{name: name, schedule: schedule, job: job, next: schedule.Next(s.clock.Now())})
	logrus.Infof("Scheduled %s, next run at %s", name, s.entries[name].next.Format(time.RFC3339))
	return nil
}

// ScheduleOnce runs job once at runAt. A pending one-shot entry with the same
// name is replaced.
func (s *Scheduler) ScheduleOnce(name string, runAt time.Time, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[name]; ok {
		if !existing.once() {
			return fmt.Errorf("entry %s is a recurring schedule", name)
		}
		s.remove(existing)
	}
	s.push(&entry{name: name, job: job, next: runAt})
	logrus.Infof("Scheduled one-shot %s at %s", name, runAt.Format(time.RFC3339))
	return nil
}

// Cancel removes a queued entry. It reports whether one was found.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.remove(e)
	return true
}

func (s *Scheduler) push(e *entry) {
	s.seq++
	e.seq = s.seq
	s.entries[e.name] = e
	heap.Push(&s.queue, e)
	s.signal()
}

func (s *Scheduler) remove(e *entry) {
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	delete(s.entries, e.name)
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the timer loop until Stop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.loopDone = make(chan struct{})
	s.isRunning = true
	go s.loop(s.ctx, s.loopDone)

	logrus.Infof("Scheduler started with %d entries", len(s.entries))
	return nil
}

// Stop cancels running jobs and waits up to 30 seconds for them to finish
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.isRunning = false
	done := s.loopDone
	s.mu.Unlock()

	<-done
	finished := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the timer loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Wait blocks until all running jobs have returned
func (s *Scheduler) Wait() {
	s.jobs.Wait()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		var timer <-chan time.Time
		if len(s.queue) > 0 {
			timer = s.clock.After(s.queue[0].next.Sub(s.clock.Now()))
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer:
			s.dispatch(ctx, true)
		}
	}
}

// RunDue runs every entry whose time has come and returns how many ran.
// Jobs run synchronously, in due order.
func (s *Scheduler) RunDue(ctx context.Context) int {
	return s.dispatch(ctx, false)
}

func (s *Scheduler) dispatch(ctx context.Context, async bool) int {
	now := s.clock.Now()
	var due []*entry

	s.mu.Lock()
	for len(s.queue) > 0 && !s.queue[0].next.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		if e.running {
			logrus.Warnf("Skipping %s: previous run still in progress", e.name)
		} else {
			e.running = true
			e.prev = now
			due = append(due, e)
		}
		if e.once() {
			delete(s.entries, e.name)
			continue
		}
		e.next = e.schedule.Next(now)
		s.seq++
		e.seq = s.seq
		heap.Push(&s.queue, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.jobs.Add(1)
		if async {
			go s.run(ctx, e)
		} else {
			s.run(ctx, e)
		}
	}
	return len(due)
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.jobs.Done()
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Scheduled job %s panicked: %v", e.name, r)
		}
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
	}()

	logrus.Debugf("Running scheduled job %s", e.name)
	e.job(ctx)
}

// NextRun returns when name fires next, or the zero time
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e.next
	}
	return time.Time{}
}

// LastRun returns when name last fired, or the zero time
func (s *Scheduler) LastRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e.prev
	}
	return time.Time{}
}

// Entries lists queued entries ordered by next run
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		infos = append(infos, EntryInfo{Name: e.name, Next: e.next, Prev: e.prev, Once: e.once(), Running: e.running})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Next.Equal(infos[j].Next) {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Next.Before(infos[j].Next)
	})
	return infos
}

type entryQueue []*entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].seq < q[j].seq
	}
	return q[i].next.Before(q[j].next)
}

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entryQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *entryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
