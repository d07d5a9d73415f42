package schedule

import (
	"sort"
	"sync"
	"time"
)

type fakeTask struct {
	id        uint64
	at        time.Time
	fn        func()
	cancelled bool
	fired     bool
}

// Fake is a Clock and Scheduler whose time only moves when Advance is called.
// Due tasks run synchronously on the goroutine calling Advance.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	tasks  []*fakeTask
}

var (
	_ Clock     = (*Fake)(nil)
	_ Scheduler = (*Fake)(nil)
)

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Schedule(delay time.Duration, fn func()) CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	task := &fakeTask{id: f.nextID, at: f.now.Add(delay), fn: fn}
	f.tasks = append(f.tasks, task)

	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if task.fired || task.cancelled {
			return false
		}
		task.cancelled = true
		f.removeLocked(task.id)
		return true
	}
}

// Advance moves the clock forward by d and runs every task that became due, in
// due-time order. Each task observes Now() equal to its due time.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		task := f.nextDueLocked(target)
		if task == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		if task.at.After(f.now) {
			f.now = task.at
		}
		task.fired = true
		f.removeLocked(task.id)
		f.mu.Unlock()

		task.fn()
	}
}

// Pending returns the number of scheduled tasks that have not fired or been cancelled.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *Fake) nextDueLocked(target time.Time) *fakeTask {
	if len(f.tasks) == 0 {
		return nil
	}
	sort.SliceStable(f.tasks, func(i, j int) bool { return f.tasks[i].at.Before(f.tasks[j].at) })
	if f.tasks[0].at.After(target) {
		return nil
	}
	return f.tasks[0]
}

func (f *Fake) removeLocked(id uint64) {
	for i, t := range f.tasks {
		if t.id == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return
		}
	}
}
