package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// stopper is a live trigger owned by the registry: an interval ticker, a
// pending retry timer, or a cron entry.
type stopper interface {
	Stop()
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

type runningState struct {
	startedAt   time.Time
	estimate    time.Duration
	hasEstimate bool
}

// job is a registered unit of work. id, name, handler, kind, overlap,
// interval and spec never change after registration; every other field is
// guarded by the registry lock.
type job struct {
	id      string
	name    string
	handler Handler
	kind    Kind
	overlap OverlapPolicy

	createdAt time.Time

	// recurring
	interval  time.Duration
	spec      string
	cronEntry cron.EntryID
	lastRunAt time.Time

	// one-shot
	attempts    int
	maxAttempts int

	// in-flight runs; running describes the latest one and is reset at zero.
	inflight int
	running  runningState
}

// registry is the authoritative map of live jobs and their triggers.
//
// Operations: insert, replace, remove, removeJob, get, update, arm, all and
// clear. A recurring insert is a replace.
//
// Entries are compared by pointer: a callback that holds a job that was
// cancelled or replaced under the same id finds a different (or no) entry and
// becomes a no-op.
type registry struct {
	mu     sync.Mutex
	jobs   map[string]*job
	timers map[string]stopper
}

func newRegistry() *registry {
	return &registry{jobs: map[string]*job{}, timers: map[string]stopper{}}
}

// insert adds j. A recurring job replaces any entry under its id after
// stopping that entry's trigger. A one-shot job never replaces and reports
// false on an id collision.
func (r *registry) insert(j *job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[j.id]; exists && j.kind != KindRecurring {
		return false
	}
	r.replaceLocked(j)
	return true
}

// replace installs j under its id, stopping the trigger of any previous
// entry. It reports whether an entry was replaced.
func (r *registry) replace(j *job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaceLocked(j)
}

func (r *registry) replaceLocked(j *job) bool {
	_, existed := r.jobs[j.id]
	r.stopTimerLocked(j.id)
	r.jobs[j.id] = j
	return existed
}

// remove deletes the entry under id and stops its trigger.
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.jobs[id]
	r.stopTimerLocked(id)
	delete(r.jobs, id)
	return ok
}

// removeJob is remove guarded by identity.
func (r *registry) removeJob(j *job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jobs[j.id] != j {
		return false
	}
	r.stopTimerLocked(j.id)
	delete(r.jobs, j.id)
	return true
}

func (r *registry) get(id string) (*job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// update runs fn on j under the lock if j is still the registered entry.
func (r *registry) update(j *job, fn func(j *job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jobs[j.id] != j {
		return false
	}
	if fn != nil {
		fn(j)
	}
	return true
}

// arm installs the trigger built by start for j, replacing (and stopping) any
// previous one. start runs under the lock and must not block; it is not
// called when j is no longer registered.
func (r *registry) arm(j *job, start func() stopper) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jobs[j.id] != j {
		return false
	}
	r.stopTimerLocked(j.id)
	if t := start(); t != nil {
		r.timers[j.id] = t
	}
	return true
}

// all returns copies of every entry.
func (r *registry) all() []job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *registry) armed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// clear stops every trigger and drops every entry. It returns the number of
// jobs dropped.
func (r *registry) clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.timers {
		r.stopTimerLocked(id)
	}
	n := len(r.jobs)
	r.jobs = map[string]*job{}
	return n
}

func (r *registry) stopTimerLocked(id string) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}
