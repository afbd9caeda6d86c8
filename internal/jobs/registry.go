package jobs

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"cronrelay/internal/task/scheduler"
	logx "cronrelay/pkg/logx"
)

// Registry maps job names to running jobs. All operations are serialized by one mutex,
// so a tick never observes a half-finished add/replace/delete.
type Registry struct {
	mu   sync.Mutex
	rt   *scheduler.Service
	log  logx.Logger
	jobs map[string]*Job
}

func NewRegistry(rt *scheduler.Service, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{rt: rt, log: log, jobs: map[string]*Job{}}
}

// Add schedules job and inserts it. A duplicate name fails with ErrConflict.
func (r *Registry) Add(job *Job, tick scheduler.TickFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.Name]; ok {
		return conflict(job.Name)
	}
	entry, err := r.schedule(job, tick)
	if err != nil {
		return err
	}
	job.entry = entry
	r.jobs[job.Name] = job
	return nil
}

// Replace swaps the job registered under job.Name.
//
// The new entry is scheduled first; if that fails the old job keeps running.
// Otherwise the old entry is stopped before the mapping changes, all under the lock.
func (r *Registry) Replace(job *Job, tick scheduler.TickFunc) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.jobs[job.Name]
	if !ok {
		return nil, notFound(job.Name)
	}
	entry, err := r.schedule(job, tick)
	if err != nil {
		return nil, err
	}
	old.entry.Stop()
	job.entry = entry
	r.jobs[job.Name] = job
	return old, nil
}

func (r *Registry) schedule(job *Job, tick scheduler.TickFunc) (*scheduler.Entry, error) {
	entry, err := r.rt.Schedule(job.Name, job.Expression, scheduler.Options{Once: job.At}, tick)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidExpression) {
			return nil, invalidSchedule(err)
		}
		return nil, err
	}
	return entry, nil
}

func (r *Registry) Get(name string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[name]
	if !ok {
		return nil, notFound(name)
	}
	return job, nil
}

// current reports whether job is still the one registered under its name.
func (r *Registry) current(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[job.Name] == job
}

// Delete stops the job's entry and removes the mapping.
func (r *Registry) Delete(name string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[name]
	if !ok {
		return nil, notFound(name)
	}
	job.entry.Stop()
	delete(r.jobs, name)
	return job, nil
}

// removeIf deletes name only while it still maps to job.
// One-shot cleanup uses it so a concurrent update is never undone.
func (r *Registry) removeIf(name string, job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[name]
	if !ok || cur != job {
		return false
	}
	cur.entry.Stop()
	delete(r.jobs, name)
	return true
}

// List returns a snapshot sorted by name.
func (r *Registry) List() []JobInfo {
	r.mu.Lock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name < jobs[k].Name })
	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.info())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// StopAll stops every entry without removing the mappings. Used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		j.entry.Stop()
	}
	r.log.Debug("all entries stopped", logx.Int("jobs", len(r.jobs)))
}
