// Package ingestion runs documents through the processing pipeline:
// normalize, section, chunk, optionally enrich, embed, and store. A
// per-document registry serializes jobs, and a service wraps the
// document operations around them.
package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/zoeflow/zoeflow/errs"
)

// Job is one live ingestion run. Ctx is cancelled by Cancel or by a
// superseding Register; done closes when the owning goroutine
// unregisters.
type Job struct {
	DocID     string
	Ctx       context.Context
	Cancel    context.CancelFunc
	StartedAt time.Time
	done      chan struct{}
}

// Done closes once the job has unregistered.
func (j *Job) Done() <-chan struct{} { return j.done }

// Registry tracks at most one live job per document. It is purely
// in-process; records stranded by a crash are repaired at startup by
// RecoverStranded.
type Registry struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{jobs: map[string]*Job{}}
}

// Register claims the document for a new job. A live predecessor is
// cancelled and awaited first, so the returned job owns the document
// exclusively. The caller must Unregister when the run ends.
func (r *Registry) Register(docID string) (*Job, error) {
	if docID == "" {
		return nil, errs.New(errs.KindValidation, "document id is required")
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, errs.New(errs.KindConflict, "processing registry is closed")
		}
		prev, live := r.jobs[docID]
		if !live {
			ctx, cancel := context.WithCancel(context.Background())
			job := &Job{
				DocID:     docID,
				Ctx:       ctx,
				Cancel:    cancel,
				StartedAt: time.Now(),
				done:      make(chan struct{}),
			}
			r.jobs[docID] = job
			r.mu.Unlock()
			return job, nil
		}
		r.mu.Unlock()

		prev.Cancel()
		<-prev.done
	}
}

// IsProcessing reports whether a live job exists for the document.
func (r *Registry) IsProcessing(docID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[docID]
	return ok
}

// Cancel signals the live job, if any, and reports whether one existed.
// Safe to call repeatedly and for unknown documents.
func (r *Registry) Cancel(docID string) bool {
	r.mu.Lock()
	job, ok := r.jobs[docID]
	r.mu.Unlock()
	if ok {
		job.Cancel()
	}
	return ok
}

// CancelAndWait cancels the live job and blocks until it unregisters.
// A document without a live job returns immediately.
func (r *Registry) CancelAndWait(docID string) {
	r.mu.Lock()
	job, ok := r.jobs[docID]
	r.mu.Unlock()
	if !ok {
		return
	}
	job.Cancel()
	<-job.done
}

// Unregister releases the document and wakes every waiter. The job
// goroutine calls this exactly once, after the terminal status is
// written.
func (r *Registry) Unregister(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[docID]
	if !ok {
		return
	}
	delete(r.jobs, docID)
	job.Cancel()
	close(job.done)
}

// Close cancels every live job and rejects further registrations. It
// does not wait for the jobs to unregister.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, job := range r.jobs {
		job.Cancel()
	}
}
