package cron

import (
	"context"
	"fmt"
)

// Job is a periodic maintenance task run by the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry keeps jobs in registration order. Names are unique.
type Registry struct {
	jobs []Job
}

func NewRegistry(jobs ...Job) (*Registry, error) {
	registry := &Registry{}
	for _, job := range jobs {
		if err := registry.Register(job); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Register adds a job. Nil jobs are ignored.
func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	for _, existing := range r.jobs {
		if existing.Name() == job.Name() {
			return fmt.Errorf("cron job %q already registered", job.Name())
		}
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for _, job := range r.jobs {
		names = append(names, job.Name())
	}
	return names
}
