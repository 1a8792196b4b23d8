package cron

import (
	"context"
	"testing"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresJobs(t *testing.T) {
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	if err := registry.Register(jobA); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := registry.Register(jobB); err != nil {
		t.Fatalf("register b: %v", err)
	}
	jobs := registry.Jobs()
	if len(jobs) != 2 || jobs[0] != jobA || jobs[1] != jobB {
		t.Fatalf("jobs returned out of order: %v", registry.Names())
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	if _, err := NewRegistry(&stubJob{name: "chain-integrity"}, &stubJob{name: "chain-integrity"}); err == nil {
		t.Fatal("expected duplicate job name to fail")
	}
	registry, _ := NewRegistry(nil, &stubJob{name: "outbox-retention"})
	if names := registry.Names(); len(names) != 1 || names[0] != "outbox-retention" {
		t.Fatalf("unexpected names %v", names)
	}
}
