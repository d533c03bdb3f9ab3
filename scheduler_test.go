package main

import (
	"slices"
	"testing"
)

func TestNewSchedulerRegistersJobs(t *testing.T) {
	app := newTestApp(t)
	sched, err := newScheduler(app)
	if err != nil {
		t.Fatalf("newScheduler: %v", err)
	}
	defer sched.Shutdown()

	var names []string
	for _, j := range sched.s.Jobs() {
		names = append(names, j.Name())
	}
	slices.Sort(names)
	want := []string{
		"ingest-limiter-prune", "metric-retention", "monthly-snapshot",
		"overdue-invoice-sweep", "site-probe-cycle", "stale-server-watchdog",
	}
	if !slices.Equal(names, want) {
		t.Fatalf("jobs = %v, want %v", names, want)
	}
}

func TestNewSchedulerAddsHostAgent(t *testing.T) {
	cfg := defaultConfig()
	cfg.Agent.ServerID = "self"
	app := newApp(cfg, newTestDB(t))

	sched, err := newScheduler(app)
	if err != nil {
		t.Fatalf("newScheduler: %v", err)
	}
	defer sched.Shutdown()

	if got := len(sched.s.Jobs()); got != 7 {
		t.Fatalf("jobs = %d, want 7", got)
	}
}
