package main

import (
	"testing"

	"github.com/shirou/gopsutil/v4/cpu"
)

func TestCPUBusyPercent(t *testing.T) {
	prev := cpu.TimesStat{User: 100, System: 50, Idle: 800, Iowait: 50}
	cur := cpu.TimesStat{User: 160, System: 70, Idle: 900, Iowait: 70}

	// 80 busy out of 200 elapsed
	if got := cpuBusyPercent(prev, cur); got != 40 {
		t.Fatalf("cpuBusyPercent = %v, want 40", got)
	}
	if got := cpuBusyPercent(cur, prev); got != 0 {
		t.Fatalf("counter reset = %v, want 0", got)
	}
	if got := cpuBusyPercent(prev, prev); got != 0 {
		t.Fatalf("no elapsed time = %v, want 0", got)
	}
}
