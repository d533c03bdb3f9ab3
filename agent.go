package main

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// HostAgent samples the machine the service runs on and ingests it as a
// fleet server. CPU and network are rates, so the first sample only primes
// the counters.
type HostAgent struct {
	serverID string
	store    *MetricStore

	mu        sync.Mutex
	lastCPU   *cpu.TimesStat
	lastRecv  uint64
	lastSent  uint64
	lastNetAt time.Time
}

// NewHostAgent returns an agent reporting as serverID
func NewHostAgent(serverID string, store *MetricStore) *HostAgent {
	return &HostAgent{serverID: serverID, store: store}
}

// Collect takes one sample and stores it
func (a *HostAgent) Collect(ctx context.Context) error {
	payload := a.sample(ctx)
	_, err := a.store.IngestServerMetric(ctx, a.serverID, payload)
	return err
}

func (a *HostAgent) sample(ctx context.Context) ServerMetricPayload {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	payload := ServerMetricPayload{ServerID: a.serverID, Timestamp: &now}

	if times, err := cpu.TimesWithContext(ctx, false); err == nil && len(times) > 0 {
		current := times[0]
		stats := CPUStats{}
		if a.lastCPU != nil {
			stats.Usage = cpuBusyPercent(*a.lastCPU, current)
		}
		if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
			stats.Cores = cores
		}
		a.lastCPU = &current
		payload.CPU = &stats
	} else if err != nil {
		log.Debug().Err(err).Msg("[Agent] CPU times unavailable")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		payload.RAM = &RAMStats{Total: vm.Total, Used: vm.Used, Free: vm.Available, Percent: vm.UsedPercent}
	}

	if partitions, err := disk.PartitionsWithContext(ctx, false); err == nil {
		seen := make(map[string]bool)
		for _, p := range partitions {
			if seen[p.Mountpoint] {
				continue
			}
			seen[p.Mountpoint] = true
			usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
			if err != nil || usage.Total == 0 {
				continue
			}
			payload.Disk = append(payload.Disk, DiskUsage{
				Mount:   p.Mountpoint,
				Total:   usage.Total,
				Used:    usage.Used,
				Free:    usage.Free,
				Percent: usage.UsedPercent,
			})
		}
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		recv, sent := counters[0].BytesRecv, counters[0].BytesSent
		network := NetworkStats{}
		if !a.lastNetAt.IsZero() {
			elapsed := now.Sub(a.lastNetAt).Seconds()
			if elapsed > 0 && recv >= a.lastRecv && sent >= a.lastSent {
				network.RX = float64(recv-a.lastRecv) / elapsed
				network.TX = float64(sent-a.lastSent) / elapsed
			}
		}
		a.lastRecv, a.lastSent, a.lastNetAt = recv, sent, now
		payload.Network = &network
	}

	return payload
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

// cpuBusyPercent is the non-idle share of CPU time between two samples
func cpuBusyPercent(prev, cur cpu.TimesStat) float64 {
	deltaTotal := cpuTotal(cur) - cpuTotal(prev)
	deltaIdle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	if deltaTotal <= 0 {
		return 0
	}
	busy := (deltaTotal - deltaIdle) / deltaTotal * 100
	return math.Min(math.Max(busy, 0), 100)
}
