package cluster

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// Scaling thresholds over the cluster-wide load ratio.
const (
	scaleUpRatio   = 0.8
	scaleDownRatio = 0.3
)

// GetServerMetrics reports this instance's runtime load.
func (c *Coordinator) GetServerMetrics() presence.ServerMetrics {
	c.mu.RLock()
	startedAt := c.startedAt
	c.mu.RUnlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memPercent := 0.0
	if mem.Sys > 0 {
		memPercent = float64(mem.HeapAlloc) / float64(mem.Sys) * 100
	}

	uptime := time.Duration(0)
	if !startedAt.IsZero() {
		uptime = c.now().Sub(startedAt)
	}

	return presence.ServerMetrics{
		ServerID:      c.serverID,
		Connections:   c.registry.GetConnectionStats().TotalConnections,
		CPUPercent:    sampleCPULoad(),
		MemoryPercent: memPercent,
		Uptime:        uptime,
	}
}

// sampleCPULoad reads the 1-minute load average normalised by core count.
// Returns 0 on platforms without /proc.
func sampleCPULoad() float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load / float64(runtime.NumCPU()) * 100
}

// GetLeastLoadedServer selects, among healthy members, the one with the
// lowest load ratio. Returns nil when no healthy member is known.
func (c *Coordinator) GetLeastLoadedServer() *presence.ServerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *presence.ServerRecord
	bestRatio := 0.0
	for _, record := range c.servers {
		if record.Status != presence.ServerHealthy || record.MaxConnections <= 0 {
			continue
		}
		ratio := float64(record.CurrentLoad) / float64(record.MaxConnections)
		if best == nil || ratio < bestRatio {
			copied := *record
			best = &copied
			bestRatio = ratio
		}
	}
	return best
}

// GetScalingMetrics aggregates cluster-wide load and recommends a scaling
// action. Confidence grows with the distance from the nearest threshold.
func (c *Coordinator) GetScalingMetrics() presence.ScalingReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := presence.ScalingReport{Action: presence.Maintain, Confidence: 0.5}
	for _, record := range c.servers {
		report.Servers++
		if record.Status == presence.ServerHealthy {
			report.HealthyServers++
		}
		report.TotalLoad += record.CurrentLoad
		report.TotalCapacity += record.MaxConnections
	}
	if report.TotalCapacity == 0 {
		return report
	}

	report.LoadRatio = float64(report.TotalLoad) / float64(report.TotalCapacity)
	switch {
	case report.LoadRatio >= scaleUpRatio:
		report.Action = presence.ScaleUp
		report.Confidence = clampConfidence(0.5 + (report.LoadRatio-scaleUpRatio)/(1-scaleUpRatio)*0.5)
	case report.LoadRatio <= scaleDownRatio:
		report.Action = presence.ScaleDown
		report.Confidence = clampConfidence(0.5 + (scaleDownRatio-report.LoadRatio)/scaleDownRatio*0.5)
	default:
		mid := (scaleUpRatio + scaleDownRatio) / 2
		span := (scaleUpRatio - scaleDownRatio) / 2
		report.Confidence = clampConfidence(1 - absFloat(report.LoadRatio-mid)/span*0.5)
	}
	return report
}

// CreateConnectionMigrationPlan distributes a failed server's users over the
// surviving healthy members, weighted by spare capacity. Informational only:
// clients migrate themselves when they reconnect.
func (c *Coordinator) CreateConnectionMigrationPlan(failedServerID string) presence.MigrationPlan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	plan := presence.MigrationPlan{
		FailedServerID: failedServerID,
		CreatedAt:      c.now(),
		Targets:        make(map[string]int),
	}

	toMove := 0
	if failed, ok := c.servers[failedServerID]; ok {
		toMove = failed.CurrentLoad
	}

	type target struct {
		id    string
		spare int
	}
	var targets []target
	totalSpare := 0
	for id, record := range c.servers {
		if id == failedServerID || record.Status != presence.ServerHealthy {
			continue
		}
		spare := record.MaxConnections - record.CurrentLoad
		if spare <= 0 {
			continue
		}
		targets = append(targets, target{id: id, spare: spare})
		totalSpare += spare
	}
	if totalSpare == 0 || toMove == 0 {
		for _, t := range targets {
			plan.Targets[t.id] = 0
		}
		return plan
	}

	assigned := 0
	for i, t := range targets {
		share := toMove * t.spare / totalSpare
		if i == len(targets)-1 {
			share = toMove - assigned // remainder lands on the last target
		}
		plan.Targets[t.id] = share
		assigned += share
	}
	return plan
}

func clampConfidence(v float64) float64 {
	if v < 0.5 {
		return 0.5
	}
	if v > 1 {
		return 1
	}
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
