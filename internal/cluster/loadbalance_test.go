package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

func seedServers(fx *clusterFixture, records ...presence.ServerRecord) {
	for i := range records {
		r := records[i]
		if r.LastHeartbeat.IsZero() {
			r.LastHeartbeat = time.Now()
		}
		fx.coord.servers[r.ServerID] = &r
	}
}

func TestGetLeastLoadedServer(t *testing.T) {
	fx := setup(t)
	seedServers(fx,
		presence.ServerRecord{ServerID: "a", CurrentLoad: 90, MaxConnections: 100, Status: presence.ServerHealthy},
		presence.ServerRecord{ServerID: "b", CurrentLoad: 20, MaxConnections: 100, Status: presence.ServerHealthy},
		presence.ServerRecord{ServerID: "c", CurrentLoad: 1, MaxConnections: 100, Status: presence.ServerUnhealthy},
	)

	best := fx.coord.GetLeastLoadedServer()
	require.NotNil(t, best)
	assert.Equal(t, "b", best.ServerID, "unhealthy servers must not be placement targets")
}

func TestGetLeastLoadedServer_NoHealthyMembers(t *testing.T) {
	fx := setup(t)
	seedServers(fx,
		presence.ServerRecord{ServerID: "a", CurrentLoad: 10, MaxConnections: 100, Status: presence.ServerUnhealthy},
	)
	assert.Nil(t, fx.coord.GetLeastLoadedServer())
}

func TestGetScalingMetrics(t *testing.T) {
	fx := setup(t)

	t.Run("high load recommends scale up", func(t *testing.T) {
		fx.coord.servers = map[string]*presence.ServerRecord{}
		seedServers(fx,
			presence.ServerRecord{ServerID: "a", CurrentLoad: 90, MaxConnections: 100, Status: presence.ServerHealthy},
			presence.ServerRecord{ServerID: "b", CurrentLoad: 85, MaxConnections: 100, Status: presence.ServerHealthy},
		)
		report := fx.coord.GetScalingMetrics()
		assert.Equal(t, presence.ScaleUp, report.Action)
		assert.InDelta(t, 0.875, report.LoadRatio, 0.001)
		assert.GreaterOrEqual(t, report.Confidence, 0.5)
		assert.LessOrEqual(t, report.Confidence, 1.0)
	})

	t.Run("low load recommends scale down", func(t *testing.T) {
		fx.coord.servers = map[string]*presence.ServerRecord{}
		seedServers(fx,
			presence.ServerRecord{ServerID: "a", CurrentLoad: 5, MaxConnections: 100, Status: presence.ServerHealthy},
			presence.ServerRecord{ServerID: "b", CurrentLoad: 10, MaxConnections: 100, Status: presence.ServerHealthy},
		)
		report := fx.coord.GetScalingMetrics()
		assert.Equal(t, presence.ScaleDown, report.Action)
	})

	t.Run("middling load maintains", func(t *testing.T) {
		fx.coord.servers = map[string]*presence.ServerRecord{}
		seedServers(fx,
			presence.ServerRecord{ServerID: "a", CurrentLoad: 50, MaxConnections: 100, Status: presence.ServerHealthy},
		)
		report := fx.coord.GetScalingMetrics()
		assert.Equal(t, presence.Maintain, report.Action)
	})

	t.Run("empty cluster maintains", func(t *testing.T) {
		fx.coord.servers = map[string]*presence.ServerRecord{}
		report := fx.coord.GetScalingMetrics()
		assert.Equal(t, presence.Maintain, report.Action)
		assert.Zero(t, report.LoadRatio)
	})
}

func TestCreateConnectionMigrationPlan(t *testing.T) {
	fx := setup(t)
	seedServers(fx,
		presence.ServerRecord{ServerID: "failed", CurrentLoad: 100, MaxConnections: 100, Status: presence.ServerUnhealthy},
		presence.ServerRecord{ServerID: "a", CurrentLoad: 20, MaxConnections: 100, Status: presence.ServerHealthy}, // 80 spare
		presence.ServerRecord{ServerID: "b", CurrentLoad: 80, MaxConnections: 100, Status: presence.ServerHealthy}, // 20 spare
	)

	plan := fx.coord.CreateConnectionMigrationPlan("failed")
	assert.Equal(t, "failed", plan.FailedServerID)

	total := 0
	for _, n := range plan.Targets {
		total += n
	}
	assert.Equal(t, 100, total, "every displaced user must have a target")
	assert.Greater(t, plan.Targets["a"], plan.Targets["b"], "spare capacity weights the assignment")
	_, ok := plan.Targets["failed"]
	assert.False(t, ok)
}

func TestCreateConnectionMigrationPlan_NoSurvivors(t *testing.T) {
	fx := setup(t)
	seedServers(fx,
		presence.ServerRecord{ServerID: "failed", CurrentLoad: 50, MaxConnections: 100, Status: presence.ServerUnhealthy},
	)
	plan := fx.coord.CreateConnectionMigrationPlan("failed")
	assert.Empty(t, plan.Targets)
}

func TestGetServerMetrics(t *testing.T) {
	fx := setup(t)
	fx.coord.startedAt = time.Now().Add(-time.Minute)
	fx.reg.AddConnection("s1", "u1", "alice")

	metrics := fx.coord.GetServerMetrics()
	assert.Equal(t, fx.coord.ServerID(), metrics.ServerID)
	assert.Equal(t, 1, metrics.Connections)
	assert.GreaterOrEqual(t, metrics.Uptime, time.Minute)
}
