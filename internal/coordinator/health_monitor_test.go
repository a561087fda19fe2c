package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tablecoord/internal/cluster"
	"github.com/dreamware/tablecoord/internal/table"
)

// flakyCheck fails probes for the addresses currently marked down.
type flakyCheck struct {
	mu   sync.Mutex
	down map[string]bool
}

func (f *flakyCheck) set(addr string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = make(map[string]bool)
	}
	f.down[addr] = down
}

func (f *flakyCheck) check(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return fmt.Errorf("%s is down", addr)
	}
	return nil
}

var twoServers = []cluster.ServerInfo{
	{ID: "s1", Addr: "http://localhost:8081"},
	{ID: "s2", Addr: "http://localhost:8082"},
}

func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, WithMaxFailures(2))
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2, monitor.maxFailures)
	assert.NotNil(t, monitor.checkFunc)
	assert.Empty(t, monitor.All())
	assert.False(t, monitor.IsHealthy("s1"), "unmonitored servers are not healthy")
}

// TestHealthMonitorTransitions tests the healthy → unhealthy → healthy cycle
// and that callbacks fire once per transition
func TestHealthMonitorTransitions(t *testing.T) {
	probe := &flakyCheck{}
	monitor := NewHealthMonitor(time.Hour, WithCheckFunction(probe.check), WithMaxFailures(3))
	defer monitor.Stop()

	var mu sync.Mutex
	var events []string
	monitor.OnChange(func(server table.ServerID, healthy bool) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, fmt.Sprintf("%s=%v", server, healthy))
	})
	eventsSoFar := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), events...)
	}

	monitor.CheckAll(twoServers)
	assert.True(t, monitor.IsHealthy("s1"))
	assert.True(t, monitor.IsHealthy("s2"))
	require.Eventually(t, func() bool { return len(eventsSoFar()) == 2 }, time.Second, 5*time.Millisecond)

	probe.set("http://localhost:8081", true)
	monitor.CheckAll(twoServers)
	monitor.CheckAll(twoServers)
	assert.True(t, monitor.IsHealthy("s1"), "two failures stay under the threshold")

	monitor.CheckAll(twoServers)
	assert.False(t, monitor.IsHealthy("s1"))
	assert.True(t, monitor.IsHealthy("s2"))

	monitor.CheckAll(twoServers)
	health := monitor.ServerHealth("s1")
	require.NotNil(t, health)
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Equal(t, 4, health.ConsecutiveFails)

	probe.set("http://localhost:8081", false)
	monitor.CheckAll(twoServers)
	assert.True(t, monitor.IsHealthy("s1"))
	assert.Equal(t, 0, monitor.ServerHealth("s1").ConsecutiveFails)

	require.Eventually(t, func() bool { return len(eventsSoFar()) == 4 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"s1=true", "s2=true", "s1=false", "s1=true"}, eventsSoFar())
}

// TestHealthMonitorUnknownFailures tests that a server that never answered
// is not healthy and does not trigger callbacks until it crosses the threshold
func TestHealthMonitorUnknownFailures(t *testing.T) {
	probe := &flakyCheck{}
	probe.set("http://localhost:8081", true)
	monitor := NewHealthMonitor(time.Hour, WithCheckFunction(probe.check), WithMaxFailures(2))
	defer monitor.Stop()

	var calls atomic.Int32
	monitor.OnChange(func(table.ServerID, bool) { calls.Add(1) })

	servers := twoServers[:1]
	monitor.CheckAll(servers)
	assert.Equal(t, StatusUnknown, monitor.ServerHealth("s1").Status)
	assert.False(t, monitor.IsHealthy("s1"))

	monitor.CheckAll(servers)
	assert.Equal(t, StatusUnhealthy, monitor.ServerHealth("s1").Status)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHealthMonitorRemovesUnlistedServers(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, WithCheckFunction(func(string) error { return nil }))
	defer monitor.Stop()

	monitor.CheckAll(twoServers)
	assert.Len(t, monitor.All(), 2)

	monitor.CheckAll(twoServers[:1])
	all := monitor.All()
	assert.Len(t, all, 1)
	assert.Contains(t, all, table.ServerID("s1"))
	assert.Nil(t, monitor.ServerHealth("s2"))
}

// TestHealthMonitorStartStop tests the probe loop and its shutdown
func TestHealthMonitorStartStop(t *testing.T) {
	var checks atomic.Int32
	monitor := NewHealthMonitor(10*time.Millisecond, WithCheckFunction(func(string) error {
		checks.Add(1)
		return nil
	}))

	go monitor.Start(context.Background(), func() []cluster.ServerInfo { return twoServers })

	require.Eventually(t, func() bool { return checks.Load() >= 6 }, time.Second, 5*time.Millisecond)
	assert.True(t, monitor.IsHealthy("s1"))

	monitor.Stop()
	stopped := checks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, checks.Load(), "no probes after Stop")
}

func TestHealthMonitorContextCancel(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, WithCheckFunction(func(string) error { return nil }))
	defer monitor.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Start(ctx, func() []cluster.ServerInfo { return twoServers })
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

// TestHealthMonitorHTTPCheck tests the default probe against real endpoints
func TestHealthMonitorHTTPCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	monitor := NewHealthMonitor(time.Hour, WithMaxFailures(1))
	defer monitor.Stop()

	monitor.CheckAll([]cluster.ServerInfo{
		{ID: "s1", Addr: healthy.URL},
		{ID: "s2", Addr: broken.URL + "/"},
		{ID: "s3", Addr: "127.0.0.1:1"},
	})
	assert.True(t, monitor.IsHealthy("s1"))
	assert.False(t, monitor.IsHealthy("s2"))
	assert.False(t, monitor.IsHealthy("s3"))
}

func TestHealthMonitorConcurrency(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Millisecond, WithCheckFunction(func(string) error { return nil }))
	defer monitor.Stop()

	servers := make([]cluster.ServerInfo, 5)
	for i := range servers {
		servers[i] = cluster.ServerInfo{ID: table.ServerID(fmt.Sprintf("s%d", i)), Addr: fmt.Sprintf("localhost:808%d", i)}
	}
	go monitor.Start(context.Background(), func() []cluster.ServerInfo { return servers })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := servers[i%len(servers)].ID
			for j := 0; j < 50; j++ {
				monitor.IsHealthy(id)
				monitor.ServerHealth(id)
				monitor.All()
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return len(monitor.All()) == len(servers) }, time.Second, 5*time.Millisecond)
}
