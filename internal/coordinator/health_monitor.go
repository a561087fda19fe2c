package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/tablecoord/internal/cluster"
	"github.com/dreamware/tablecoord/internal/table"
)

// Health states reported by HealthMonitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ServerHealth tracks the liveness of one replica executor.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type ServerHealth struct {
	LastCheck        time.Time      `json:"last_check"`
	LastHealthy      time.Time      `json:"last_healthy"`
	Server           table.ServerID `json:"server"`
	Status           string         `json:"status"`
	ConsecutiveFails int            `json:"consecutive_fails"`
}

// HealthMonitor probes every replica executor's /health endpoint on an
// interval. It implements Liveness: a server only counts as live once a probe
// has succeeded and it has not since failed maxFailures times in a row.
//
// Status transitions are reported through the OnChange callback so the
// coordinator can re-run its loops; a failed executor typically shows up in
// acks later than in health checks.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	servers     map[table.ServerID]*ServerHealth // current health per server
	httpClient  *http.Client                     // client for probes
	checkFunc   func(addr string) error          // performs one probe
	onChange    func(table.ServerID, bool)       // status transition callback
	log         zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration // time between probe rounds
	mu          sync.RWMutex  // protects servers, checkFunc and onChange
	wg          sync.WaitGroup
	maxFailures int // consecutive failures before unhealthy
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// WithHealthLogger sets the monitor's logger.
func WithHealthLogger(l zerolog.Logger) HealthOption {
	return func(h *HealthMonitor) { h.log = l }
}

// WithMaxFailures sets how many consecutive failed probes mark a server
// unhealthy.
func WithMaxFailures(n int) HealthOption {
	return func(h *HealthMonitor) {
		if n > 0 {
			h.maxFailures = n
		}
	}
}

// WithCheckFunction replaces the HTTP probe, e.g. in tests.
func WithCheckFunction(f func(addr string) error) HealthOption {
	return func(h *HealthMonitor) { h.checkFunc = f }
}

// NewHealthMonitor creates a monitor that probes every interval. Servers are
// marked unhealthy after 3 consecutive failures unless WithMaxFailures says
// otherwise.
//
// Example:
//
//	monitor := NewHealthMonitor(2*time.Second, WithHealthLogger(logger))
//	monitor.OnChange(func(table.ServerID, bool) { coord.Wake() })
//	go monitor.Start(ctx, func() []cluster.ServerInfo { return cfg.Servers })
func NewHealthMonitor(interval time.Duration, opts ...HealthOption) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		servers:     make(map[table.ServerID]*ServerHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		log:         zerolog.Nop(),
		ctx:         ctx,
		cancel:      cancel,
		interval:    interval,
		maxFailures: 3,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.checkFunc == nil {
		h.checkFunc = h.httpCheck
	}
	h.log = h.log.With().Str("component", "health").Logger()
	return h
}

// OnChange registers a callback for healthy/unhealthy transitions. The
// callback runs on its own goroutine without the monitor's lock held.
func (h *HealthMonitor) OnChange(f func(server table.ServerID, healthy bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = f
}

// Start probes the servers returned by provider until ctx is cancelled or
// Stop is called. It blocks; run it on its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []cluster.ServerInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info().Dur("interval", h.interval).Msg("health monitor started")
	h.CheckAll(provider())

	for {
		select {
		case <-ticker.C:
			h.CheckAll(provider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.log.Info().Msg("health monitor stopped")
}

// CheckAll probes every server once, in parallel, and forgets servers that
// are no longer listed.
func (h *HealthMonitor) CheckAll(servers []cluster.ServerInfo) {
	listed := make(map[table.ServerID]bool, len(servers))
	var wg sync.WaitGroup
	for _, s := range servers {
		listed[s.ID] = true
		wg.Add(1)
		go func(s cluster.ServerInfo) {
			defer wg.Done()
			h.checkServer(s)
		}(s)
	}
	wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.servers {
		if !listed[id] {
			delete(h.servers, id)
			h.log.Info().Str("server", string(id)).Msg("removed server from health monitoring")
		}
	}
}

func (h *HealthMonitor) checkServer(s cluster.ServerInfo) {
	h.mu.Lock()
	health, ok := h.servers[s.ID]
	if !ok {
		health = &ServerHealth{Server: s.ID, Status: StatusUnknown}
		h.servers[s.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	err := check(s.Addr)

	h.mu.Lock()
	before := health.Status
	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.log.Debug().Err(err).
			Str("server", string(s.ID)).
			Int("fails", health.ConsecutiveFails).
			Msg("health check failed")
		if health.ConsecutiveFails >= h.maxFailures {
			health.Status = StatusUnhealthy
		}
	} else {
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
	}
	after := health.Status
	cb := h.onChange
	h.mu.Unlock()

	if before == after || after == StatusUnknown {
		return
	}
	healthy := after == StatusHealthy
	if healthy {
		h.log.Info().Str("server", string(s.ID)).Msg("server is healthy")
	} else {
		h.log.Warn().Str("server", string(s.ID)).Int("fails", h.maxFailures).Msg("server marked unhealthy")
	}
	if cb != nil {
		go cb(s.ID, healthy)
	}
}

// httpCheck GETs the executor's /health endpoint.
func (h *HealthMonitor) httpCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// ServerHealth returns a copy of server's health record, or nil if the
// server is not monitored.
func (h *HealthMonitor) ServerHealth(server table.ServerID) *ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.servers[server]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// All returns copies of every health record, keyed by server.
func (h *HealthMonitor) All() map[table.ServerID]ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[table.ServerID]ServerHealth, len(h.servers))
	for id, health := range h.servers {
		out[id] = *health
	}
	return out
}

// IsHealthy reports whether server's last probes succeeded. Unmonitored
// servers are not healthy.
func (h *HealthMonitor) IsHealthy(server table.ServerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.servers[server]
	return ok && health.Status == StatusHealthy
}
