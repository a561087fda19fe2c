package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/tablecoord/internal/acks"
	"github.com/dreamware/tablecoord/internal/cluster"
	"github.com/dreamware/tablecoord/internal/config"
	"github.com/dreamware/tablecoord/internal/coordinator"
	"github.com/dreamware/tablecoord/internal/observability"
	"github.com/dreamware/tablecoord/internal/raft"
	"github.com/dreamware/tablecoord/internal/table"
)

func main() {
	cfg, err := config.Load(getenv("COORDINATOR_CONFIG", "coordinator.yaml"))
	if err != nil {
		bootLogger := observability.InitLogger("coordinator", "info")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	cfg.ListenAddr = getenv("COORDINATOR_ADDR", cfg.ListenAddr)
	logger := observability.InitLogger("coordinator", cfg.LogLevel)

	gin.SetMode(gin.ReleaseMode)
	srv := newServer(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Str("server", string(cfg.ServerID)).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	srv.stop()
	logger.Info().Msg("coordinator stopped")
}

// server wires one table's consensus engine, ack registry, coordinator and
// health monitor behind the admin and ack-ingest HTTP API.
type server struct {
	cfg      config.Config
	log      zerolog.Logger
	engine   *raft.Memory
	registry *acks.Registry
	monitor  *coordinator.HealthMonitor
	coord    *coordinator.Coordinator
	router   *gin.Engine
	started  time.Time
	wg       sync.WaitGroup
}

func newServer(cfg config.Config, logger zerolog.Logger) *server {
	observability.RegisterMetrics()

	state, raftCfg := cfg.Bootstrap()
	engine := raft.NewMemory(state, raftCfg, raft.WithLogger(logger.With().Str("component", "raft").Logger()))
	registry := acks.NewRegistry()
	monitor := coordinator.NewHealthMonitor(cfg.HealthInterval,
		coordinator.WithHealthLogger(logger),
		coordinator.WithMaxFailures(cfg.MaxHealthFailures),
	)
	coord := coordinator.New(engine, registry,
		coordinator.WithLogger(logger),
		coordinator.WithLiveness(monitor),
		coordinator.WithResyncInterval(cfg.ResyncInterval),
	)
	monitor.OnChange(func(table.ServerID, bool) { coord.Wake() })

	s := &server{
		cfg:      cfg,
		log:      logger,
		engine:   engine,
		registry: registry,
		monitor:  monitor,
		coord:    coord,
		started:  time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.log))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/state", s.handleState)
	r.GET("/servers", s.handleServers)
	r.PUT("/config", s.handleConfig)
	r.POST("/acks", s.handlePostAck)
	r.DELETE("/acks", s.handleDeleteAck)
	return r
}

// start runs the health monitor and the ack pruner until ctx is cancelled.
// The pruner learns the contracts committed so far before start returns.
func (s *server) start(ctx context.Context) {
	commits, unsubscribe := s.engine.Subscribe()
	pruner := newAckPruner(s.registry)
	pruner.prune(s.engine.Snapshot().State.Contracts)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.monitor.Start(ctx, func() []cluster.ServerInfo { return s.cfg.Servers })
	}()
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.pruneAcks(ctx, commits, pruner)
	}()
}

func (s *server) stop() {
	s.coord.Close()
	s.monitor.Stop()
	s.wg.Wait()
}

// pruneAcks drops acks for contracts that were committed once and have since
// been replaced. Those acks can never influence a decision again.
func (s *server) pruneAcks(ctx context.Context, commits <-chan struct{}, p *ackPruner) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-commits:
			if n := p.prune(s.engine.Snapshot().State.Contracts); n > 0 {
				s.log.Debug().Int("dropped", n).Msg("pruned stale acks")
			}
		}
	}
}

// retiredPasses is how many prune passes a replaced contract id stays
// eligible for pruning. Executors can still post for it while their view
// of the state lags.
const retiredPasses = 16

// ackPruner only ever prunes contract ids it has seen committed and then
// seen replaced. An ack for a contract newer than the pruner's snapshot is
// left alone.
type ackPruner struct {
	registry *acks.Registry
	known    map[table.ContractID]bool
	retired  map[table.ContractID]int
	pass     int
}

func newAckPruner(registry *acks.Registry) *ackPruner {
	return &ackPruner{
		registry: registry,
		known:    make(map[table.ContractID]bool),
		retired:  make(map[table.ContractID]int),
	}
}

func (p *ackPruner) prune(contracts map[table.ContractID]table.Contract) int {
	p.pass++
	for id := range p.known {
		if _, ok := contracts[id]; !ok {
			p.retired[id] = p.pass
		}
	}
	p.known = make(map[table.ContractID]bool, len(contracts))
	for id := range contracts {
		p.known[id] = true
	}

	n := 0
	if len(p.retired) > 0 {
		n = p.registry.Prune(func(id table.ContractID) bool {
			_, gone := p.retired[id]
			return !gone
		})
	}
	for id, at := range p.retired {
		if p.pass-at >= retiredPasses {
			delete(p.retired, id)
		}
	}
	return n
}

func (s *server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status": "ok",
		"server": s.cfg.ServerID,
		"uptime": time.Since(s.started).String(),
		"leader": s.engine.IsLeader(),
	}
	if err := s.coord.Err(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "failed"
		body["error"] = err.Error()
	}
	c.JSON(status, body)
}

func (s *server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, cluster.NewStateResponse(s.engine.Snapshot()))
}

func (s *server) handleServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": s.monitor.All()})
}

// handleConfig replaces the table configuration. A change that loses a race
// answers 409 so the caller re-reads /state and retries.
func (s *server) handleConfig(c *gin.Context) {
	var next table.TableConfig
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, cluster.ConfigResponse{Error: "bad json"})
		return
	}
	keepsSelf := false
	for _, id := range next.Servers() {
		if _, ok := s.cfg.ServerAddr(id); !ok {
			c.JSON(http.StatusBadRequest, cluster.ConfigResponse{Error: "unknown server " + string(id)})
			return
		}
		keepsSelf = keepsSelf || id == s.cfg.ServerID
	}
	if !keepsSelf && len(next.Shards) > 0 {
		c.JSON(http.StatusBadRequest, cluster.ConfigResponse{Error: "table must keep coordinator server " + string(s.cfg.ServerID)})
		return
	}

	idx, ok, err := s.coord.ChangeConfig(c.Request.Context(), func(cfg *table.TableConfig) error {
		*cfg = next
		return nil
	})
	switch {
	case err != nil:
		c.JSON(http.StatusBadRequest, cluster.ConfigResponse{Error: err.Error()})
	case !ok:
		c.JSON(http.StatusConflict, cluster.ConfigResponse{Committed: false})
	default:
		c.JSON(http.StatusOK, cluster.ConfigResponse{Index: idx, Committed: true})
	}
}

func (s *server) handlePostAck(c *gin.Context) {
	var report cluster.AckReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad json"})
		return
	}
	if err := report.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.registry.Set(report.Server, report.Contract, report.Ack) {
		s.log.Debug().
			Str("server", string(report.Server)).
			Str("contract", string(report.Contract)).
			Str("state", string(report.Ack.State)).
			Uint64("epoch", uint64(report.Ack.Epoch)).
			Msg("ack updated")
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleDeleteAck(c *gin.Context) {
	var req cluster.AckDelete
	if err := c.ShouldBindJSON(&req); err != nil || req.Server == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "server required"})
		return
	}
	if req.Contract == "" {
		n := s.registry.DeleteServer(req.Server)
		s.log.Info().Str("server", string(req.Server)).Int("acks", n).Msg("server withdrew its acks")
	} else {
		s.registry.Delete(req.Server, req.Contract)
	}
	c.Status(http.StatusNoContent)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
