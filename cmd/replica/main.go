// Package main implements a simulated table executor. It follows the
// contracts the coordinator publishes and reports acks the way a real
// storage replica would, without storing any data.
//
// The replica is useful for exercising a coordinator end to end:
//   - Polls the coordinator's /state and /servers endpoints
//   - Derives one ack for every contract that names it
//   - Publishes every current ack to POST /acks each round
//   - Withdraws all of its acks on shutdown
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│               Replica                   │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /acks         - Published acks       │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Replica       - Simulated progress   │
//	│    sync loop     - Coordinator link     │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - REPLICA_ID: Server ID this replica answers for (required)
//   - REPLICA_LISTEN: Listen address (default: ":8081")
//   - COORDINATOR_URL: Coordinator base URL (default: "http://127.0.0.1:8080")
//   - REPLICA_POLL: Poll interval (default: "1s")
//   - LOG_LEVEL: Log level (default: "info")
//
// Example usage:
//
//	REPLICA_ID=s2 \
//	REPLICA_LISTEN=:8082 \
//	COORDINATOR_URL=http://localhost:8080 \
//	./replica
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

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dreamware/tablecoord/internal/cluster"
	"github.com/dreamware/tablecoord/internal/coordinator"
	"github.com/dreamware/tablecoord/internal/observability"
	"github.com/dreamware/tablecoord/internal/table"
)

// Replica simulates one executor. Every contract it is named in moves
// through the usual progression: a new secondary backfills for one round
// before it streams, and a new primary prepares for one round before it
// serves. It holds no data, so every position it reports is zero.
type Replica struct {
	published map[table.ContractID]table.Ack
	seen      map[table.ContractID]bool
	log       zerolog.Logger
	ID        table.ServerID
	coordURL  string
	mu        sync.Mutex
}

// NewReplica returns a replica answering for id against the coordinator at
// coordURL.
func NewReplica(id table.ServerID, coordURL string, logger zerolog.Logger) *Replica {
	return &Replica{
		ID:        id,
		coordURL:  coordURL,
		log:       logger.With().Str("server", string(id)).Logger(),
		published: make(map[table.ContractID]table.Ack),
		seen:      make(map[table.ContractID]bool),
	}
}

// Sync reads the committed state and publishes an ack for every contract
// naming the replica. Unchanged acks are posted again so a coordinator that
// lost them, after a restart or a prune, gets them back.
func (r *Replica) Sync(ctx context.Context) error {
	var state cluster.StateResponse
	if err := cluster.GetJSON(ctx, r.coordURL+"/state", &state); err != nil {
		return err
	}
	var servers struct {
		Servers map[table.ServerID]coordinator.ServerHealth `json:"servers"`
	}
	if err := cluster.GetJSON(ctx, r.coordURL+"/servers", &servers); err != nil {
		return err
	}
	healthy := func(id table.ServerID) bool {
		if id == r.ID {
			return true
		}
		h, ok := servers.Servers[id]
		return ok && h.Status == coordinator.StatusHealthy
	}

	contracts := state.ContractsFor(r.ID)
	r.mu.Lock()
	reports := make([]cluster.AckReport, 0, len(contracts))
	current := make(map[table.ContractID]bool, len(contracts))
	for _, c := range contracts {
		current[c.ID] = true
		reports = append(reports, cluster.AckReport{Server: r.ID, Contract: c.ID, Ack: r.ackFor(c, healthy)})
	}
	for id := range r.published {
		if !current[id] {
			delete(r.published, id)
			delete(r.seen, id)
		}
	}
	r.mu.Unlock()

	for _, report := range reports {
		if err := cluster.PostJSON(ctx, r.coordURL+"/acks", report, nil); err != nil {
			return err
		}
		r.mu.Lock()
		prev, ok := r.published[report.Contract]
		r.published[report.Contract] = report.Ack
		r.mu.Unlock()
		if ok && prev == report.Ack {
			continue
		}
		r.log.Debug().
			Str("contract", string(report.Contract)).
			Str("state", string(report.Ack.State)).
			Uint64("epoch", uint64(report.Ack.Epoch)).
			Msg("published ack")
	}
	return nil
}

// ackFor derives the replica's ack for c. Callers hold r.mu.
func (r *Replica) ackFor(c table.Contract, healthy func(table.ServerID) bool) table.Ack {
	first := !r.seen[c.ID]
	r.seen[c.ID] = true

	ack := table.Ack{Epoch: c.Epoch}
	switch {
	case c.Primary == r.ID && c.HandOver != "":
		ack.State = table.AckPrimaryStopped
	case c.Primary == r.ID && first:
		ack.State = table.AckPrimaryInProgress
	case c.Primary == r.ID:
		ack.State = table.AckPrimaryReady
	case c.Primary == "" || !healthy(c.Primary):
		ack.State = table.AckSecondaryNeedPrimary
	case first:
		ack.State = table.AckSecondaryBackfilling
	default:
		ack.State = table.AckSecondaryStreaming
	}
	return ack
}

// Published returns a copy of the acks the replica last published.
func (r *Replica) Published() map[table.ContractID]table.Ack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[table.ContractID]table.Ack, len(r.published))
	for id, a := range r.published {
		out[id] = a
	}
	return out
}

// Run syncs every interval until ctx is cancelled.
func (r *Replica) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.Sync(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("sync failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Withdraw removes every ack the replica published.
func (r *Replica) Withdraw(ctx context.Context) error {
	if err := cluster.DeleteJSON(ctx, r.coordURL+"/acks", cluster.AckDelete{Server: r.ID}, nil); err != nil {
		return err
	}
	r.mu.Lock()
	r.published = make(map[table.ContractID]table.Ack)
	r.seen = make(map[table.ContractID]bool)
	r.mu.Unlock()
	return nil
}

func (r *Replica) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(r.log))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "server": r.ID})
	})
	router.GET("/acks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"acks": r.Published()})
	})
	return router
}

func main() {
	logger := observability.InitLogger("replica", getenv("LOG_LEVEL", "info"))
	id := os.Getenv("REPLICA_ID")
	if id == "" {
		logger.Fatal().Msg("REPLICA_ID is required")
	}
	listen := getenv("REPLICA_LISTEN", ":8081")
	coordURL := getenv("COORDINATOR_URL", "http://127.0.0.1:8080")
	poll, err := time.ParseDuration(getenv("REPLICA_POLL", "1s"))
	if err != nil || poll <= 0 {
		logger.Fatal().Str("value", os.Getenv("REPLICA_POLL")).Msg("REPLICA_POLL must be a positive duration")
	}

	gin.SetMode(gin.ReleaseMode)
	replica := NewReplica(table.ServerID(id), coordURL, logger)

	s := &http.Server{
		Addr:              listen,
		Handler:           replica.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("server", id).Str("addr", listen).Str("coordinator", coordURL).Msg("replica listening")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		replica.Run(ctx, poll)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	<-done
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := replica.Withdraw(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("withdraw acks")
	}
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("replica stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
