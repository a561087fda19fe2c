package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/tablecoord/internal/observability"
	"github.com/dreamware/tablecoord/internal/raft"
	"github.com/dreamware/tablecoord/internal/table"
)

// Consensus is the table's replicated log as seen from its leader.
//
// Proposals carry the index of the snapshot they were computed from and are
// rejected when anything else committed since. Proposals in flight when
// leadership is lost resolve with an error rather than hang.
type Consensus interface {
	// Snapshot returns the latest committed state.
	Snapshot() table.Snapshot
	// ProposeState replaces the table state and waits for commit.
	ProposeState(ctx context.Context, base table.LogIndex, next table.State) (table.LogIndex, error)
	// ProposeConfig changes the Raft membership and waits for commit.
	ProposeConfig(ctx context.Context, base table.LogIndex, cfg table.RaftConfig) (table.LogIndex, error)
	// ReadyForConfigChange reports whether ProposeConfig may be called.
	ReadyForConfigChange() bool
	// Subscribe delivers a coalesced signal after every commit.
	Subscribe() (<-chan struct{}, func())
}

// AckSource is the shared registry of replica acks.
type AckSource interface {
	ReadAll() map[table.AckKey]table.Ack
	Subscribe() (<-chan struct{}, func())
}

// Liveness reports whether a replica's executor currently answers health
// checks. Unhealthy replicas are never elected primary.
type Liveness interface {
	IsHealthy(server table.ServerID) bool
}

// Coordinator is the per-table orchestrator. Exactly one exists per table,
// created when this node gains Raft leadership for the table and closed when
// it loses it. It owns two reconciliation loops:
//
//   - the contract loop issues new contracts from the configuration and acks
//   - the membership loop admits, promotes and retires Raft members
//
// The loops share nothing but the committed state they both read.
//
// Thread Safety:
// ChangeConfig may be called concurrently from any number of goroutines.
type Coordinator struct {
	engine   Consensus
	acks     AckSource
	liveness Liveness
	log      zerolog.Logger
	resync   time.Duration

	wakeContracts chan struct{} // capacity 1, coalescing
	wakeMembers   chan struct{} // capacity 1, coalescing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errOnce sync.Once
	errMu   sync.Mutex
	err     error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithLiveness supplies replica liveness for primary elections.
func WithLiveness(l Liveness) Option {
	return func(c *Coordinator) { c.liveness = l }
}

// WithResyncInterval sets how often the loops run without being woken.
// Zero disables the periodic pass.
func WithResyncInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.resync = d }
}

// New creates a coordinator and starts both reconciliation loops. Call
// Close to stop them.
//
// Example:
//
//	coord := coordinator.New(engine, registry, coordinator.WithLogger(logger))
//	defer coord.Close()
//	idx, ok, err := coord.ChangeConfig(ctx, func(cfg *table.TableConfig) error {
//	    cfg.Shards[0].Primary = "s2"
//	    return nil
//	})
func New(engine Consensus, acks AckSource, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		engine:        engine,
		acks:          acks,
		log:           zerolog.Nop(),
		resync:        5 * time.Second,
		wakeContracts: make(chan struct{}, 1),
		wakeMembers:   make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "coordinator").Logger()

	c.wg.Add(2)
	go c.pumpContracts(ctx)
	go c.pumpMembers(ctx)
	c.log.Info().Msg("coordinator started")
	return c
}

// Close stops both loops and waits until they have exited. In-flight
// proposals are abandoned, not rolled back. Close is idempotent.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
	c.log.Info().Msg("coordinator stopped")
}

// Err returns the fatal error that stopped the loops, if any.
func (c *Coordinator) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Wake asks both loops to run a pass soon. Safe to call at any time,
// including from health monitor callbacks.
func (c *Coordinator) Wake() {
	pulse(c.wakeContracts)
	pulse(c.wakeMembers)
}

// ChangeConfig applies mutate to a copy of the committed table configuration
// and proposes the result as one transaction.
//
// Returns:
//   - (index, true, nil) once the new configuration has committed
//   - (0, false, nil) when ctx is cancelled, the coordinator is closed,
//     leadership is lost or another change committed first; the caller
//     should re-read the configuration and retry, possibly on a new leader
//   - (0, false, err) when mutate fails or produces a configuration that
//     does not cover the key space exactly once (table.ErrInvalidConfig)
//
// A cancelled call may still have committed; callers must re-read state
// rather than assume failure.
func (c *Coordinator) ChangeConfig(ctx context.Context, mutate func(*table.TableConfig) error) (table.LogIndex, bool, error) {
	if c.ctx.Err() != nil {
		return 0, false, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	snap := c.engine.Snapshot()
	cfg := snap.State.Config.Clone()
	if err := mutate(&cfg); err != nil {
		return 0, false, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return 0, false, err
	}

	next := snap.State.Clone()
	next.Config = cfg
	idx, err := c.engine.ProposeState(ctx, snap.Index, next)
	if err != nil {
		if transient(err) {
			c.log.Debug().Err(err).Uint64("base", uint64(snap.Index)).Msg("config change not committed")
			return 0, false, nil
		}
		return 0, false, err
	}

	c.log.Info().Uint64("index", uint64(idx)).Int("shards", len(cfg.Shards)).Msg("table config changed")
	c.Wake()
	return idx, true, nil
}

// pump is the body shared by both loops: run a pass, then sleep until woken
// by an explicit pulse, a commit, an ack change or the resync timer. Passes
// never overlap, and each completes its proposal before the next begins.
func (c *Coordinator) pump(
	ctx context.Context,
	loop string,
	wake <-chan struct{},
	commits, ackChanges <-chan struct{},
	pass func(context.Context) error,
) {
	var tick <-chan time.Time
	if c.resync > 0 {
		ticker := time.NewTicker(c.resync)
		defer ticker.Stop()
		tick = ticker.C
	}

	log := c.log.With().Str("loop", loop).Logger()
	for {
		if err := pass(ctx); err != nil {
			c.fail(loop, err)
			return
		}
		select {
		case <-ctx.Done():
			log.Debug().Msg("loop stopping")
			return
		case <-wake:
		case <-commits:
		case <-ackChanges:
		case <-tick:
		}
	}
}

// fail records a fatal error and stops both loops. Continuing on a state
// that breaks the table's invariants could issue unsafe contracts.
func (c *Coordinator) fail(loop string, err error) {
	c.errOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.log.Error().Err(err).Str("loop", loop).Msg("fatal reconciliation error, stopping coordinator")
	})
	c.cancel()
}

// recordProposal logs and counts the outcome of a loop's proposal. Loop
// proposals never fail the loop: every error here is retried on a later
// pass.
func (c *Coordinator) recordProposal(loop string, idx table.LogIndex, err error) {
	outcome := proposalOutcome(err)
	observability.RecordProposal(loop, outcome)

	switch outcome {
	case "committed":
		c.log.Info().Str("loop", loop).Uint64("index", uint64(idx)).Msg("proposal committed")
		if loop == contractsLoop {
			// New contracts can unblock membership retirement.
			pulse(c.wakeMembers)
		}
	case "stale", "cancelled", "config_busy":
		c.log.Debug().Str("loop", loop).Err(err).Msg("proposal not committed")
	default:
		c.log.Warn().Str("loop", loop).Err(err).Msg("proposal failed")
	}
}

func proposalOutcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, raft.ErrStaleBase):
		return "stale"
	case errors.Is(err, raft.ErrNotLeader):
		return "not_leader"
	case errors.Is(err, raft.ErrConfigChangeInProgress):
		return "config_busy"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// transient reports whether err only means "not now": a retry against fresh
// state may succeed.
func transient(err error) bool {
	return proposalOutcome(err) != "error"
}

func pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func logContract(e *zerolog.Event, c table.Contract) *zerolog.Event {
	return e.
		Str("contract", string(c.ID)).
		Str("range", c.Range.String()).
		Str("primary", string(c.Primary)).
		Str("hand_over", string(c.HandOver)).
		Strs("replicas", serverStrings(c.Replicas)).
		Strs("voters", serverStrings(c.Voters)).
		Strs("temp_voters", serverStrings(c.TempVoters)).
		Uint64("epoch", uint64(c.Epoch))
}

func serverStrings(ids []table.ServerID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
