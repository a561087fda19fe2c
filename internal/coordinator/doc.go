// Package coordinator implements the leader-side control plane of a sharded,
// replicated table: it decides which server is primary for each key range,
// which replicas vote, and which servers belong to the table's Raft group.
//
// # Overview
//
// Exactly one Coordinator exists per table, on the current Raft leader of
// that table's log, and it is the only component that proposes to the log.
// It never talks to replicas directly. Replicas act on committed contracts
// and report progress as acks; the coordinator reads committed state and
// acks and proposes the next state.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 COORDINATOR                  │
//	├──────────────────────────────────────────────┤
//	│                                              │
//	│  ┌─────────────────┐   ┌──────────────────┐  │
//	│  │ Contract loop   │   │ Membership loop  │  │
//	│  │ - split/fill    │   │ - admit          │  │
//	│  │ - failover      │   │ - promote        │  │
//	│  │ - hand-over     │   │ - retire         │  │
//	│  │ - voter changes │   │                  │  │
//	│  └────────┬────────┘   └────────┬─────────┘  │
//	│           │   committed state   │            │
//	│           └─────────┬───────────┘            │
//	│                     │                        │
//	│  ┌──────────────────▼────────────────────┐   │
//	│  │ Consensus (Snapshot / Propose*)       │   │
//	│  └───────────────────────────────────────┘   │
//	│                                              │
//	│  ┌───────────────┐   ┌───────────────────┐   │
//	│  │ AckSource     │   │ HealthMonitor     │   │
//	│  │ (replica acks)│   │ (liveness)        │   │
//	│  └───────────────┘   └───────────────────┘   │
//	└──────────────────────────────────────────────┘
//
// # Core Components
//
// Coordinator: lifecycle and the ChangeConfig entry point
//   - New starts both loops, Close cancels and joins them
//   - ChangeConfig applies a caller mutation to the table configuration
//   - Err reports a fatal error that stopped the loops
//
// Contract loop: issues contracts
//   - Splits contracts along new shard boundaries
//   - Fills uncovered ranges with initial contracts
//   - Moves each contract at most one safe step towards its shard
//
// Membership loop: manages Raft membership
//   - Admits configured servers as observers
//   - Promotes observers that have caught up
//   - Retires servers nothing references any more
//
// HealthMonitor: probes replica executors
//   - Unhealthy servers are never elected primary
//   - Transitions wake the loops
//
// # Reconciliation
//
// Both loops are level-triggered. A pass reads one snapshot, computes the
// next state from scratch and proposes it against the snapshot's log index.
// If anything committed in between the proposal is rejected as stale and the
// next pass starts over. Nothing is remembered between passes, so a new
// leader picks up exactly where the old one stopped.
//
// Passes are triggered by:
//   - commits to the log
//   - changes in the ack registry
//   - ChangeConfig and health transitions (via Wake)
//   - a resync ticker
//
// Wake signals coalesce: any number of triggers while a pass runs lead to
// one more pass.
//
// # Contract Safety
//
// A contract changes at most one role at a time:
//
//	Replica growth:  new replicas store data but do not vote
//	Voter change:    Voters → TempVoters (joint) → Voters, once the
//	                 primary acks primary_ready under the joint contract
//	Hand-over:       HandOver set → old primary stops → target caught up
//	                 to the stopped version → target is primary, epoch+1
//	Failover:        enough voters report secondary_need_primary → primary
//	                 dropped → a live voter with the highest version is
//	                 elected, epoch+1
//
// A replica is only removed from a contract once it holds no role in it.
//
// # Membership Lifecycle
//
//	absent ──► observer ──► voting ──► retiring ──► absent
//	              │                        ▲
//	              └────────────────────────┘
//
// Each pass performs one step: a bookkeeping change to the member entries
// if one is due, otherwise a Raft configuration change once the engine is
// ready for one. A voter is never demoted and no configuration without
// voters is ever proposed.
//
// # Error Handling
//
// Proposal errors are transient and retried on the next pass. A committed
// snapshot that breaks the table's invariants is fatal: both loops stop and
// Err returns the cause.
//
// # Usage Example
//
//	engine := raft.NewMemory(bootstrap, raftCfg)
//	registry := acks.NewRegistry()
//	coord := coordinator.New(engine, registry,
//	    coordinator.WithLogger(logger),
//	    coordinator.WithLiveness(monitor),
//	)
//	defer coord.Close()
//
//	_, ok, err := coord.ChangeConfig(ctx, func(cfg *table.TableConfig) error {
//	    cfg.Shards[0].Replicas = append(cfg.Shards[0].Replicas, "s4")
//	    return nil
//	})
//
// # See Also
//
//   - internal/table: contracts, configuration and state
//   - internal/acks: the ack registry
//   - internal/raft: the in-memory consensus engine
package coordinator
