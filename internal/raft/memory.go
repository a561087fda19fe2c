// Package raft provides an in-memory, single-leader consensus engine for a
// table's replicated state. It gives the coordinator the same contract a
// real Raft log would: proposals are checked against the last committed
// index, commit in a total order, fail with ErrNotLeader once leadership is
// lost, and only one membership change may be in flight at a time.
//
// It backs the coordinator binary in single-process deployments and the
// coordinator's tests. It does not replicate anything.
package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/tablecoord/internal/table"
)

var (
	// ErrNotLeader means this engine is not (or is no longer) the leader.
	ErrNotLeader = errors.New("raft: not leader")
	// ErrStaleBase means another entry committed after the proposer's
	// snapshot was taken.
	ErrStaleBase = errors.New("raft: stale base index")
	// ErrConfigChangeInProgress means a membership change is still pending.
	ErrConfigChangeInProgress = errors.New("raft: config change in progress")
	// ErrNoVoters rejects a membership change that would leave no voters.
	ErrNoVoters = errors.New("raft: config has no voters")
)

// Stats counts proposal outcomes.
type Stats struct {
	Committed uint64
	Rejected  uint64
}

// Memory is the in-memory engine. The zero value is not usable; call
// NewMemory.
type Memory struct {
	log zerolog.Logger

	mu         sync.Mutex
	snap       table.Snapshot
	leader     bool
	lost       chan struct{} // closed when leadership is lost
	resume     chan struct{} // non-nil while commits are paused
	configBusy bool
	subs       map[int]chan struct{}
	nextSub    int
	stats      Stats
}

// Option configures a Memory engine.
type Option func(*Memory)

// WithLogger sets the engine's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Memory) { m.log = l }
}

// NewMemory creates a leader engine whose committed state starts at index 0
// with the given state and Raft configuration.
func NewMemory(initial table.State, cfg table.RaftConfig, opts ...Option) *Memory {
	m := &Memory{
		log:    zerolog.Nop(),
		snap:   table.Snapshot{State: initial.Clone(), Raft: cfg.Sorted()},
		leader: true,
		lost:   make(chan struct{}),
		subs:   make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns a copy of the committed state.
func (m *Memory) Snapshot() table.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone()
}

// ProposeState replaces the table state if base is still the latest
// committed index. It blocks while commits are paused.
func (m *Memory) ProposeState(ctx context.Context, base table.LogIndex, next table.State) (table.LogIndex, error) {
	next = next.Clone()
	return m.propose(ctx, base, false, func(s *table.Snapshot) {
		s.State = next
	})
}

// ProposeConfig changes the Raft membership configuration. Only one config
// change may be outstanding; see ReadyForConfigChange.
func (m *Memory) ProposeConfig(ctx context.Context, base table.LogIndex, cfg table.RaftConfig) (table.LogIndex, error) {
	if len(cfg.Voters) == 0 {
		return 0, ErrNoVoters
	}
	cfg = cfg.Sorted()
	return m.propose(ctx, base, true, func(s *table.Snapshot) {
		s.Raft = cfg
	})
}

// ReadyForConfigChange reports whether a membership change would be
// accepted now.
func (m *Memory) ReadyForConfigChange() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader && !m.configBusy
}

// IsLeader reports whether the engine currently holds leadership.
func (m *Memory) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

// Subscribe registers for commit notifications. Signals are coalesced.
func (m *Memory) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// StepDown simulates losing leadership. Proposals in flight resolve with
// ErrNotLeader.
func (m *Memory) StepDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.leader {
		return
	}
	m.leader = false
	close(m.lost)
	m.log.Info().Uint64("index", uint64(m.snap.Index)).Msg("raft leadership lost")
	m.notifyLocked()
}

// BecomeLeader regains leadership.
func (m *Memory) BecomeLeader() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leader {
		return
	}
	m.leader = true
	m.lost = make(chan struct{})
	m.log.Info().Uint64("index", uint64(m.snap.Index)).Msg("raft leadership gained")
	m.notifyLocked()
}

// Pause holds every subsequent proposal before commit until Resume.
func (m *Memory) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resume == nil {
		m.resume = make(chan struct{})
	}
}

// Resume releases proposals held by Pause. They commit in the order they
// acquire the engine lock; later ones usually fail with ErrStaleBase.
func (m *Memory) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resume != nil {
		close(m.resume)
		m.resume = nil
	}
}

// Stats returns proposal counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Memory) propose(ctx context.Context, base table.LogIndex, config bool, apply func(*table.Snapshot)) (table.LogIndex, error) {
	m.mu.Lock()
	if err := m.checkLocked(base, config); err != nil {
		m.stats.Rejected++
		m.mu.Unlock()
		return 0, err
	}
	if config {
		m.configBusy = true
	}
	lost, resume := m.lost, m.resume
	m.mu.Unlock()

	if resume != nil {
		select {
		case <-resume:
		case <-lost:
			return 0, m.abort(config, ErrNotLeader)
		case <-ctx.Done():
			return 0, m.abort(config, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if config {
		m.configBusy = false
	}
	if !m.leader {
		m.stats.Rejected++
		return 0, ErrNotLeader
	}
	if base != m.snap.Index {
		m.stats.Rejected++
		return 0, fmt.Errorf("%w: base %d, committed %d", ErrStaleBase, base, m.snap.Index)
	}
	apply(&m.snap)
	m.snap.Index++
	m.stats.Committed++
	m.log.Debug().Uint64("index", uint64(m.snap.Index)).Bool("config", config).Msg("raft entry committed")
	m.notifyLocked()
	return m.snap.Index, nil
}

func (m *Memory) checkLocked(base table.LogIndex, config bool) error {
	if !m.leader {
		return ErrNotLeader
	}
	if base != m.snap.Index {
		return fmt.Errorf("%w: base %d, committed %d", ErrStaleBase, base, m.snap.Index)
	}
	if config && m.configBusy {
		return ErrConfigChangeInProgress
	}
	return nil
}

func (m *Memory) abort(config bool, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if config {
		m.configBusy = false
	}
	m.stats.Rejected++
	return err
}

func (m *Memory) notifyLocked() {
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
