package coordinator

import (
	"context"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tablecoord/internal/observability"
	"github.com/dreamware/tablecoord/internal/table"
)

const membersLoop = "members"

// memberPlan is the outcome of one membership pass: either a bookkeeping
// change to the member entries, or a Raft configuration change, or nothing.
// Bookkeeping always goes first; the Raft config is only reconsidered once
// the entries are settled.
type memberPlan struct {
	members map[table.ServerID]table.MemberEntry
	raft    *table.RaftConfig
}

// planMembers derives the next membership step from snap.
//
// Entries move absent → observer → voting → retiring → absent:
//   - a server named by the configuration without an entry is admitted as
//     an observer with a fresh Raft member id
//   - an observer whose Raft id has become a voter is marked voting
//   - an entry whose server left the configuration and is named by no
//     contract is marked retiring (an observer may retire before it votes)
//   - a retiring entry is deleted once the Raft config no longer has it
func planMembers(
	snap table.Snapshot,
	acks map[table.AckKey]table.Ack,
) memberPlan {
	state := snap.State
	desired := state.Config.Servers()
	idx := table.NewContractIndex(state)

	members := make(map[table.ServerID]table.MemberEntry, len(state.Members))
	changed := false
	for server, m := range state.Members {
		wanted := slices.Contains(desired, server)
		switch m.Status {
		case table.MemberObserver:
			if snap.Raft.IsVoter(m.RaftID) {
				m.Status = table.MemberVoting
				changed = true
			} else if !wanted && !idx.References(server) {
				m.Status = table.MemberRetiring
				changed = true
			}
		case table.MemberVoting:
			if !wanted && !idx.References(server) {
				m.Status = table.MemberRetiring
				changed = true
			}
		case table.MemberRetiring:
			if !snap.Raft.Contains(m.RaftID) {
				changed = true
				continue
			}
		}
		members[server] = m
	}
	for _, server := range desired {
		if _, ok := state.Members[server]; ok {
			continue
		}
		members[server] = table.MemberEntry{
			Server: server,
			RaftID: table.NewRaftMemberID(),
			Status: table.MemberObserver,
		}
		changed = true
	}
	if changed {
		return memberPlan{members: members}
	}

	cfg := desiredRaftConfig(state, snap.Raft, idx, acks)
	if len(cfg.Voters) == 0 || cfg.Equal(snap.Raft.Sorted()) {
		return memberPlan{}
	}
	return memberPlan{raft: &cfg}
}

// desiredRaftConfig computes the Raft membership the entries call for.
// Voting entries stay voters, caught-up observers are promoted, other
// observers receive the log as non-voters, and retiring entries are left
// out. A voter is never turned back into a non-voter.
func desiredRaftConfig(
	state table.State,
	current table.RaftConfig,
	idx *table.ContractIndex,
	acks map[table.AckKey]table.Ack,
) table.RaftConfig {
	var cfg table.RaftConfig
	for server, m := range state.Members {
		switch {
		case m.Status == table.MemberRetiring:
		case m.Status == table.MemberVoting || current.IsVoter(m.RaftID):
			cfg.Voters = append(cfg.Voters, m.RaftID)
		case caughtUp(server, idx, acks):
			cfg.Voters = append(cfg.Voters, m.RaftID)
		default:
			cfg.NonVoters = append(cfg.NonVoters, m.RaftID)
		}
	}
	return cfg.Sorted()
}

// caughtUp reports whether server is ready in every contract that names it.
// A server no contract names yet has nothing to be caught up with and stays
// an observer.
func caughtUp(server table.ServerID, idx *table.ContractIndex, acks map[table.AckKey]table.Ack) bool {
	ids := idx.ServerContracts(server)
	if len(ids) == 0 {
		return false
	}
	epochs := make(map[table.ContractID]table.Epoch, len(ids))
	for _, c := range idx.Contracts() {
		epochs[c.ID] = c.Epoch
	}
	for _, id := range ids {
		ack, ok := acks[table.AckKey{Server: server, Contract: id}]
		if !ok || ack.Epoch != epochs[id] || !ack.Ready() {
			return false
		}
	}
	return true
}

// pumpMembers runs the membership loop until ctx is cancelled or a fatal
// error stops the coordinator.
func (c *Coordinator) pumpMembers(ctx context.Context) {
	defer c.wg.Done()

	commits, stopCommits := c.engine.Subscribe()
	defer stopCommits()
	ackChanges, stopAcks := c.acks.Subscribe()
	defer stopAcks()

	c.pump(ctx, membersLoop, c.wakeMembers, commits, ackChanges, c.membersPass)
}

// membersPass performs at most one membership proposal.
func (c *Coordinator) membersPass(ctx context.Context) error {
	snap := c.engine.Snapshot()
	if err := snap.State.Validate(); err != nil {
		return err
	}
	observability.RecordPass(membersLoop)
	recordStateMetrics(snap.State)

	plan := planMembers(snap, c.acks.ReadAll())
	switch {
	case plan.members != nil:
		next := snap.State.Clone()
		next.Members = plan.members
		c.log.Debug().
			Uint64("base", uint64(snap.Index)).
			Int("members", len(plan.members)).
			Msg("proposing membership entries")
		idx, err := c.engine.ProposeState(ctx, snap.Index, next)
		c.recordProposal(membersLoop, idx, err)

	case plan.raft != nil:
		if !c.engine.ReadyForConfigChange() {
			c.log.Debug().Msg("raft config change pending, deferring membership change")
			return nil
		}
		c.log.Info().
			Uint64("base", uint64(snap.Index)).
			Int("voters", len(plan.raft.Voters)).
			Int("non_voters", len(plan.raft.NonVoters)).
			Msg("proposing raft config change")
		idx, err := c.engine.ProposeConfig(ctx, snap.Index, *plan.raft)
		c.recordProposal(membersLoop, idx, err)
	}
	return nil
}

func recordStateMetrics(s table.State) {
	counts := map[string]int{
		string(table.MemberObserver): 0,
		string(table.MemberVoting):   0,
		string(table.MemberRetiring): 0,
	}
	for _, m := range s.Members {
		counts[string(m.Status)]++
	}
	observability.RecordState(len(s.Contracts), counts)
}
