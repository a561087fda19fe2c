package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tablecoord/internal/table"
)

func servers(ids ...table.ServerID) []table.ServerID {
	return table.SortServers(ids)
}

func shardOf(r table.KeyRange, primary table.ServerID, replicas ...table.ServerID) table.ShardConfig {
	return table.ShardConfig{Range: r, Primary: primary, Replicas: table.UnionServers(replicas, servers(primary))}
}

func configOf(shards ...table.ShardConfig) table.TableConfig {
	cfg := table.TableConfig{Name: "test", Shards: shards}
	cfg.Normalize()
	return cfg
}

// contractOf builds a committed contract in which every replica votes.
func contractOf(r table.KeyRange, primary table.ServerID, epoch table.Epoch, replicas ...table.ServerID) table.Contract {
	return table.Contract{
		ID:       table.NewContractID(),
		Range:    r,
		Primary:  primary,
		Replicas: servers(replicas...),
		Voters:   servers(replicas...),
		Epoch:    epoch,
	}
}

func stateOf(cfg table.TableConfig, contracts ...table.Contract) table.State {
	s := table.NewState()
	s.Config = cfg
	for _, c := range contracts {
		s.Contracts[c.ID] = c
	}
	return s
}

// ackSet builds the registry view for one contract.
func ackSet(c table.Contract, acks map[table.ServerID]table.Ack) map[table.AckKey]table.Ack {
	out := make(map[table.AckKey]table.Ack, len(acks))
	for server, ack := range acks {
		out[table.AckKey{Server: server, Contract: c.ID}] = ack
	}
	return out
}

func ack(state table.AckState, epoch table.Epoch, version uint64) table.Ack {
	return table.Ack{State: state, Epoch: epoch, Version: version}
}

func allLive(table.ServerID) bool { return true }

// onlyContract runs planContracts and returns the single resulting contract.
func onlyContract(t *testing.T, s table.State, acks map[table.AckKey]table.Ack, live func(table.ServerID) bool) (table.Contract, int) {
	t.Helper()
	next, changes := planContracts(s, acks, live)
	require.Len(t, next, 1)
	for _, c := range next {
		return c, changes
	}
	return table.Contract{}, changes
}

// TestPlanInitialContract tests the contract issued for a fresh table
func TestPlanInitialContract(t *testing.T) {
	cfg := configOf(shardOf(table.FullRange, "s1", "s2", "s3"))
	s := stateOf(cfg)

	c, changes := onlyContract(t, s, nil, allLive)
	assert.Equal(t, 1, changes)
	assert.Equal(t, table.FullRange, c.Range)
	assert.Equal(t, table.ServerID("s1"), c.Primary)
	assert.Equal(t, servers("s1", "s2", "s3"), c.Replicas)
	assert.Equal(t, servers("s1"), c.Voters, "new replicas do not vote")
	assert.Empty(t, c.TempVoters)
	assert.Equal(t, table.Epoch(1), c.Epoch)
	assert.NotEmpty(t, c.ID)

	s.Contracts[c.ID] = c
	require.NoError(t, s.Validate())
	_, changes = planContracts(s, nil, allLive)
	assert.Zero(t, changes, "a pass over an up-to-date state proposes nothing")
}

func TestPlanNoShards(t *testing.T) {
	c := contractOf(table.FullRange, "s1", 1, "s1")
	s := stateOf(table.TableConfig{}, c)

	next, changes := planContracts(s, nil, allLive)
	assert.Zero(t, changes)
	assert.Equal(t, s.Contracts, next)
}

// TestPlanVoterPromotion tests that replicas join the voter set through a
// joint voter change once they stream
func TestPlanVoterPromotion(t *testing.T) {
	cfg := configOf(shardOf(table.FullRange, "s1", "s2", "s3"))
	c := contractOf(table.FullRange, "s1", 1, "s1")
	c.Replicas = servers("s1", "s2", "s3")

	t.Run("backfilling replicas wait", func(t *testing.T) {
		acks := ackSet(c, map[table.ServerID]table.Ack{
			"s1": ack(table.AckPrimaryReady, 1, 0),
			"s2": ack(table.AckSecondaryBackfilling, 1, 0),
		})
		_, changes := onlyContract(t, stateOf(cfg, c), acks, allLive)
		assert.Zero(t, changes)
	})

	t.Run("streaming replicas become temp voters", func(t *testing.T) {
		acks := ackSet(c, map[table.ServerID]table.Ack{
			"s1": ack(table.AckPrimaryReady, 1, 0),
			"s2": ack(table.AckSecondaryStreaming, 1, 0),
			"s3": ack(table.AckSecondaryStreaming, 1, 0),
		})
		next, changes := onlyContract(t, stateOf(cfg, c), acks, allLive)
		assert.Equal(t, 1, changes)
		assert.NotEqual(t, c.ID, next.ID)
		assert.Equal(t, servers("s1"), next.Voters)
		assert.Equal(t, servers("s1", "s2", "s3"), next.TempVoters)
		assert.Equal(t, c.Epoch, next.Epoch)
	})

	t.Run("stale acks are ignored", func(t *testing.T) {
		acks := ackSet(c, map[table.ServerID]table.Ack{
			"s2": ack(table.AckSecondaryStreaming, 0, 0),
		})
		acks[table.AckKey{Server: "s3", Contract: "other"}] = ack(table.AckSecondaryStreaming, 1, 0)
		_, changes := onlyContract(t, stateOf(cfg, c), acks, allLive)
		assert.Zero(t, changes)
	})

	t.Run("joint voters commit once the primary is ready", func(t *testing.T) {
		joint := c.Clone()
		joint.TempVoters = servers("s1", "s2", "s3")

		acks := ackSet(joint, map[table.ServerID]table.Ack{
			"s1": ack(table.AckPrimaryInProgress, 1, 0),
		})
		_, changes := onlyContract(t, stateOf(cfg, joint), acks, allLive)
		assert.Zero(t, changes)

		acks = ackSet(joint, map[table.ServerID]table.Ack{
			"s1": ack(table.AckPrimaryReady, 1, 0),
		})
		next, changes := onlyContract(t, stateOf(cfg, joint), acks, allLive)
		assert.Equal(t, 1, changes)
		assert.Equal(t, servers("s1", "s2", "s3"), next.Voters)
		assert.Empty(t, next.TempVoters)
	})
}

// TestPlanReplicaRemoval tests that a removed replica leaves the voter set
// before it leaves the contract
func TestPlanReplicaRemoval(t *testing.T) {
	cfg := configOf(shardOf(table.FullRange, "s1", "s2"))
	c := contractOf(table.FullRange, "s1", 2, "s1", "s2", "s3")
	ready := map[table.ServerID]table.Ack{
		"s1": ack(table.AckPrimaryReady, 2, 0),
		"s2": ack(table.AckSecondaryStreaming, 2, 0),
		"s3": ack(table.AckSecondaryStreaming, 2, 0),
	}

	step1, changes := onlyContract(t, stateOf(cfg, c), ackSet(c, ready), allLive)
	assert.Equal(t, 1, changes)
	assert.Equal(t, servers("s1", "s2", "s3"), step1.Voters)
	assert.Equal(t, servers("s1", "s2"), step1.TempVoters)
	assert.Contains(t, step1.Replicas, table.ServerID("s3"), "s3 still votes")

	step2, changes := onlyContract(t, stateOf(cfg, step1), ackSet(step1, ready), allLive)
	assert.Equal(t, 1, changes)
	assert.Equal(t, servers("s1", "s2"), step2.Voters)
	assert.Empty(t, step2.TempVoters)
	assert.Equal(t, servers("s1", "s2"), step2.Replicas)

	_, changes = onlyContract(t, stateOf(cfg, step2), ackSet(step2, ready), allLive)
	assert.Zero(t, changes)
}

// TestPlanHandOver tests a primary change requested by configuration
func TestPlanHandOver(t *testing.T) {
	cfg := configOf(shardOf(table.FullRange, "s2", "s1", "s3"))
	c := contractOf(table.FullRange, "s1", 1, "s1", "s2", "s3")

	t.Run("waits for the target to stream", func(t *testing.T) {
		acks := ackSet(c, map[table.ServerID]table.Ack{
			"s1": ack(table.AckPrimaryReady, 1, 0),
			"s2": ack(table.AckSecondaryBackfilling, 1, 0),
		})
		_, changes := onlyContract(t, stateOf(cfg, c), acks, allLive)
		assert.Zero(t, changes)
	})

	t.Run("waits for the target to vote", func(t *testing.T) {
		nonVoter := c.Clone()
		nonVoter.Voters = servers("s1", "s3")
		acks := ackSet(nonVoter, map[table.ServerID]table.Ack{
			"s1": ack(table.AckPrimaryReady, 1, 0),
			"s2": ack(table.AckSecondaryStreaming, 1, 0),
		})
		next, _ := onlyContract(t, stateOf(cfg, nonVoter), acks, allLive)
		assert.Empty(t, next.HandOver)
		assert.Equal(t, table.ServerID("s1"), next.Primary)
		assert.Equal(t, servers("s1", "s2", "s3"), next.TempVoters, "the target is promoted to voter first")
	})

	acks := ackSet(c, map[table.ServerID]table.Ack{
		"s1": ack(table.AckPrimaryReady, 1, 0),
		"s2": ack(table.AckSecondaryStreaming, 1, 0),
	})
	handing, changes := onlyContract(t, stateOf(cfg, c), acks, allLive)
	require.Equal(t, 1, changes)
	assert.Equal(t, table.ServerID("s1"), handing.Primary)
	assert.Equal(t, table.ServerID("s2"), handing.HandOver)
	assert.Equal(t, table.Epoch(1), handing.Epoch)

	t.Run("old primary still serving", func(t *testing.T) {
		acks := ackSet(handing, map[table.ServerID]table.Ack{
			"s1": ack(table.AckPrimaryReady, 1, 0),
			"s2": ack(table.AckSecondaryStreaming, 1, 10),
		})
		_, changes := onlyContract(t, stateOf(cfg, handing), acks, allLive)
		assert.Zero(t, changes)
	})

	t.Run("target behind the stopped version", func(t *testing.T) {
		acks := ackSet(handing, map[table.ServerID]table.Ack{
			"s1": ack(table.AckPrimaryStopped, 1, 10),
			"s2": ack(table.AckSecondaryStreaming, 1, 9),
		})
		_, changes := onlyContract(t, stateOf(cfg, handing), acks, allLive)
		assert.Zero(t, changes)
	})

	t.Run("target caught up takes over", func(t *testing.T) {
		acks := ackSet(handing, map[table.ServerID]table.Ack{
			"s1": ack(table.AckPrimaryStopped, 1, 10),
			"s2": ack(table.AckSecondaryNeedPrimary, 1, 10),
		})
		next, changes := onlyContract(t, stateOf(cfg, handing), acks, allLive)
		assert.Equal(t, 1, changes)
		assert.Equal(t, table.ServerID("s2"), next.Primary)
		assert.Empty(t, next.HandOver)
		assert.Equal(t, table.Epoch(2), next.Epoch)
		assert.Equal(t, handing.Voters, next.Voters)
	})

	t.Run("configuration reverts", func(t *testing.T) {
		reverted := configOf(shardOf(table.FullRange, "s1", "s2", "s3"))
		acks := ackSet(handing, map[table.ServerID]table.Ack{
			"s1": ack(table.AckPrimaryStopped, 1, 10),
		})
		next, changes := onlyContract(t, stateOf(reverted, handing), acks, allLive)
		assert.Equal(t, 1, changes)
		assert.Equal(t, table.ServerID("s1"), next.Primary)
		assert.Empty(t, next.HandOver)
		assert.Equal(t, table.Epoch(1), next.Epoch)
	})
}

// TestPlanFailover tests primary loss and election
func TestPlanFailover(t *testing.T) {
	cfg := configOf(shardOf(table.FullRange, "s1", "s2", "s3"))
	c := contractOf(table.FullRange, "s1", 3, "s1", "s2", "s3")

	t.Run("one voter without a primary is not enough", func(t *testing.T) {
		acks := ackSet(c, map[table.ServerID]table.Ack{
			"s2": ack(table.AckSecondaryNeedPrimary, 3, 5),
			"s3": ack(table.AckSecondaryStreaming, 3, 5),
		})
		_, changes := onlyContract(t, stateOf(cfg, c), acks, allLive)
		assert.Zero(t, changes)
	})

	acks := ackSet(c, map[table.ServerID]table.Ack{
		"s2": ack(table.AckSecondaryNeedPrimary, 3, 5),
		"s3": ack(table.AckSecondaryNeedPrimary, 3, 7),
	})
	orphan, changes := onlyContract(t, stateOf(cfg, c), acks, allLive)
	require.Equal(t, 1, changes)
	assert.Empty(t, orphan.Primary)
	assert.Equal(t, table.Epoch(3), orphan.Epoch, "dropping the primary keeps the epoch")
	assert.Equal(t, c.Voters, orphan.Voters)
	require.NoError(t, stateOf(cfg, orphan).Validate())

	tests := []struct {
		name     string
		cfg      table.TableConfig
		acks     map[table.ServerID]table.Ack
		live     func(table.ServerID) bool
		expected table.ServerID
	}{
		{
			name: "highest version wins",
			cfg:  cfg,
			acks: map[table.ServerID]table.Ack{
				"s2": ack(table.AckSecondaryNeedPrimary, 3, 5),
				"s3": ack(table.AckSecondaryNeedPrimary, 3, 7),
			},
			live:     allLive,
			expected: "s3",
		},
		{
			name: "lowest server id breaks ties",
			cfg:  cfg,
			acks: map[table.ServerID]table.Ack{
				"s2": ack(table.AckSecondaryNeedPrimary, 3, 7),
				"s3": ack(table.AckSecondaryNeedPrimary, 3, 7),
			},
			live:     allLive,
			expected: "s2",
		},
		{
			name: "desired primary wins a tie",
			cfg:  configOf(shardOf(table.FullRange, "s3", "s1", "s2")),
			acks: map[table.ServerID]table.Ack{
				"s2": ack(table.AckSecondaryNeedPrimary, 3, 7),
				"s3": ack(table.AckSecondaryNeedPrimary, 3, 7),
			},
			live:     allLive,
			expected: "s3",
		},
		{
			name: "unhealthy candidates are skipped",
			cfg:  cfg,
			acks: map[table.ServerID]table.Ack{
				"s2": ack(table.AckSecondaryNeedPrimary, 3, 7),
				"s3": ack(table.AckSecondaryNeedPrimary, 3, 7),
			},
			live:     func(s table.ServerID) bool { return s != "s2" },
			expected: "s3",
		},
		{
			name: "desired replicas are preferred",
			cfg:  configOf(shardOf(table.FullRange, "s4", "s3")),
			acks: map[table.ServerID]table.Ack{
				"s2": ack(table.AckSecondaryNeedPrimary, 3, 7),
				"s3": ack(table.AckSecondaryNeedPrimary, 3, 7),
			},
			live:     allLive,
			expected: "s3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, changes := onlyContract(t, stateOf(tt.cfg, orphan), ackSet(orphan, tt.acks), tt.live)
			assert.Equal(t, 1, changes)
			assert.Equal(t, tt.expected, next.Primary)
			assert.Equal(t, table.Epoch(4), next.Epoch)
		})
	}

	t.Run("no election without enough reports", func(t *testing.T) {
		acks := ackSet(orphan, map[table.ServerID]table.Ack{
			"s3": ack(table.AckSecondaryNeedPrimary, 3, 7),
		})
		next, changes := onlyContract(t, stateOf(cfg, orphan), acks, allLive)
		assert.Zero(t, changes)
		assert.Empty(t, next.Primary)
	})

	t.Run("no election when every candidate is down", func(t *testing.T) {
		acks := ackSet(orphan, map[table.ServerID]table.Ack{
			"s2": ack(table.AckSecondaryNeedPrimary, 3, 7),
			"s3": ack(table.AckSecondaryNeedPrimary, 3, 7),
		})
		_, changes := onlyContract(t, stateOf(cfg, orphan), acks, func(table.ServerID) bool { return false })
		assert.Zero(t, changes)
	})
}

// TestPlanFailoverTwoVoters tests the quorum arithmetic for an even voter set
func TestPlanFailoverTwoVoters(t *testing.T) {
	cfg := configOf(shardOf(table.FullRange, "s1", "s2"))
	c := contractOf(table.FullRange, "s1", 1, "s1", "s2")

	acks := ackSet(c, map[table.ServerID]table.Ack{
		"s2": ack(table.AckSecondaryNeedPrimary, 1, 4),
	})
	orphan, changes := onlyContract(t, stateOf(cfg, c), acks, allLive)
	require.Equal(t, 1, changes)
	assert.Empty(t, orphan.Primary)

	next, changes := onlyContract(t, stateOf(cfg, orphan), ackSet(orphan, map[table.ServerID]table.Ack{
		"s2": ack(table.AckSecondaryNeedPrimary, 1, 4),
	}), allLive)
	assert.Equal(t, 1, changes)
	assert.Equal(t, table.ServerID("s2"), next.Primary)
	assert.Equal(t, table.Epoch(2), next.Epoch)
}

// TestPlanSplit tests resharding of an existing contract
func TestPlanSplit(t *testing.T) {
	c := contractOf(table.FullRange, "s1", 2, "s1", "s2")
	cfg := configOf(
		shardOf(table.KeyRange{End: "m"}, "s1", "s2"),
		shardOf(table.KeyRange{Start: "m"}, "s1", "s2"),
	)

	next, changes := planContracts(stateOf(cfg, c), nil, allLive)
	assert.Equal(t, 2, changes)
	require.Len(t, next, 2)

	split := stateOf(cfg)
	split.Contracts = next
	require.NoError(t, split.Validate())

	sorted := split.SortedContracts()
	assert.Equal(t, table.KeyRange{End: "m"}, sorted[0].Range)
	assert.Equal(t, table.KeyRange{Start: "m"}, sorted[1].Range)
	for _, piece := range sorted {
		assert.NotEqual(t, c.ID, piece.ID)
		assert.Equal(t, c.Primary, piece.Primary)
		assert.Equal(t, c.Voters, piece.Voters)
		assert.Equal(t, c.Epoch, piece.Epoch)
	}
	assert.NotEqual(t, sorted[0].ID, sorted[1].ID)

	_, changes = planContracts(split, nil, allLive)
	assert.Zero(t, changes)
}

// TestPlanFillsGaps tests that uncovered ranges get initial contracts from
// the shard that covers them
func TestPlanFillsGaps(t *testing.T) {
	cfg := configOf(
		shardOf(table.KeyRange{End: "m"}, "s1", "s2"),
		shardOf(table.KeyRange{Start: "m"}, "s3", "s4"),
	)
	left := contractOf(table.KeyRange{End: "m"}, "s1", 1, "s1", "s2")

	next, changes := planContracts(stateOf(cfg, left), nil, allLive)
	assert.Equal(t, 1, changes)
	require.Len(t, next, 2)
	assert.Equal(t, left, next[left.ID], "covered contracts are untouched")

	for id, c := range next {
		if id == left.ID {
			continue
		}
		assert.Equal(t, table.KeyRange{Start: "m"}, c.Range)
		assert.Equal(t, table.ServerID("s3"), c.Primary)
		assert.Equal(t, servers("s3"), c.Voters)
		assert.Equal(t, servers("s3", "s4"), c.Replicas)
		assert.Equal(t, table.Epoch(1), c.Epoch)
	}
}

// TestPlanOneRoleChangeAtATime tests that a contract never changes primary
// and voters in the same step
func TestPlanOneRoleChangeAtATime(t *testing.T) {
	cfg := configOf(shardOf(table.FullRange, "s2", "s1", "s3"))
	c := contractOf(table.FullRange, "s1", 1, "s1", "s2")
	c.Replicas = servers("s1", "s2", "s3")
	acks := ackSet(c, map[table.ServerID]table.Ack{
		"s1": ack(table.AckPrimaryReady, 1, 0),
		"s2": ack(table.AckSecondaryStreaming, 1, 0),
		"s3": ack(table.AckSecondaryStreaming, 1, 0),
	})

	next, changes := onlyContract(t, stateOf(cfg, c), acks, allLive)
	assert.Equal(t, 1, changes)
	assert.Equal(t, table.ServerID("s2"), next.HandOver)
	assert.Empty(t, next.TempVoters)
	assert.Equal(t, c.Voters, next.Voters)
}

func TestMajority(t *testing.T) {
	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		assert.Equal(t, want, majority(n), "majority(%d)", n)
	}
}
